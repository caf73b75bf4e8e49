// Package history maintains the in-memory commit DAG: ancestry queries,
// greatest-common-ancestor, and topological iteration (spec §4.C).
//
// The DAG is acyclic by construction: Add validates that every named
// predecessor already exists before the new commit is admitted, so no
// commit can ever reference something added after it. Successors are a
// denormalized index maintained only during Add; there are no
// parent/child pointers on Commit itself, only ids as edges, with a
// single map owning every commit.
package history

import (
	"sort"
	"sync"

	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
)

// History owns the commit DAG. All mutation and lookup goes through a
// single mutex ("history-access" in the design's concurrency model) —
// callers do I/O (writing payloads, index nodes) outside the lock and
// only take it for the quick read/write steps described here.
type History struct {
	mu  sync.Mutex
	log llvslog.Logger

	commits    map[string]types.Commit
	successors map[string]map[string]struct{} // parent id -> child ids
	heads      map[string]struct{}
}

// New builds an empty history.
func New(log llvslog.Logger) *History {
	if log == nil {
		log = llvslog.NoOp()
	}
	return &History{
		log:        log,
		commits:    make(map[string]types.Commit),
		successors: make(map[string]map[string]struct{}),
		heads:      make(map[string]struct{}),
	}
}

// Add inserts commit into the DAG, rejecting duplicates. When
// updatePredecessors is true (what every caller in this module passes),
// it also rejects commits whose predecessors aren't already present, and
// each named parent's successor set gains this commit's id and the
// parent is dropped from heads. When it is false, predecessors are
// neither checked nor linked.
func (h *History) Add(c types.Commit, updatePredecessors bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.commits[c.ID]; exists {
		return llvserrors.Wrapf(llvserrors.ErrDuplicateCommit, "add %s", c.ID)
	}
	if updatePredecessors {
		for _, p := range c.Predecessors.IDs() {
			if _, ok := h.commits[p]; !ok {
				return llvserrors.Wrapf(llvserrors.ErrMissingPredecessor, "add %s: predecessor %s", c.ID, p)
			}
		}
	}

	h.commits[c.ID] = c
	h.heads[c.ID] = struct{}{}

	if updatePredecessors {
		for _, p := range c.Predecessors.IDs() {
			if h.successors[p] == nil {
				h.successors[p] = make(map[string]struct{})
			}
			h.successors[p][c.ID] = struct{}{}
			delete(h.heads, p)
		}
	}

	h.log.Debug("commit added", llvslog.Fields{"commit_id": c.ID, "heads": len(h.heads)})
	return nil
}

// Version returns the commit for id, if known.
func (h *History) Version(id string) (types.Commit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.commits[id]
	return c, ok
}

// Exists reports whether id is a known commit.
func (h *History) Exists(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.commits[id]
	return ok
}

// AllIDs returns every commit id currently in history, in no particular
// order.
func (h *History) AllIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.commits))
	for id := range h.commits {
		ids = append(ids, id)
	}
	return ids
}

// Heads returns the current set of head commits (commits named by no
// other commit's predecessors).
func (h *History) Heads() []types.Commit {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Commit, 0, len(h.heads))
	for id := range h.heads {
		out = append(out, h.commits[id])
	}
	return out
}

// MostRecentHead returns the head with the largest timestamp, breaking
// ties by id.
func (h *History) MostRecentHead() (types.Commit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var best types.Commit
	found := false
	for id := range h.heads {
		c := h.commits[id]
		if !found || c.Timestamp.After(best.Timestamp) ||
			(c.Timestamp.Equal(best.Timestamp) && c.ID > best.ID) {
			best = c
			found = true
		}
	}
	return best, found
}

// IsAncestor reports whether a is an ancestor of b (or a == b).
func (h *History) IsAncestor(a, b string) (bool, error) {
	winner, err := h.PrevailingFrom([]string{a}, b)
	if err != nil {
		return false, err
	}
	return winner != "" && winner == a, nil
}

// PrevailingFrom walks the ancestors of at in topological order (heads
// toward roots) and returns the first of candidates reached, or "" if
// none of them is an ancestor of at.
func (h *History) PrevailingFrom(candidates []string, at string) (string, error) {
	h.mu.Lock()
	if _, ok := h.commits[at]; !ok {
		h.mu.Unlock()
		return "", llvserrors.Wrapf(llvserrors.ErrMissingVersion, "prevailing-from: %s", at)
	}
	want := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		want[c] = struct{}{}
	}
	order, err := h.topoFromLocked(at)
	h.mu.Unlock()
	if err != nil {
		return "", err
	}
	for _, id := range order {
		if _, ok := want[id]; ok {
			return id, nil
		}
	}
	return "", nil
}

// topoFromLocked returns the ids of at and all its ancestors, emitted
// from at toward the roots (Kahn's algorithm run over the predecessor
// relation restricted to at's own ancestry), in the same head-first
// order TopoIterate guarantees for the whole DAG. Must be called with
// h.mu held.
func (h *History) topoFromLocked(at string) ([]string, error) {
	// Gather the closure of ancestors first via BFS.
	closure := map[string]struct{}{at: {}}
	queue := []string{at}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		c, ok := h.commits[id]
		if !ok {
			return nil, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "ancestor closure: %s", id)
		}
		for _, p := range c.Predecessors.IDs() {
			if _, seen := closure[p]; !seen {
				closure[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}

	// Count in-closure successors per commit, so we only emit a commit
	// once every in-closure child has been emitted (heads of the
	// closure first).
	remaining := make(map[string]int, len(closure))
	for id := range closure {
		count := 0
		for succ := range h.successors[id] {
			if _, in := closure[succ]; in {
				count++
			}
		}
		remaining[id] = count
	}

	var ready []string
	for id, n := range remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready) // deterministic order among same-generation heads

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		c := h.commits[id]
		for _, p := range c.Predecessors.IDs() {
			if _, in := closure[p]; !in {
				continue
			}
			remaining[p]--
			if remaining[p] == 0 {
				ready = append(ready, p)
			}
		}
	}
	return order, nil
}

// GreatestCommonAncestor implements spec §4.C: BFS from a recording the
// minimum generation (hop count) to each ancestor, then BFS from b;
// the first of b's ancestors found in a's map is a candidate, and among
// candidates the one with the smallest generation number from a's side
// wins.
func (h *History) GreatestCommonAncestor(a, b string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.commits[a]; !ok {
		return "", false, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "gca: %s", a)
	}
	if _, ok := h.commits[b]; !ok {
		return "", false, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "gca: %s", b)
	}

	genFromA := h.bfsGenerationsLocked(a)

	visited := map[string]struct{}{b: {}}
	queue := []string{b}
	bestGen := -1
	bestID := ""
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if gen, ok := genFromA[id]; ok {
			if bestGen == -1 || gen < bestGen {
				bestGen = gen
				bestID = id
			}
			continue // no need to walk past an already-found ancestor
		}
		c := h.commits[id]
		for _, p := range c.Predecessors.IDs() {
			if _, seen := visited[p]; !seen {
				visited[p] = struct{}{}
				queue = append(queue, p)
			}
		}
	}
	if bestID == "" {
		return "", false, nil
	}
	return bestID, true, nil
}

func (h *History) bfsGenerationsLocked(start string) map[string]int {
	gen := map[string]int{start: 0}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		c := h.commits[id]
		for _, p := range c.Predecessors.IDs() {
			if _, seen := gen[p]; !seen {
				gen[p] = gen[id] + 1
				queue = append(queue, p)
			}
		}
	}
	return gen
}

// Ancestors returns every strict ancestor of id (not including id
// itself). Used by compaction to compute the commit set a baseline
// folds away.
func (h *History) Ancestors(id string) ([]string, error) {
	h.mu.Lock()
	if _, ok := h.commits[id]; !ok {
		h.mu.Unlock()
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "ancestors: %s", id)
	}
	order, err := h.topoFromLocked(id)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(order))
	for _, oid := range order {
		if oid != id {
			out = append(out, oid)
		}
	}
	return out, nil
}

// SetPredecessors rewrites a commit's recorded predecessors. The only
// sanctioned caller is compaction, clearing a baseline commit's
// ancestry once it's been folded away; every other commit's
// predecessors are fixed at creation time.
func (h *History) SetPredecessors(id string, preds types.Predecessors) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.commits[id]
	if !ok {
		return llvserrors.Wrapf(llvserrors.ErrMissingVersion, "set predecessors: %s", id)
	}
	for _, p := range c.Predecessors.IDs() {
		if succ, ok := h.successors[p]; ok {
			delete(succ, id)
		}
	}
	c.Predecessors = preds
	h.commits[id] = c
	for _, p := range preds.IDs() {
		if h.successors[p] == nil {
			h.successors[p] = make(map[string]struct{})
		}
		h.successors[p][id] = struct{}{}
	}
	return nil
}

// Forget removes ids entirely from the DAG. Compaction calls this after
// folding their contents into a baseline commit and deleting their
// records from durable storage; a forgotten id must not still be named
// as a predecessor by anything left in history.
func (h *History) Forget(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		delete(h.commits, id)
		delete(h.successors, id)
		delete(h.heads, id)
	}
}

// TopoIterate calls visit for every commit, heads first, proceeding
// toward roots; a commit is only visited once every commit naming it as
// a predecessor has itself been visited. Stops early if visit returns
// false.
func (h *History) TopoIterate(visit func(types.Commit) bool) {
	h.mu.Lock()
	remaining := make(map[string]int, len(h.commits))
	for id := range h.commits {
		remaining[id] = len(h.successors[id])
	}
	var ready []string
	for id, n := range remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	commits := make(map[string]types.Commit, len(h.commits))
	for id, c := range h.commits {
		commits[id] = c
	}
	h.mu.Unlock()

	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		if !visit(commits[id]) {
			return
		}
		for _, p := range commits[id].Predecessors.IDs() {
			remaining[p]--
			if remaining[p] == 0 {
				ready = append(ready, p)
			}
		}
	}
}
