// Package merge implements the merge engine (spec §4.F): fast-forward
// detection, two-way and three-way dispatch over the index's fork
// classification, and conflict resolution via a pluggable Arbiter.
package merge

import (
	"time"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
)

// Engine is the merge engine, built on a commit Engine so a successful
// merge is persisted exactly like any other commit.
type Engine struct {
	idx     *index.Index
	hist    *history.History
	commits *commit.Engine
	log     llvslog.Logger
}

// New builds a merge Engine.
func New(idx *index.Index, hist *history.History, commits *commit.Engine, log llvslog.Logger) *Engine {
	if log == nil {
		log = llvslog.NoOp()
	}
	return &Engine{idx: idx, hist: hist, commits: commits, log: log}
}

// Merge combines first and second into a new two-parent commit. If
// first and second share a common ancestor, a three-way merge runs
// against it; otherwise (disjoint histories) a two-way merge runs with
// every doubly-present value id treated as a conflict. If one of the two
// commits is already an ancestor of the other, the merge fast-forwards:
// the resulting commit carries only the descendant's own changes, with
// no conflicts possible.
func (e *Engine) Merge(first, second string, at time.Time, arbiter Arbiter, metadata map[string][]byte) (*types.Commit, error) {
	if first == second {
		return e.commits.Get(first)
	}

	gca, ok, err := e.hist.GreatestCommonAncestor(first, second)
	if err != nil {
		return nil, err
	}

	switch {
	case ok && gca == first:
		return e.fastForward(first, second, at, metadata)
	case ok && gca == second:
		// first already contains everything second does; nothing to
		// carry over, but the merge commit still records provenance.
		return e.commits.Create(types.Predecessors{First: first, Second: second}, nil, at, metadata)
	case ok:
		return e.merge(first, second, gca, at, arbiter, metadata)
	default:
		return e.merge(first, second, "", at, arbiter, metadata)
	}
}

func (e *Engine) fastForward(first, second string, at time.Time, metadata map[string][]byte) (*types.Commit, error) {
	changes, err := e.carryOver(first, second, first)
	if err != nil {
		return nil, err
	}
	return e.commits.Create(types.Predecessors{First: first, Second: second}, changes, at, metadata)
}

// carryOver synthesizes the Preserve/PreserveRemoval changes needed to
// bring base's index up to target's, used for fast-forwards.
func (e *Engine) carryOver(base, target, ancestor string) ([]types.Change, error) {
	diffs, err := e.idx.Diff(base, target, ancestor)
	if err != nil {
		return nil, err
	}
	keyOf, err := e.buildKeyIndex(base, target, ancestor)
	if err != nil {
		return nil, err
	}
	var out []types.Change
	for _, d := range diffs {
		key := keyOf[d.ValueID]
		switch d.Fork.Kind {
		case types.ForkInserted, types.ForkUpdated:
			if d.Fork.On != types.BranchSecond {
				continue
			}
			ref, found, err := e.lookupValueRef(target, key, d.ValueID)
			if err != nil {
				return nil, err
			}
			if found {
				out = append(out, types.Preserve(key, ref))
			}
		case types.ForkRemoved:
			if d.Fork.On != types.BranchSecond {
				continue
			}
			out = append(out, types.PreserveRemoval(key, d.ValueID))
		}
	}
	return out, nil
}

func (e *Engine) buildKeyIndex(commitIDs ...string) (map[string]string, error) {
	keyOf := make(map[string]string)
	for _, id := range commitIDs {
		if id == "" {
			continue
		}
		entries, err := e.idx.Enumerate(id)
		if err != nil {
			return nil, err
		}
		for _, kr := range entries {
			if _, ok := keyOf[kr.Ref.ValueID]; !ok {
				keyOf[kr.Ref.ValueID] = kr.Key
			}
		}
	}
	return keyOf, nil
}

func (e *Engine) lookupValueRef(commitID, key, valueID string) (types.ValueRef, bool, error) {
	refs, err := e.idx.Lookup(key, commitID)
	if err != nil {
		return types.ValueRef{}, false, err
	}
	for _, ref := range refs {
		if ref.ValueID == valueID {
			return ref, true, nil
		}
	}
	return types.ValueRef{}, false, nil
}

// merge runs the shared two-way/three-way algorithm: every
// non-conflicting fork in second's favor is carried over verbatim, and
// every conflicting fork is handed to arbiter. ancestor is empty for a
// two-way merge.
func (e *Engine) merge(first, second, ancestor string, at time.Time, arbiter Arbiter, metadata map[string][]byte) (*types.Commit, error) {
	diffs, err := e.idx.Diff(first, second, ancestor)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return e.commits.Create(types.Predecessors{First: first, Second: second}, nil, at, metadata)
	}

	ids := []string{first, second}
	if ancestor != "" {
		ids = append(ids, ancestor)
	}
	keyOf, err := e.buildKeyIndex(ids...)
	if err != nil {
		return nil, err
	}

	var changes []types.Change
	var unresolved *llvserrors.UnresolvedConflict

	for _, d := range diffs {
		key := keyOf[d.ValueID]

		if !d.Fork.Conflicting() {
			if d.Fork.On != types.BranchSecond {
				continue // already reflected in first, the merge's base
			}
			switch d.Fork.Kind {
			case types.ForkInserted, types.ForkUpdated:
				ref, found, err := e.lookupValueRef(second, key, d.ValueID)
				if err != nil {
					return nil, err
				}
				if found {
					changes = append(changes, types.Preserve(key, ref))
				}
			case types.ForkRemoved:
				changes = append(changes, types.PreserveRemoval(key, d.ValueID))
			}
			continue
		}

		if arbiter == nil {
			if unresolved == nil {
				unresolved = &llvserrors.UnresolvedConflict{ValueID: d.ValueID, Fork: d.Fork.String()}
			}
			continue
		}

		firstSide, err := e.side(first, key, d.ValueID)
		if err != nil {
			return nil, err
		}
		secondSide, err := e.side(second, key, d.ValueID)
		if err != nil {
			return nil, err
		}

		decision, err := arbiter.Arbitrate(d.ValueID, d.Fork, firstSide, secondSide)
		if err != nil {
			return nil, err
		}

		switch {
		case decision.Removed:
			if firstSide.Present {
				changes = append(changes, types.PreserveRemoval(key, d.ValueID))
			}
		default:
			if !firstSide.Present || !firstSide.Ref.Equal(decision.Ref) {
				changes = append(changes, types.Preserve(key, decision.Ref))
			}
		}
	}

	if unresolved != nil {
		return nil, unresolved
	}

	return e.commits.Create(types.Predecessors{First: first, Second: second}, changes, at, metadata)
}

func (e *Engine) side(commitID, key, valueID string) (Side, error) {
	ref, found, err := e.lookupValueRef(commitID, key, valueID)
	if err != nil {
		return Side{}, err
	}
	if !found {
		return Side{Present: false}, nil
	}
	c, err := e.commits.Get(ref.StoredCommitID)
	if err != nil {
		return Side{}, err
	}
	return Side{Present: true, Ref: ref, Commit: *c}, nil
}
