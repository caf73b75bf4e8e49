// Package llvs provides a minimal public API for a local-first,
// decentralized, versioned key-value store: a commit DAG over a
// two-level versioned map, with pluggable merge arbitration and a
// batched exchange protocol for syncing with other stores.
//
// Most callers only need Open (or OpenInMemory), Commit, Lookup, and
// Merge; the exchange and compaction engines are exposed for callers
// that need to sync with a remote store or reclaim space from old
// history.
package llvs

import (
	"sort"
	"time"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/compact"
	"github.com/llvs-go/llvs/internal/exchange"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/merge"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

// Core types, re-exported so callers need only import this package.
type (
	Value        = types.Value
	ValueRef     = types.ValueRef
	Change       = types.Change
	Predecessors = types.Predecessors
	Commit       = types.Commit
	Fork         = types.Fork
	ForkKind     = types.ForkKind
	Diff         = types.Diff
	KeyedRef     = index.KeyedRef
	Logger       = llvslog.Logger
	Fields       = llvslog.Fields
	Arbiter      = merge.Arbiter
	Side         = merge.Side
	Decision     = merge.Decision
	Remote       = exchange.Remote
	CompactionInfo = compact.CompactionInfo
)

// Change constructors, re-exported.
var (
	Insert          = types.Insert
	Update          = types.Update
	Remove          = types.Remove
	Preserve        = types.Preserve
	PreserveRemoval = types.PreserveRemoval
)

// Reference arbiters, re-exported.
type (
	MostRecentBranchArbiter = merge.MostRecentBranchArbiter
	MostRecentChangeArbiter = merge.MostRecentChangeArbiter
)

// NewLogger builds a structured Logger writing to w at the given level;
// NoOpLogger discards everything.
var (
	NewLogger  = llvslog.New
	NoOpLogger = llvslog.NoOp
)

// Store wires the History, Index, and commit/merge/compaction engines
// together over a pair of Zones and a VersionStore.
type Store struct {
	hist    *history.History
	idx     *index.Index
	values  zone.Zone
	commits *commit.Engine
	mrg     *merge.Engine
	cpt     *compact.Engine
	log     llvslog.Logger
}

type config struct {
	log llvslog.Logger
}

// Option configures Open/OpenInMemory.
type Option func(*config)

// WithLogger sets the Logger every engine in the Store uses.
func WithLogger(l Logger) Option {
	return func(c *config) { c.log = l }
}

func newConfig(opts []Option) config {
	c := config{log: llvslog.NoOp()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Open opens (creating if necessary) a file-backed store rooted at dir,
// following spec §6's on-disk layout: dir/values, dir/maps/__llvs_values
// (index nodes), dir/versions (commit records), dir/compaction.json. Any
// commits already on disk are replayed into History in dependency order
// before Open returns.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := newConfig(opts)

	values, err := zone.NewFileZone(dir, "values")
	if err != nil {
		return nil, err
	}
	nodes, err := zone.NewFileZone(dir, "maps/__llvs_values")
	if err != nil {
		return nil, err
	}
	versions, err := zone.NewFileVersionStore(dir)
	if err != nil {
		return nil, err
	}

	s, err := wire(dir, values, nodes, versions, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.rebuildHistory(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenInMemory builds a store backed entirely by in-process maps, with
// no compaction support (there is no durable root to anchor it to).
func OpenInMemory(opts ...Option) *Store {
	cfg := newConfig(opts)
	values := zone.NewMemoryZone()
	nodes := zone.NewMemoryZone()
	versions := zone.NewMemoryVersionStore()

	hist := history.New(cfg.log)
	idx := index.New(nodes, cfg.log)
	commits := commit.New(values, versions, hist, idx, cfg.log)
	mrg := merge.New(idx, hist, commits, cfg.log)
	return &Store{hist: hist, idx: idx, values: values, commits: commits, mrg: mrg, log: cfg.log}
}

func wire(dir string, values, nodes zone.Zone, versions zone.VersionStore, cfg config) (*Store, error) {
	hist := history.New(cfg.log)
	idx := index.New(nodes, cfg.log)
	commits := commit.New(values, versions, hist, idx, cfg.log)
	mrg := merge.New(idx, hist, commits, cfg.log)
	cpt, err := compact.New(dir, hist, idx, commits, values, versions, cfg.log)
	if err != nil {
		return nil, err
	}
	return &Store{hist: hist, idx: idx, values: values, commits: commits, mrg: mrg, cpt: cpt, log: cfg.log}, nil
}

// rebuildHistory replays every commit record found in the version store
// into History, in dependency order (a commit is replayed only once
// every predecessor it names has already been replayed).
func (s *Store) rebuildHistory() error {
	ids, err := s.commits.ListVersionIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	pending := make(map[string]types.Commit, len(ids))
	for _, id := range ids {
		c, err := s.commits.Get(id)
		if err != nil {
			return err
		}
		pending[id] = *c
	}

	for len(pending) > 0 {
		ready := make([]string, 0)
		for id, c := range pending {
			satisfied := true
			for _, p := range c.Predecessors.IDs() {
				if _, stillPending := pending[p]; stillPending {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return llvserrors.Wrapf(llvserrors.ErrMissingPredecessor, "rebuild history: cycle or gap among %d remaining commits", len(pending))
		}
		sort.Strings(ready)
		for _, id := range ready {
			c := pending[id]
			if err := s.hist.Add(c, true); err != nil {
				return err
			}
			delete(pending, id)
		}
	}
	return nil
}

// Commit creates a new commit from changes against predecessors.
func (s *Store) Commit(predecessors Predecessors, changes []Change, at time.Time, metadata map[string][]byte) (*Commit, error) {
	return s.commits.Create(predecessors, changes, at, metadata)
}

// Get returns the commit record for id.
func (s *Store) Get(id string) (*Commit, error) { return s.commits.Get(id) }

// ChangesAt reconstructs the changes a commit made.
func (s *Store) ChangesAt(id string) ([]Change, error) { return s.commits.ChangesAt(id) }

// Lookup returns the value refs visible for key at commitID.
func (s *Store) Lookup(key, commitID string) ([]ValueRef, error) { return s.idx.Lookup(key, commitID) }

// Enumerate returns every (key, ref) pair visible at commitID.
func (s *Store) Enumerate(commitID string) ([]KeyedRef, error) { return s.idx.Enumerate(commitID) }

// Diff computes the three-way (ancestorID != "") or two-way diff between
// v1 and v2.
func (s *Store) Diff(v1, v2, ancestorID string) ([]Diff, error) { return s.idx.Diff(v1, v2, ancestorID) }

// Value returns a value's stored bytes, given the (value id, stored
// commit id) pair a ValueRef names.
func (s *Store) Value(valueID, storedCommitID string) ([]byte, bool, error) {
	return s.values.Get(valueID, storedCommitID)
}

// Heads returns the current set of commits named by no other commit.
func (s *Store) Heads() []Commit { return s.hist.Heads() }

// MostRecentHead returns the head with the largest timestamp.
func (s *Store) MostRecentHead() (Commit, bool) { return s.hist.MostRecentHead() }

// IsAncestor reports whether a is an ancestor of b.
func (s *Store) IsAncestor(a, b string) (bool, error) { return s.hist.IsAncestor(a, b) }

// GreatestCommonAncestor returns the nearest shared ancestor of a and b.
func (s *Store) GreatestCommonAncestor(a, b string) (string, bool, error) {
	return s.hist.GreatestCommonAncestor(a, b)
}

// Merge combines first and second into a new two-parent commit,
// resolving any conflicting fork via arbiter (nil rejects any merge that
// has at least one conflict).
func (s *Store) Merge(first, second string, at time.Time, arbiter Arbiter, metadata map[string][]byte) (*Commit, error) {
	return s.mrg.Merge(first, second, at, arbiter, metadata)
}

// Compact selects the newest commit older than beforeDate with at least
// minRetainedCount strictly more recent commits and folds its entire
// ancestry into it, freeing the storage those ancestors held. Returns
// (nil, nil) if no commit qualifies, and an error if the store was
// opened with OpenInMemory, which has no durable root to persist
// compaction state in.
func (s *Store) Compact(beforeDate time.Time, minRetainedCount int, at time.Time) (*CompactionInfo, error) {
	if s.cpt == nil {
		return nil, llvserrors.Wrap("compact", llvserrors.ErrIO)
	}
	return s.cpt.Compact(beforeDate, minRetainedCount, at)
}

// Exchange builds an exchange Engine for syncing this store against
// remote.
func (s *Store) Exchange(remote Remote) *exchange.Engine {
	return exchange.New(s.hist, s.commits, remote, s.log)
}
