// Package commit implements the commit engine (spec §4.E): allocating
// commit ids, validating predecessors, writing value payloads, applying
// the resulting deltas to the index, and persisting the commit record
// itself last so a crash mid-commit never leaves a commit record
// pointing at index state that was never written.
package commit

import (
	"encoding/json"
	"time"

	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/idgen"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

// Engine is the commit engine: it owns the values zone, the commit
// record store, the shared History, and the Index that the commit is
// applied against.
type Engine struct {
	values   zone.Zone
	versions zone.VersionStore
	hist     *history.History
	idx      *index.Index
	log      llvslog.Logger
}

// New builds a commit Engine.
func New(values zone.Zone, versions zone.VersionStore, hist *history.History, idx *index.Index, log llvslog.Logger) *Engine {
	if log == nil {
		log = llvslog.NoOp()
	}
	return &Engine{values: values, versions: versions, hist: hist, idx: idx, log: log}
}

// record is the wire shape persisted to the VersionStore.
type record struct {
	ID            string            `json:"id"`
	PredFirst     string            `json:"predFirst,omitempty"`
	PredSecond    string            `json:"predSecond,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	ValueDataSize int64             `json:"valueDataSize"`
	Metadata      map[string][]byte `json:"metadata,omitempty"`
}

func toRecord(c types.Commit) record {
	return record{
		ID:            c.ID,
		PredFirst:     c.Predecessors.First,
		PredSecond:    c.Predecessors.Second,
		Timestamp:     c.Timestamp,
		ValueDataSize: c.ValueDataSize,
		Metadata:      c.Metadata,
	}
}

func fromRecord(r record) types.Commit {
	return types.Commit{
		ID:            r.ID,
		Predecessors:  types.Predecessors{First: r.PredFirst, Second: r.PredSecond},
		Timestamp:     r.Timestamp,
		ValueDataSize: r.ValueDataSize,
		Metadata:      r.Metadata,
	}
}

// Create allocates a new commit id from predecessors and at, validates
// the predecessors are known, writes every inserted/updated value's
// payload, applies the resulting deltas to the index (against the first
// predecessor's index state, per spec §4.E.1), and finally persists the
// commit record and registers it in History. The commit record is always
// the last thing written, so a crash partway through leaves no commit
// that claims index state that doesn't exist.
func (e *Engine) Create(predecessors types.Predecessors, changes []types.Change, at time.Time, metadata map[string][]byte) (*types.Commit, error) {
	if err := e.validatePredecessors(predecessors); err != nil {
		return nil, err
	}

	id := idgen.NewCommitID(predecessors.IDs(), at)

	size, err := e.writePayloads(id, changes)
	if err != nil {
		return nil, err
	}

	deltas := deltasFromChanges(id, changes)
	hasBase := !predecessors.IsRoot()
	if err := e.idx.AddCommit(id, predecessors.First, hasBase, deltas); err != nil {
		return nil, err
	}

	c := types.Commit{
		ID:            id,
		Predecessors:  predecessors,
		Timestamp:     at,
		ValueDataSize: size,
		Metadata:      metadata,
	}
	if err := e.persist(c); err != nil {
		return nil, err
	}
	e.log.Info("commit created", llvslog.Fields{"commit_id": id, "changes": len(changes)})
	return &c, nil
}

// AddExisting registers a commit whose id, timestamp, and changes were
// supplied externally (the exchange engine's retrieve path, §4.G.1),
// rather than allocated locally. The ordering guarantee is the same as
// Create: payloads and index first, commit record last.
func (e *Engine) AddExisting(c types.Commit, changes []types.Change) error {
	if e.hist.Exists(c.ID) {
		return nil // already have it; retries after a partial retrieve must be idempotent
	}
	if err := e.validatePredecessors(c.Predecessors); err != nil {
		return err
	}
	size, err := e.writePayloads(c.ID, changes)
	if err != nil {
		return err
	}
	c.ValueDataSize = size

	deltas := deltasFromChanges(c.ID, changes)
	if err := e.idx.AddCommit(c.ID, c.Predecessors.First, !c.Predecessors.IsRoot(), deltas); err != nil {
		return err
	}
	return e.persist(c)
}

func (e *Engine) validatePredecessors(p types.Predecessors) error {
	for _, id := range p.IDs() {
		if !e.hist.Exists(id) {
			return llvserrors.Wrapf(llvserrors.ErrMissingPredecessor, "predecessor %s", id)
		}
	}
	return nil
}

func (e *Engine) persist(c types.Commit) error {
	data, err := json.Marshal(toRecord(c))
	if err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "encode commit record %s", c.ID)
	}
	if err := e.versions.StoreCommit(c.ID, data); err != nil {
		return err
	}
	return e.hist.Add(c, true)
}

// writePayloads stores every inserted/updated value's bytes under
// (value.ID, commitID) and returns the total bytes written.
func (e *Engine) writePayloads(commitID string, changes []types.Change) (int64, error) {
	var size int64
	for _, c := range changes {
		switch c.Kind {
		case types.ChangeInsert, types.ChangeUpdate:
			if err := e.values.Store(c.Value.ID, commitID, c.Value.Payload); err != nil {
				return 0, llvserrors.Wrapf(llvserrors.ErrIO, "store value %s@%s", c.Value.ID, commitID)
			}
			size += int64(len(c.Value.Payload))
		}
	}
	return size, nil
}

// deltasFromChanges groups changes by logical key and turns them into
// the AddedRefs/RemovedIDs shape the index's AddCommit consumes.
func deltasFromChanges(commitID string, changes []types.Change) []types.Delta {
	byKey := make(map[string]*types.Delta)
	order := make([]string, 0, len(changes))
	get := func(key string) *types.Delta {
		d, ok := byKey[key]
		if !ok {
			d = &types.Delta{Key: key}
			byKey[key] = d
			order = append(order, key)
		}
		return d
	}

	for _, c := range changes {
		d := get(c.Key)
		switch c.Kind {
		case types.ChangeInsert, types.ChangeUpdate:
			d.AddedRefs = append(d.AddedRefs, types.ValueRef{ValueID: c.Value.ID, StoredCommitID: commitID})
		case types.ChangeRemove:
			d.RemovedIDs = append(d.RemovedIDs, c.ValueID)
		case types.ChangePreserve:
			d.AddedRefs = append(d.AddedRefs, c.Ref)
		case types.ChangePreserveRemoval:
			d.RemovedIDs = append(d.RemovedIDs, c.ValueID)
		}
	}

	out := make([]types.Delta, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

// ListVersionIDs enumerates every commit id persisted in the version
// store, used by the root Store to rebuild History on startup.
func (e *Engine) ListVersionIDs() ([]string, error) {
	return e.versions.ListCommitIDs()
}

// Get returns the commit record for id.
func (e *Engine) Get(id string) (*types.Commit, error) {
	data, ok, err := e.versions.GetCommit(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "commit %s", id)
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, llvserrors.Wrapf(llvserrors.ErrIO, "decode commit record %s", id)
	}
	c := fromRecord(r)
	return &c, nil
}

// ChangesAt reconstructs the set of Changes a commit authored itself, per
// spec §4.E.2: a root commit emits insert for every ref it holds; a
// single-parent commit diffs itself against its own parent (with the
// parent standing in as ancestor too, which collapses the three-way
// table down to "what did this commit add, change, or drop relative to
// its parent"); a merge commit diffs its two parents against each other
// with the merge commit standing in as ancestor — a reverse-in-time
// trick — and negates the resulting forks per the table in §4.E.2.
func (e *Engine) ChangesAt(commitID string) ([]types.Change, error) {
	c, err := e.Get(commitID)
	if err != nil {
		return nil, err
	}

	switch {
	case c.Predecessors.IsRoot():
		return e.rootChangesAt(commitID)
	case c.Predecessors.IsMerge():
		return e.mergeChangesAt(c)
	default:
		return e.singleParentChangesAt(c)
	}
}

// rootChangesAt emits insert(value_at(c)) for every ref visible at a root
// commit, since a root commit authors its entire index from nothing.
func (e *Engine) rootChangesAt(commitID string) ([]types.Change, error) {
	entries, err := e.idx.Enumerate(commitID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Change, 0, len(entries))
	for _, kr := range entries {
		v, err := e.valueAt(kr.Ref)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Insert(kr.Key, v))
	}
	return out, nil
}

// singleParentChangesAt implements the single-parent row of §4.E.2:
// diff(v1=c, v2=parent, ancestor=parent), emitting inserted→insert,
// updated→update, removed→remove.
func (e *Engine) singleParentChangesAt(c *types.Commit) ([]types.Change, error) {
	parent := c.Predecessors.First
	diffs, err := e.idx.Diff(c.ID, parent, parent)
	if err != nil {
		return nil, err
	}
	keyOf, refOf, err := e.keyAndRefIndex(c.ID, parent)
	if err != nil {
		return nil, err
	}

	out := make([]types.Change, 0, len(diffs))
	for _, d := range diffs {
		key := keyOf[d.ValueID]
		switch d.Fork.Kind {
		case types.ForkInserted:
			v, err := e.valueAt(refOf[d.ValueID])
			if err != nil {
				return nil, err
			}
			out = append(out, types.Insert(key, v))
		case types.ForkUpdated:
			v, err := e.valueAt(refOf[d.ValueID])
			if err != nil {
				return nil, err
			}
			out = append(out, types.Update(key, v))
		case types.ForkRemoved:
			out = append(out, types.Remove(key, d.ValueID))
		}
	}
	return out, nil
}

// mergeChangesAt implements the merge row of §4.E.2: diff(v1=p1, v2=p2,
// ancestor=c) — reverse-in-time — negated per the table.
func (e *Engine) mergeChangesAt(c *types.Commit) ([]types.Change, error) {
	p1, p2 := c.Predecessors.First, c.Predecessors.Second
	diffs, err := e.idx.Diff(p1, p2, c.ID)
	if err != nil {
		return nil, err
	}
	keyOf, refOf, err := e.keyAndRefIndex(c.ID, p1, p2)
	if err != nil {
		return nil, err
	}

	out := make([]types.Change, 0, len(diffs))
	for _, d := range diffs {
		key := keyOf[d.ValueID]
		switch d.Fork.Kind {
		case types.ForkTwiceInserted:
			out = append(out, types.Remove(key, d.ValueID))
		case types.ForkTwiceUpdated, types.ForkRemovedAndUpdated:
			v, err := e.valueAt(refOf[d.ValueID])
			if err != nil {
				return nil, err
			}
			out = append(out, types.Update(key, v))
		case types.ForkTwiceRemoved:
			v, err := e.valueAt(refOf[d.ValueID])
			if err != nil {
				return nil, err
			}
			out = append(out, types.Insert(key, v))
		case types.ForkInserted:
			out = append(out, types.PreserveRemoval(key, d.ValueID))
		case types.ForkRemoved, types.ForkUpdated:
			out = append(out, types.Preserve(key, refOf[d.ValueID]))
		}
	}
	return out, nil
}

// keyAndRefIndex builds logical-key and current-ref lookups for every
// value id visible across the given commits, preferring the earliest
// commit's entry when a value id appears in more than one (the child
// commit's own state takes priority over its parents').
func (e *Engine) keyAndRefIndex(commitIDs ...string) (map[string]string, map[string]types.ValueRef, error) {
	keyOf := make(map[string]string)
	refOf := make(map[string]types.ValueRef)
	for _, cid := range commitIDs {
		entries, err := e.idx.Enumerate(cid)
		if err != nil {
			return nil, nil, err
		}
		for _, kr := range entries {
			if _, ok := keyOf[kr.Ref.ValueID]; !ok {
				keyOf[kr.Ref.ValueID] = kr.Key
				refOf[kr.Ref.ValueID] = kr.Ref
			}
		}
	}
	return keyOf, refOf, nil
}

// valueAt reads the payload a ValueRef points at, used to reconstruct
// the insert/update changes §4.E.2 requires carry a full Value rather
// than a bare reference.
func (e *Engine) valueAt(ref types.ValueRef) (types.Value, error) {
	payload, ok, err := e.values.Get(ref.ValueID, ref.StoredCommitID)
	if err != nil {
		return types.Value{}, llvserrors.Wrapf(llvserrors.ErrIO, "load value %s@%s", ref.ValueID, ref.StoredCommitID)
	}
	if !ok {
		return types.Value{}, llvserrors.Wrapf(llvserrors.ErrMissingVersion, "value %s@%s", ref.ValueID, ref.StoredCommitID)
	}
	return types.Value{ID: ref.ValueID, Payload: payload}, nil
}
