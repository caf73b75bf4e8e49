// Package index implements the versioned two-level map (spec §4.D): a
// content-addressed map from logical key to ValueRef, where every commit
// that touches a prefix writes a fresh root node plus one fresh sub-node
// per touched prefix, and prefixes untouched by a commit are never
// rewritten.
package index

import (
	"encoding/json"

	"github.com/llvs-go/llvs/internal/cache"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

// nodeCacheLimit bounds the per-generation node cache; nodes are small
// (one root or a handful of ValueRefs) so this trades memory for avoiding
// a zone round trip on hot lookups.
const nodeCacheLimit = 4096

// Index is the versioned map, built on a Zone that stores its nodes.
type Index struct {
	zone  zone.Zone
	log   llvslog.Logger
	cache *cache.Cache[zone.Ref, Node]
}

// New builds an Index backed by z (the "maps" zone in spec §6's layout).
func New(z zone.Zone, log llvslog.Logger) *Index {
	if log == nil {
		log = llvslog.NoOp()
	}
	return &Index{zone: z, log: log, cache: cache.New[zone.Ref, Node](nodeCacheLimit)}
}

func (idx *Index) loadNode(key, commitID string) (Node, bool, error) {
	ref := zone.Ref{Key: key, CommitID: commitID}
	if n, ok := idx.cache.Get(ref); ok {
		return n, true, nil
	}
	data, ok, err := idx.zone.Get(key, commitID)
	if err != nil {
		return Node{}, false, llvserrors.Wrapf(llvserrors.ErrIO, "load node %s@%s", key, commitID)
	}
	if !ok {
		return Node{}, false, nil
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, false, llvserrors.Wrapf(llvserrors.ErrUnexpectedNodeContent, "decode node %s@%s", key, commitID)
	}
	idx.cache.Put(ref, n)
	return n, true, nil
}

func (idx *Index) storeNode(n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "encode node %s@%s", n.Key, n.CommitID)
	}
	if err := idx.zone.Store(n.Key, n.CommitID, data); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "store node %s@%s", n.Key, n.CommitID)
	}
	idx.cache.Put(zone.Ref{Key: n.Key, CommitID: n.CommitID}, n)
	return nil
}

func (idx *Index) loadRoot(commitID string) (Node, bool, error) {
	return idx.loadNode(RootKey, commitID)
}

// Zone returns the backing Zone nodes are stored in, used by compaction
// to reclaim a compressed commit's index nodes when the zone supports
// deletion.
func (idx *Index) Zone() zone.Zone { return idx.zone }

// AddCommit applies deltas to the index, reading the base commit's root
// (if any) and writing a fresh root node plus one fresh sub-node per
// touched prefix under commitID. This is §4.D.1.
func (idx *Index) AddCommit(commitID string, baseCommitID string, hasBase bool, deltas []types.Delta) error {
	newRoot := newRoot(commitID)

	if hasBase {
		base, ok, err := idx.loadRoot(baseCommitID)
		if err != nil {
			return err
		}
		if ok {
			for prefix, cid := range base.SubRefs {
				newRoot.SubRefs[prefix] = cid
			}
		}
	}

	byPrefix := make(map[string][]types.Delta)
	for _, d := range deltas {
		p := Prefix(d.Key)
		byPrefix[p] = append(byPrefix[p], d)
	}

	for prefix, prefixDeltas := range byPrefix {
		var sub Node
		if existingCID, ok := newRoot.SubRefs[prefix]; ok {
			loaded, found, err := idx.loadNode(prefix, existingCID)
			if err != nil {
				return err
			}
			if !found {
				return llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "sub-node %s@%s", prefix, existingCID)
			}
			sub = Node{Key: prefix, CommitID: commitID, IsRoot: false, Entries: cloneEntries(loaded.Entries)}
		} else {
			sub = newSub(prefix, commitID)
		}

		for _, d := range prefixDeltas {
			existingByValueID := make(map[string]types.ValueRef)
			if existing, ok := sub.Entries[d.Key]; ok {
				existingByValueID[existing.ValueID] = existing
			}
			for _, ref := range d.AddedRefs {
				existingByValueID[ref.ValueID] = ref
			}
			for _, removedID := range d.RemovedIDs {
				delete(existingByValueID, removedID)
			}
			if len(existingByValueID) == 0 {
				delete(sub.Entries, d.Key)
				continue
			}
			// A logical key maps to at most one ref in normal operation;
			// when multiple survive (shouldn't happen outside malformed
			// deltas) the most recently added one wins, matching the
			// "overwrite existing refs by value_id" fold rule.
			winner, found := types.ValueRef{}, false
			for i := len(d.AddedRefs) - 1; i >= 0 && !found; i-- {
				winner, found = existingByValueID[d.AddedRefs[i].ValueID]
			}
			if !found {
				for _, ref := range existingByValueID {
					winner = ref
				}
			}
			sub.Entries[d.Key] = winner
		}

		if err := idx.storeNode(sub); err != nil {
			return err
		}
		newRoot.SubRefs[prefix] = commitID
	}

	if err := idx.storeNode(newRoot); err != nil {
		return err
	}
	idx.log.Debug("index commit added", llvslog.Fields{"commit_id": commitID, "touched_prefixes": len(byPrefix)})
	return nil
}

func cloneEntries(m map[string]types.ValueRef) map[string]types.ValueRef {
	out := make(map[string]types.ValueRef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Lookup returns the value refs visible for logical key k at commitID
// (spec §4.D.2). A key with no entry returns an empty, non-error result.
func (idx *Index) Lookup(key, commitID string) ([]types.ValueRef, error) {
	root, ok, err := idx.loadRoot(commitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "root@%s", commitID)
	}
	prefix := Prefix(key)
	subCID, ok := root.SubRefs[prefix]
	if !ok {
		return nil, nil
	}
	sub, ok, err := idx.loadNode(prefix, subCID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "sub-node %s@%s", prefix, subCID)
	}
	if ref, ok := sub.Entries[key]; ok {
		return []types.ValueRef{ref}, nil
	}
	return nil, nil
}

// KeyedRef pairs a logical key with the ref Enumerate found for it.
type KeyedRef struct {
	Key string
	Ref types.ValueRef
}

// Enumerate returns every (key, ref) pair visible at commitID. Order is
// unspecified, matching spec §4.D.3.
func (idx *Index) Enumerate(commitID string) ([]KeyedRef, error) {
	root, ok, err := idx.loadRoot(commitID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "root@%s", commitID)
	}
	var out []KeyedRef
	for prefix, subCID := range root.SubRefs {
		sub, ok, err := idx.loadNode(prefix, subCID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "sub-node %s@%s", prefix, subCID)
		}
		for key, ref := range sub.Entries {
			out = append(out, KeyedRef{Key: key, Ref: ref})
		}
	}
	return out, nil
}

// Diff computes the three-way (or, when ancestorID is empty, two-way)
// diff between v1 and v2, per spec §4.D.4.
func (idx *Index) Diff(v1, v2, ancestorID string) ([]types.Diff, error) {
	hasAncestor := ancestorID != ""

	root1, ok1, err := idx.loadRoot(v1)
	if err != nil {
		return nil, err
	}
	if !ok1 {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "root@%s", v1)
	}
	root2, ok2, err := idx.loadRoot(v2)
	if err != nil {
		return nil, err
	}
	if !ok2 {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "root@%s", v2)
	}
	var root0 Node
	if hasAncestor {
		r0, ok0, err := idx.loadRoot(ancestorID)
		if err != nil {
			return nil, err
		}
		if !ok0 {
			return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "root@%s", ancestorID)
		}
		root0 = r0
	}

	prefixes := map[string]struct{}{}
	for p := range root1.SubRefs {
		prefixes[p] = struct{}{}
	}
	for p := range root2.SubRefs {
		prefixes[p] = struct{}{}
	}
	if hasAncestor {
		for p := range root0.SubRefs {
			prefixes[p] = struct{}{}
		}
	}

	var diffs []types.Diff
	for prefix := range prefixes {
		m1, err := idx.subEntries(root1, prefix)
		if err != nil {
			return nil, err
		}
		m2, err := idx.subEntries(root2, prefix)
		if err != nil {
			return nil, err
		}
		var m0 map[string]types.ValueRef
		if hasAncestor {
			m0, err = idx.subEntries(root0, prefix)
			if err != nil {
				return nil, err
			}
		}

		ids := map[string]struct{}{}
		for id := range m1 {
			ids[id] = struct{}{}
		}
		for id := range m2 {
			ids[id] = struct{}{}
		}
		for id := range m0 {
			ids[id] = struct{}{}
		}

		for valueID := range ids {
			ref0, has0 := m0[valueID]
			ref1, has1 := m1[valueID]
			ref2, has2 := m2[valueID]
			fork, changed := classify(has0, has1, has2, ref0, ref1, ref2)
			if changed {
				diffs = append(diffs, types.Diff{ValueID: valueID, Fork: fork})
			}
		}
	}
	return diffs, nil
}

func (idx *Index) subEntries(root Node, prefix string) (map[string]types.ValueRef, error) {
	cid, ok := root.SubRefs[prefix]
	if !ok {
		return nil, nil
	}
	sub, ok, err := idx.loadNode(prefix, cid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llvserrors.Wrapf(llvserrors.ErrMissingIndexNode, "sub-node %s@%s", prefix, cid)
	}
	byValueID := make(map[string]types.ValueRef, len(sub.Entries))
	for _, ref := range sub.Entries {
		byValueID[ref.ValueID] = ref
	}
	return byValueID, nil
}

// classify implements the presence/equality table in spec §4.D.4.
func classify(has0, has1, has2 bool, ref0, ref1, ref2 types.ValueRef) (types.Fork, bool) {
	switch {
	case !has0 && has1 && has2:
		// Both branches introduced this value id independently of any
		// ancestor: always a conflict, whether or not the refs happen to
		// coincide.
		return types.Fork{Kind: types.ForkTwiceInserted}, true

	case !has0 && has1 && !has2:
		return types.Fork{Kind: types.ForkInserted, On: types.BranchFirst}, true

	case !has0 && !has1 && has2:
		return types.Fork{Kind: types.ForkInserted, On: types.BranchSecond}, true

	case has0 && has1 && has2:
		eq01 := ref0.Equal(ref1)
		eq02 := ref0.Equal(ref2)
		switch {
		case eq01 && eq02:
			return types.Fork{}, false
		case eq01 && !eq02:
			return types.Fork{Kind: types.ForkUpdated, On: types.BranchSecond}, true
		case !eq01 && eq02:
			return types.Fork{Kind: types.ForkUpdated, On: types.BranchFirst}, true
		default:
			return types.Fork{Kind: types.ForkTwiceUpdated}, true
		}

	case has0 && has1 && !has2:
		if ref1.Equal(ref0) {
			return types.Fork{Kind: types.ForkRemoved, On: types.BranchSecond}, true
		}
		return types.Fork{Kind: types.ForkRemovedAndUpdated, On: types.BranchFirst}, true

	case has0 && !has1 && has2:
		if ref2.Equal(ref0) {
			return types.Fork{Kind: types.ForkRemoved, On: types.BranchFirst}, true
		}
		return types.Fork{Kind: types.ForkRemovedAndUpdated, On: types.BranchSecond}, true

	case has0 && !has1 && !has2:
		return types.Fork{Kind: types.ForkTwiceRemoved}, true

	default: // !has0 && !has1 && !has2 — impossible, nothing to report
		return types.Fork{}, false
	}
}
