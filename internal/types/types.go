// Package types holds the data model shared by every engine: values,
// references, changes, predecessors, and commits.
package types

import "time"

// Value is an immutable payload identified by an opaque id. Once stored,
// a value's bytes are owned exclusively by the zone that persisted them.
type Value struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// ValueRef locates where a value's bytes live: the value id plus the
// commit that actually stored them, which may be older than the commit
// that "sees" the value via a preserve.
type ValueRef struct {
	ValueID        string `json:"valueId"`
	StoredCommitID string `json:"storedCommitId"`
}

// Equal reports whether two refs point at the same stored bytes.
func (r ValueRef) Equal(o ValueRef) bool {
	return r.ValueID == o.ValueID && r.StoredCommitID == o.StoredCommitID
}

// ChangeKind tags the variant held by a Change.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeRemove
	ChangePreserve
	ChangePreserveRemoval
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	case ChangePreserve:
		return "preserve"
	case ChangePreserveRemoval:
		return "preserveRemoval"
	default:
		return "unknown"
	}
}

// Change is a tagged union over insert/update/remove/preserve/
// preserveRemoval, scoped to the logical Key it applies to. Only one of
// the fields matching Kind is meaningful besides Key. preserve and
// preserveRemoval are only ever emitted by the merge engine: they carry
// the second parent's decision about a value into the first parent's
// index without re-authoring it.
type Change struct {
	Kind ChangeKind
	Key  string

	// Value is set for ChangeInsert / ChangeUpdate.
	Value Value

	// ValueID is set for ChangeRemove / ChangePreserveRemoval.
	ValueID string

	// Ref is set for ChangePreserve.
	Ref ValueRef
}

// Insert builds an insert Change.
func Insert(key string, v Value) Change { return Change{Kind: ChangeInsert, Key: key, Value: v} }

// Update builds an update Change.
func Update(key string, v Value) Change { return Change{Kind: ChangeUpdate, Key: key, Value: v} }

// Remove builds a remove Change.
func Remove(key, valueID string) Change {
	return Change{Kind: ChangeRemove, Key: key, ValueID: valueID}
}

// Preserve builds a preserve Change.
func Preserve(key string, ref ValueRef) Change {
	return Change{Kind: ChangePreserve, Key: key, Ref: ref}
}

// PreserveRemoval builds a preserveRemoval Change.
func PreserveRemoval(key, valueID string) Change {
	return Change{Kind: ChangePreserveRemoval, Key: key, ValueID: valueID}
}

// Predecessors is either empty (root commit), one id (single-parent), or
// two distinct ids (merge commit, first then second parent). Parent
// order is semantically significant: the first parent's index is the one
// edited; the second parent contributes via preserves.
type Predecessors struct {
	First  string
	Second string // empty unless this is a merge commit
}

// IsRoot reports whether this commit has no predecessors.
func (p Predecessors) IsRoot() bool { return p.First == "" }

// IsMerge reports whether this commit has two predecessors.
func (p Predecessors) IsMerge() bool { return p.Second != "" }

// IDs returns the predecessor ids in parent order.
func (p Predecessors) IDs() []string {
	if p.First == "" {
		return nil
	}
	if p.Second == "" {
		return []string{p.First}
	}
	return []string{p.First, p.Second}
}

// Commit (called "Version" in the original design) is an immutable DAG
// node carrying its predecessor links, a wall-clock timestamp used only
// for tie-breaks, and optional metadata.
type Commit struct {
	ID             string
	Predecessors   Predecessors
	Timestamp      time.Time
	ValueDataSize  int64
	Metadata       map[string][]byte
}

// Delta is a per-logical-key change request fed into the index: refs to
// add (by value id) and/or value ids to remove.
type Delta struct {
	Key        string
	AddedRefs  []ValueRef
	RemovedIDs []string
}

// Branch identifies which of the two merged branches a Fork pertains to.
type Branch int

const (
	BranchFirst Branch = iota
	BranchSecond
)

func (b Branch) String() string {
	if b == BranchFirst {
		return "first"
	}
	return "second"
}

// ForkKind classifies a value's fate across two branches relative to a
// common ancestor (or the empty ancestor, for a two-way diff).
type ForkKind int

const (
	ForkInserted ForkKind = iota
	ForkTwiceInserted
	ForkUpdated
	ForkTwiceUpdated
	ForkRemoved
	ForkTwiceRemoved
	ForkRemovedAndUpdated
)

// Fork pairs a classification with the branch it pertains to, where
// applicable (inserted/updated/removed are branch-specific; the "twice-"
// and removedAndUpdated variants record which branch did the update for
// removedAndUpdated, and are otherwise symmetric).
type Fork struct {
	Kind ForkKind
	// On is meaningful for ForkInserted, ForkUpdated, ForkRemoved: which
	// branch performed the change. For ForkRemovedAndUpdated, On names
	// the branch that performed the update (the other removed it).
	On Branch
}

// Conflicting reports whether both branches changed the same value id,
// requiring arbitration.
func (f Fork) Conflicting() bool {
	switch f.Kind {
	case ForkTwiceInserted, ForkTwiceUpdated, ForkRemovedAndUpdated:
		return true
	default:
		return false
	}
}

func (f Fork) String() string {
	switch f.Kind {
	case ForkInserted:
		return "inserted(" + f.On.String() + ")"
	case ForkTwiceInserted:
		return "twiceInserted"
	case ForkUpdated:
		return "updated(" + f.On.String() + ")"
	case ForkTwiceUpdated:
		return "twiceUpdated"
	case ForkRemoved:
		return "removed(" + f.On.String() + ")"
	case ForkTwiceRemoved:
		return "twiceRemoved"
	case ForkRemovedAndUpdated:
		return "removedAndUpdated(removedOn:" + opposite(f.On).String() + ")"
	default:
		return "unknown"
	}
}

func opposite(b Branch) Branch {
	if b == BranchFirst {
		return BranchSecond
	}
	return BranchFirst
}

// Diff is one entry of a three-way (or two-way) index diff: which value
// id diverged, and how.
type Diff struct {
	ValueID string
	Fork    Fork
}
