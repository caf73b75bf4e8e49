// Package zone defines the Zone capability (spec §4.A): an append-only,
// content-addressed blob store keyed by (key, commit_id). It provides
// two implementations — MemoryZone for tests and in-process use, and
// FileZone for the on-disk layout in spec §6 — plus the SnapshotCapable
// interface through which the chunked snapshot facility in package
// compact bootstraps a new FileZone from another store's state.
package zone

// Ref addresses one stored blob: a logical key plus the commit that
// wrote it.
type Ref struct {
	Key      string
	CommitID string
}

// Entry is one (ref, bytes) pair, used by the batched Store/Get variants.
type Entry struct {
	Ref  Ref
	Data []byte
}

// Zone is the storage capability everything else in the store is built
// on. A zone must never silently overwrite different bytes under the
// same (key, commit_id); rewriting identical bytes is allowed (so
// retried writes after a crash are safe). Get returns (nil, false, nil)
// for an absent entry — absence is not an error.
type Zone interface {
	Store(key, commitID string, data []byte) error
	Get(key, commitID string) (data []byte, ok bool, err error)
	ListCommitIDsForKey(key string) ([]string, error)

	// StoreMany and GetMany are the batched variants backends can
	// optimize; DefaultStoreMany/DefaultGetMany below give any Zone a
	// correct (if unoptimized) implementation.
	StoreMany(entries []Entry) error
	GetMany(refs []Ref) (map[Ref][]byte, error)
}

// Deletable is implemented by zones that can physically remove an entry.
// It's deliberately separate from Zone (which is append-only by
// contract, §4.A) — only compaction, which has already folded a
// commit's contents into a baseline, is allowed to reclaim its space.
type Deletable interface {
	Delete(key, commitID string) error
}

// SnapshotCapable is implemented by zones (and the stores built on them)
// whose entire durable state lives under one filesystem root, making
// them eligible for the chunked bootstrap snapshot in spec §4.H.
type SnapshotCapable interface {
	// Root returns the directory whose full contents constitute this
	// zone's durable state.
	Root() string
}

// DefaultStoreMany stores each entry one at a time, for backends with no
// faster batch path.
func DefaultStoreMany(z Zone, entries []Entry) error {
	for _, e := range entries {
		if err := z.Store(e.Ref.Key, e.Ref.CommitID, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// DefaultGetMany fetches each ref one at a time, for backends with no
// faster batch path. Missing entries are simply absent from the result.
func DefaultGetMany(z Zone, refs []Ref) (map[Ref][]byte, error) {
	out := make(map[Ref][]byte, len(refs))
	for _, r := range refs {
		data, ok, err := z.Get(r.Key, r.CommitID)
		if err != nil {
			return nil, err
		}
		if ok {
			out[r] = data
		}
	}
	return out, nil
}
