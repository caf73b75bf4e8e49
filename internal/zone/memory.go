package zone

import (
	"sync"

	"github.com/llvs-go/llvs/internal/llvserrors"
)

// MemoryZone is an in-process Zone backed by a map, used by the engines'
// own tests and by embedders that don't need durability (e.g. an
// in-memory scratch store merged before being flushed to a real zone).
type MemoryZone struct {
	mu   sync.RWMutex
	data map[Ref][]byte
	keys map[string]map[string]struct{} // key -> set of commit ids
}

// NewMemoryZone builds an empty in-memory zone.
func NewMemoryZone() *MemoryZone {
	return &MemoryZone{
		data: make(map[Ref][]byte),
		keys: make(map[string]map[string]struct{}),
	}
}

func (z *MemoryZone) Store(key, commitID string, data []byte) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	ref := Ref{Key: key, CommitID: commitID}
	if existing, ok := z.data[ref]; ok {
		if string(existing) != string(data) {
			return llvserrors.Wrapf(llvserrors.ErrIO, "memory zone: rewrite of %s@%s with different bytes", key, commitID)
		}
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	z.data[ref] = cp
	if z.keys[key] == nil {
		z.keys[key] = make(map[string]struct{})
	}
	z.keys[key][commitID] = struct{}{}
	return nil
}

func (z *MemoryZone) Get(key, commitID string) ([]byte, bool, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	data, ok := z.data[Ref{Key: key, CommitID: commitID}]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (z *MemoryZone) ListCommitIDsForKey(key string) ([]string, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	ids := make([]string, 0, len(z.keys[key]))
	for id := range z.keys[key] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (z *MemoryZone) StoreMany(entries []Entry) error { return DefaultStoreMany(z, entries) }
func (z *MemoryZone) GetMany(refs []Ref) (map[Ref][]byte, error) { return DefaultGetMany(z, refs) }

// Delete removes the entry for (key, commitID). Like FileZone.Delete,
// this is outside the Zone contract proper and exists only for
// compaction to reclaim space for commits it has folded away.
func (z *MemoryZone) Delete(key, commitID string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	ref := Ref{Key: key, CommitID: commitID}
	delete(z.data, ref)
	if set, ok := z.keys[key]; ok {
		delete(set, commitID)
	}
	return nil
}

var _ Zone = (*MemoryZone)(nil)
var _ Deletable = (*MemoryZone)(nil)
