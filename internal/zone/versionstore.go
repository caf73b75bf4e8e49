package zone

import (
	"os"
	"path/filepath"

	"github.com/llvs-go/llvs/internal/lockfile"
	"github.com/llvs-go/llvs/internal/llvserrors"
)

// VersionStore persists commit records, addressed only by commit id
// (unlike Zone, which is keyed by (key, commit_id) for values and index
// nodes). Spec §6 lays this out as its own directory,
// <root>/versions/<id[:2]>/<id>.json.
type VersionStore interface {
	StoreCommit(id string, data []byte) error
	GetCommit(id string) (data []byte, ok bool, err error)
	DeleteCommit(id string) error
	// ListCommitIDs enumerates every stored commit id, used on startup
	// to rebuild History by re-scanning the commit directory.
	ListCommitIDs() ([]string, error)
	// ReplaceCommit unconditionally overwrites a commit record,
	// bypassing StoreCommit's immutability check. The only sanctioned
	// caller is compaction, rewriting a baseline commit's own record to
	// drop its now-folded-away predecessors.
	ReplaceCommit(id string, data []byte) error
}

// FileVersionStore is the filesystem-backed VersionStore.
type FileVersionStore struct {
	root string
}

// NewFileVersionStore opens (creating if necessary) a version store
// rooted at filepath.Join(root, "versions").
func NewFileVersionStore(root string) (*FileVersionStore, error) {
	dir := filepath.Join(root, "versions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, llvserrors.Wrapf(llvserrors.ErrIO, "create versions dir %s", dir)
	}
	return &FileVersionStore{root: root}, nil
}

func (s *FileVersionStore) path(id string) string {
	return filepath.Join(s.root, "versions", shard(id), id+".json")
}

func (s *FileVersionStore) StoreCommit(id string, data []byte) error {
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		// Commit records are immutable once written; a rewrite with
		// identical bytes is the only tolerated case (retry after crash).
		existing, rerr := os.ReadFile(path)
		if rerr == nil && string(existing) == string(data) {
			return nil
		}
		return llvserrors.Wrapf(llvserrors.ErrIO, "rewrite of commit record %s", id)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "mkdir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "write %s", tmp)
	}
	return llvserrors.Wrap("rename commit record", lockfile.AtomicRename(tmp, path))
}

func (s *FileVersionStore) GetCommit(id string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, llvserrors.Wrapf(llvserrors.ErrIO, "read commit record %s", id)
	}
	return data, true, nil
}

func (s *FileVersionStore) ReplaceCommit(id string, data []byte) error {
	path := s.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "mkdir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "write %s", tmp)
	}
	return llvserrors.Wrap("replace commit record", lockfile.AtomicRename(tmp, path))
}

func (s *FileVersionStore) DeleteCommit(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return llvserrors.Wrapf(llvserrors.ErrIO, "delete commit record %s", id)
	}
	return nil
}

func (s *FileVersionStore) ListCommitIDs() ([]string, error) {
	dir := filepath.Join(s.root, "versions")
	shards, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, llvserrors.Wrapf(llvserrors.ErrIO, "list %s", dir)
	}
	var ids []string
	for _, sh := range shards {
		if !sh.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, sh.Name()))
		if err != nil {
			return nil, llvserrors.Wrapf(llvserrors.ErrIO, "list %s/%s", dir, sh.Name())
		}
		for _, f := range files {
			name := f.Name()
			if filepath.Ext(name) == ".json" {
				ids = append(ids, name[:len(name)-len(".json")])
			}
		}
	}
	return ids, nil
}

// Root implements zone.SnapshotCapable.
func (s *FileVersionStore) Root() string { return filepath.Join(s.root, "versions") }

var _ SnapshotCapable = (*FileVersionStore)(nil)

// MemoryVersionStore is the in-process VersionStore used by tests and
// by embedders that don't need durability.
type MemoryVersionStore struct {
	data map[string][]byte
}

// NewMemoryVersionStore builds an empty in-memory version store.
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{data: make(map[string][]byte)}
}

func (s *MemoryVersionStore) StoreCommit(id string, data []byte) error {
	if existing, ok := s.data[id]; ok {
		if string(existing) != string(data) {
			return llvserrors.Wrapf(llvserrors.ErrIO, "rewrite of commit record %s", id)
		}
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[id] = cp
	return nil
}

func (s *MemoryVersionStore) GetCommit(id string) ([]byte, bool, error) {
	data, ok := s.data[id]
	return data, ok, nil
}

func (s *MemoryVersionStore) ReplaceCommit(id string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[id] = cp
	return nil
}

func (s *MemoryVersionStore) DeleteCommit(id string) error {
	delete(s.data, id)
	return nil
}

func (s *MemoryVersionStore) ListCommitIDs() ([]string, error) {
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids, nil
}

var _ VersionStore = (*FileVersionStore)(nil)
var _ VersionStore = (*MemoryVersionStore)(nil)
