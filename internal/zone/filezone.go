package zone

import (
	"os"
	"path/filepath"

	"github.com/llvs-go/llvs/internal/lockfile"
	"github.com/llvs-go/llvs/internal/llvserrors"
)

// shard returns the 2-character directory prefix for an identifier,
// padding short identifiers so the shard directory always exists.
func shard(id string) string {
	if len(id) >= 2 {
		return id[:2]
	}
	if len(id) == 1 {
		return id + "_"
	}
	return "__"
}

// FileZone is the filesystem-backed Zone from spec §6: entries live at
//
//	<root>/<namespace>/<key[:2]>/<key>/<commitID[:2]>/<commitID>.json
//
// which is what backs both /values/... (namespace "values") and
// /maps/__llvs_values/... (namespace "maps/__llvs_values"). The ".json"
// extension is a format label only — FileZone itself is payload-format
// agnostic; callers decide what bytes to store.
type FileZone struct {
	root      string
	namespace string
}

// NewFileZone opens (creating if necessary) a FileZone rooted at
// filepath.Join(root, namespace).
func NewFileZone(root, namespace string) (*FileZone, error) {
	full := filepath.Join(root, namespace)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, llvserrors.Wrapf(llvserrors.ErrIO, "create zone dir %s", full)
	}
	return &FileZone{root: root, namespace: namespace}, nil
}

// Root implements zone.SnapshotCapable.
func (z *FileZone) Root() string { return filepath.Join(z.root, z.namespace) }

func (z *FileZone) path(key, commitID string) string {
	return filepath.Join(z.root, z.namespace, shard(key), key, shard(commitID), commitID+".json")
}

func (z *FileZone) Store(key, commitID string, data []byte) error {
	path := z.path(key, commitID)

	if existing, ok, err := z.Get(key, commitID); err != nil {
		return err
	} else if ok {
		if string(existing) == string(data) {
			return nil
		}
		return llvserrors.Wrapf(llvserrors.ErrIO, "rewrite of %s@%s with different bytes", key, commitID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "mkdir for %s", path)
	}

	// Write-then-rename: a crash mid-write never leaves a half-written
	// entry visible under its final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "write %s", tmp)
	}
	if err := lockfile.AtomicRename(tmp, path); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "rename %s", path)
	}
	return nil
}

func (z *FileZone) Get(key, commitID string) ([]byte, bool, error) {
	data, err := os.ReadFile(z.path(key, commitID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, llvserrors.Wrapf(llvserrors.ErrIO, "read %s@%s", key, commitID)
	}
	return data, true, nil
}

func (z *FileZone) ListCommitIDsForKey(key string) ([]string, error) {
	dir := filepath.Join(z.root, z.namespace, shard(key), key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, llvserrors.Wrapf(llvserrors.ErrIO, "list %s", dir)
	}
	var ids []string
	for _, shardDir := range entries {
		if !shardDir.IsDir() {
			continue
		}
		inner, err := os.ReadDir(filepath.Join(dir, shardDir.Name()))
		if err != nil {
			return nil, llvserrors.Wrapf(llvserrors.ErrIO, "list %s/%s", dir, shardDir.Name())
		}
		for _, f := range inner {
			name := f.Name()
			if filepath.Ext(name) == ".json" {
				ids = append(ids, name[:len(name)-len(".json")])
			}
		}
	}
	return ids, nil
}

func (z *FileZone) StoreMany(entries []Entry) error { return DefaultStoreMany(z, entries) }
func (z *FileZone) GetMany(refs []Ref) (map[Ref][]byte, error) { return DefaultGetMany(z, refs) }

var (
	_ Zone            = (*FileZone)(nil)
	_ SnapshotCapable = (*FileZone)(nil)
)

// Delete removes the entry for (key, commitID), used only by compaction
// when removing payloads/index nodes for compressed commits. This is
// deliberately not part of the Zone contract proper (§4.A: append-only,
// no rewrite) — compaction is the one caller allowed to delete.
func (z *FileZone) Delete(key, commitID string) error {
	err := os.Remove(z.path(key, commitID))
	if err != nil && !os.IsNotExist(err) {
		return llvserrors.Wrapf(llvserrors.ErrIO, "delete %s@%s", key, commitID)
	}
	return nil
}
