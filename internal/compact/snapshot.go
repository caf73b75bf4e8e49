package compact

import (
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/llvs-go/llvs/internal/lockfile"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/zone"
)

// CurrentSnapshotFormat tags the chunk framing WriteSnapshot produces.
// RestoreSnapshot refuses to proceed against any other tag: per the
// design's resolution of its snapshot-format open question, a format
// mismatch is a hard error, not a silently skipped restore.
const CurrentSnapshotFormat = "llvs-snapshot-v1"

// ChunkDescriptor describes one file captured by a snapshot, in the
// order it appears in the chunk stream.
type ChunkDescriptor struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Manifest accompanies a snapshot's chunk stream: the format tag plus
// the ordered list of files the stream contains, used to detect a
// truncated or corrupt transfer before trusting any of it.
type Manifest struct {
	FormatTag string            `json:"formatTag"`
	Chunks    []ChunkDescriptor `json:"chunks"`
}

// WriteSnapshot walks src's entire durable root and writes every file
// into w as a sequence of framed chunks — `u32 path_len | path | u32
// data_len | data` — suitable for bootstrapping a fresh FileZone or
// FileVersionStore from another store's state without replaying every
// commit through the normal Store/StoreCommit path.
func WriteSnapshot(src zone.SnapshotCapable, w io.Writer) (Manifest, error) {
	root := src.Root()
	manifest := Manifest{FormatTag: CurrentSnapshotFormat}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := writeChunk(w, rel, data); err != nil {
			return err
		}
		manifest.Chunks = append(manifest.Chunks, ChunkDescriptor{Path: rel, Size: int64(len(data))})
		return nil
	})
	if err != nil {
		return Manifest{}, llvserrors.Wrapf(llvserrors.ErrIO, "write snapshot from %s", root)
	}
	return manifest, nil
}

func writeChunk(w io.Writer, path string, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(path))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(path)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readChunk(r io.Reader) (path string, data []byte, err error) {
	var pathLen uint32
	if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
		return "", nil, err
	}
	pathBytes := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBytes); err != nil {
		return "", nil, err
	}
	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return "", nil, err
	}
	buf := make([]byte, dataLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", nil, err
	}
	return string(pathBytes), buf, nil
}

// RestoreSnapshot reads r's chunk stream into dest's root, validating
// each chunk's path against manifest.Chunks in order. A format tag other
// than CurrentSnapshotFormat, or a chunk stream that runs out before the
// manifest says it should, is a hard ErrSnapshotManifestDecoding /
// SnapshotChunkMissing error — never a silently partial restore.
func RestoreSnapshot(manifest Manifest, r io.Reader, dest zone.SnapshotCapable) error {
	if manifest.FormatTag != CurrentSnapshotFormat {
		return llvserrors.Wrapf(llvserrors.ErrSnapshotManifestDecoding, "unsupported format tag %q", manifest.FormatTag)
	}

	destRoot := dest.Root()
	for i, desc := range manifest.Chunks {
		path, data, err := readChunk(r)
		if err != nil {
			return &llvserrors.SnapshotChunkMissing{Index: i}
		}
		if path != desc.Path {
			return llvserrors.Wrapf(llvserrors.ErrSnapshotManifestDecoding, "chunk %d: expected %q, got %q", i, desc.Path, path)
		}

		full := filepath.Join(destRoot, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return llvserrors.Wrapf(llvserrors.ErrIO, "mkdir for %s", full)
		}
		tmp := full + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return llvserrors.Wrapf(llvserrors.ErrIO, "write %s", tmp)
		}
		if err := lockfile.AtomicRename(tmp, full); err != nil {
			return llvserrors.Wrapf(llvserrors.ErrIO, "rename %s", full)
		}
	}
	return nil
}
