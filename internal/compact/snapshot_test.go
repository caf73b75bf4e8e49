package compact_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs/internal/compact"
	"github.com/llvs-go/llvs/internal/llvserrors"
)

type dirZone struct{ root string }

func (d dirZone) Root() string { return d.root }

func TestWriteAndRestoreSnapshotRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "aa", "key1", "bb"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "aa", "key1", "bb", "c1.json"), []byte(`{"v":1}`), 0o644))

	var buf bytes.Buffer
	manifest, err := compact.WriteSnapshot(dirZone{root: src}, &buf)
	require.NoError(t, err)
	assert.Equal(t, compact.CurrentSnapshotFormat, manifest.FormatTag)
	require.Len(t, manifest.Chunks, 1)

	dst := t.TempDir()
	require.NoError(t, compact.RestoreSnapshot(manifest, &buf, dirZone{root: dst}))

	data, err := os.ReadFile(filepath.Join(dst, manifest.Chunks[0].Path))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
}

func TestRestoreSnapshotRejectsUnknownFormat(t *testing.T) {
	manifest := compact.Manifest{FormatTag: "some-other-format-v9"}
	err := compact.RestoreSnapshot(manifest, &bytes.Buffer{}, dirZone{root: t.TempDir()})
	assert.ErrorIs(t, err, llvserrors.ErrSnapshotManifestDecoding)
}

func TestRestoreSnapshotDetectsTruncatedStream(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.json"), []byte(`{}`), 0o644))

	var buf bytes.Buffer
	manifest, err := compact.WriteSnapshot(dirZone{root: src}, &buf)
	require.NoError(t, err)

	truncated := bytes.NewReader(buf.Bytes()[:2])
	err = compact.RestoreSnapshot(manifest, truncated, dirZone{root: t.TempDir()})
	assert.Error(t, err)
}
