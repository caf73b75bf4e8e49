package llvs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs"
	"github.com/llvs-go/llvs/internal/merge"
)

func newValue(id, payload string) llvs.Value {
	return llvs.Value{ID: id, Payload: []byte(payload)}
}

func TestCommitAndLookup(t *testing.T) {
	store := llvs.OpenInMemory()

	root, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	refs, err := store.Lookup("name", root.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v1", refs[0].ValueID)

	data, ok, err := store.Value(refs[0].ValueID, refs[0].StoredCommitID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", string(data))
}

func TestLinearHistoryAccumulates(t *testing.T) {
	store := llvs.OpenInMemory()

	c1, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	c2, err := store.Commit(llvs.Predecessors{First: c1.ID}, []llvs.Change{
		llvs.Insert("email", newValue("v2", "alice@example.com")),
	}, time.Unix(101, 0), nil)
	require.NoError(t, err)

	c3, err := store.Commit(llvs.Predecessors{First: c2.ID}, []llvs.Change{
		llvs.Update("name", newValue("v3", "alice cooper")),
	}, time.Unix(102, 0), nil)
	require.NoError(t, err)

	entries, err := store.Enumerate(c3.ID)
	require.NoError(t, err)
	byKey := map[string]string{}
	for _, e := range entries {
		byKey[e.Key] = e.Ref.ValueID
	}
	assert.Equal(t, "v3", byKey["name"])
	assert.Equal(t, "v2", byKey["email"])

	heads := store.Heads()
	require.Len(t, heads, 1)
	assert.Equal(t, c3.ID, heads[0].ID)
}

func TestMergeTwoIndependentBranches(t *testing.T) {
	store := llvs.OpenInMemory()

	root, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	first, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Insert("email", newValue("v2", "alice@example.com")),
	}, time.Unix(101, 0), nil)
	require.NoError(t, err)

	second, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Insert("phone", newValue("v3", "555-0100")),
	}, time.Unix(102, 0), nil)
	require.NoError(t, err)

	merged, err := store.Merge(first.ID, second.ID, time.Unix(103, 0), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, merged.Predecessors.First)
	assert.Equal(t, second.ID, merged.Predecessors.Second)

	entries, err := store.Enumerate(merged.ID)
	require.NoError(t, err)
	byKey := map[string]string{}
	for _, e := range entries {
		byKey[e.Key] = e.Ref.ValueID
	}
	assert.Equal(t, "v1", byKey["name"])
	assert.Equal(t, "v2", byKey["email"])
	assert.Equal(t, "v3", byKey["phone"])
}

func TestMergeConflictRequiresArbiter(t *testing.T) {
	store := llvs.OpenInMemory()

	root, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	first, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Update("name", newValue("v1", "alice cooper")),
	}, time.Unix(101, 0), nil)
	require.NoError(t, err)

	second, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Update("name", newValue("v1", "alicia")),
	}, time.Unix(102, 0), nil)
	require.NoError(t, err)

	_, err = store.Merge(first.ID, second.ID, time.Unix(103, 0), nil, nil)
	assert.Error(t, err)

	merged, err := store.Merge(first.ID, second.ID, time.Unix(103, 0), llvs.MostRecentChangeArbiter{}, nil)
	require.NoError(t, err)

	refs, err := store.Lookup("name", merged.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, second.ID, refs[0].StoredCommitID) // second was stored later
}

func TestCompactFoldsAncestry(t *testing.T) {
	dir := t.TempDir()
	store, err := llvs.Open(dir)
	require.NoError(t, err)

	root, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	baseline, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Update("name", newValue("v2", "alice cooper")),
	}, time.Unix(101, 0), nil)
	require.NoError(t, err)

	head, err := store.Commit(llvs.Predecessors{First: baseline.ID}, []llvs.Change{
		llvs.Insert("email", newValue("v3", "alice@example.com")),
	}, time.Unix(102, 0), nil)
	require.NoError(t, err)

	info, err := store.Compact(time.Unix(102, 0), 1, time.Unix(103, 0))
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, baseline.ID, info.BaselineCommitID)
	assert.ElementsMatch(t, []string{root.ID}, info.CompressedIDs)

	rewritten, err := store.Get(baseline.ID)
	require.NoError(t, err)
	assert.True(t, rewritten.Predecessors.IsRoot())

	entries, err := store.Enumerate(head.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReopenRebuildsHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := llvs.Open(dir)
	require.NoError(t, err)

	root, err := store.Commit(llvs.Predecessors{}, []llvs.Change{
		llvs.Insert("name", newValue("v1", "alice")),
	}, time.Unix(100, 0), nil)
	require.NoError(t, err)

	child, err := store.Commit(llvs.Predecessors{First: root.ID}, []llvs.Change{
		llvs.Insert("email", newValue("v2", "alice@example.com")),
	}, time.Unix(101, 0), nil)
	require.NoError(t, err)

	reopened, err := llvs.Open(dir)
	require.NoError(t, err)

	heads := reopened.Heads()
	require.Len(t, heads, 1)
	assert.Equal(t, child.ID, heads[0].ID)

	isAncestor, err := reopened.IsAncestor(root.ID, child.ID)
	require.NoError(t, err)
	assert.True(t, isAncestor)
}

var _ merge.Arbiter = llvs.MostRecentChangeArbiter{}
