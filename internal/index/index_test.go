package index_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

func ref(valueID, storedAt string) types.ValueRef {
	return types.ValueRef{ValueID: valueID, StoredCommitID: storedAt}
}

func TestAddCommitAndLookupRoot(t *testing.T) {
	idx := index.New(zone.NewMemoryZone(), llvslog.NoOp())

	err := idx.AddCommit("c1", "", false, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "c1")}},
	})
	require.NoError(t, err)

	refs, err := idx.Lookup("name", "c1")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v1", refs[0].ValueID)

	refs, err = idx.Lookup("missing", "c1")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestAddCommitOnlyRewritesTouchedPrefixes(t *testing.T) {
	z := zone.NewMemoryZone()
	idx := index.New(z, llvslog.NoOp())

	require.NoError(t, idx.AddCommit("c1", "", false, []types.Delta{
		{Key: "alpha", AddedRefs: []types.ValueRef{ref("v1", "c1")}},
		{Key: "zulu", AddedRefs: []types.ValueRef{ref("v2", "c1")}},
	}))

	require.NoError(t, idx.AddCommit("c2", "c1", true, []types.Delta{
		{Key: "alpha", AddedRefs: []types.ValueRef{ref("v3", "c2")}},
	}))

	// zulu's sub-node should still resolve to the one written at c1.
	refsAlpha, err := idx.Lookup("alpha", "c2")
	require.NoError(t, err)
	require.Len(t, refsAlpha, 1)
	assert.Equal(t, "v3", refsAlpha[0].ValueID)

	refsZulu, err := idx.Lookup("zulu", "c2")
	require.NoError(t, err)
	require.Len(t, refsZulu, 1)
	assert.Equal(t, "v2", refsZulu[0].ValueID)
}

func TestEnumerateReflectsRemovals(t *testing.T) {
	idx := index.New(zone.NewMemoryZone(), llvslog.NoOp())

	require.NoError(t, idx.AddCommit("c1", "", false, []types.Delta{
		{Key: "a", AddedRefs: []types.ValueRef{ref("v1", "c1")}},
		{Key: "b", AddedRefs: []types.ValueRef{ref("v2", "c1")}},
	}))
	require.NoError(t, idx.AddCommit("c2", "c1", true, []types.Delta{
		{Key: "a", RemovedIDs: []string{"v1"}},
	}))

	entries, err := idx.Enumerate("c2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Key)
}

func TestDiffTwoWayConflict(t *testing.T) {
	z := zone.NewMemoryZone()
	idx := index.New(z, llvslog.NoOp())

	require.NoError(t, idx.AddCommit("root", "", false, nil))
	require.NoError(t, idx.AddCommit("first", "root", true, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "first")}},
	}))
	require.NoError(t, idx.AddCommit("second", "root", true, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "second")}},
	}))

	diffs, err := idx.Diff("first", "second", "")
	require.NoError(t, err)
	require.Len(t, diffs, 1) // the value id inserted on both sides is one twiceInserted conflict
	for _, d := range diffs {
		assert.True(t, d.Fork.Conflicting())
	}
}

func TestDiffThreeWayNonConflictingUpdate(t *testing.T) {
	z := zone.NewMemoryZone()
	idx := index.New(z, llvslog.NoOp())

	require.NoError(t, idx.AddCommit("root", "", false, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "root")}},
	}))
	require.NoError(t, idx.AddCommit("first", "root", true, nil))
	require.NoError(t, idx.AddCommit("second", "root", true, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v2", "second")}, RemovedIDs: []string{"v1"}},
	}))

	diffs, err := idx.Diff("first", "second", "root")
	require.NoError(t, err)

	want := []types.Diff{
		{ValueID: "v1", Fork: types.Fork{Kind: types.ForkRemoved, On: types.BranchSecond}},
		{ValueID: "v2", Fork: types.Fork{Kind: types.ForkInserted, On: types.BranchSecond}},
	}
	if diff := cmp.Diff(want, diffs, cmpDiffsOpt()); diff != "" {
		t.Fatalf("unexpected diffs (-want +got):\n%s", diff)
	}
}

// cmpDiffsOpt sorts both sides by ValueID before comparing, since Diff's
// order is unspecified.
func cmpDiffsOpt() cmp.Option {
	return cmp.Transformer("sortDiffs", func(in []types.Diff) []types.Diff {
		out := append([]types.Diff(nil), in...)
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && out[j-1].ValueID > out[j].ValueID; j-- {
				out[j-1], out[j] = out[j], out[j-1]
			}
		}
		return out
	})
}

func TestDiffRemovedAndUpdatedConflict(t *testing.T) {
	z := zone.NewMemoryZone()
	idx := index.New(z, llvslog.NoOp())

	require.NoError(t, idx.AddCommit("root", "", false, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "root")}},
	}))
	require.NoError(t, idx.AddCommit("first", "root", true, []types.Delta{
		{Key: "name", RemovedIDs: []string{"v1"}},
	}))
	require.NoError(t, idx.AddCommit("second", "root", true, []types.Delta{
		{Key: "name", AddedRefs: []types.ValueRef{ref("v1", "second")}},
	}))

	diffs, err := idx.Diff("first", "second", "root")
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, types.ForkRemovedAndUpdated, diffs[0].Fork.Kind)
	assert.True(t, diffs[0].Fork.Conflicting())
}
