package merge_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/merge"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

func newHarness(t *testing.T) (*commit.Engine, *merge.Engine, *index.Index) {
	t.Helper()
	values := zone.NewMemoryZone()
	versions := zone.NewMemoryVersionStore()
	hist := history.New(llvslog.NoOp())
	idx := index.New(zone.NewMemoryZone(), llvslog.NoOp())
	commits := commit.New(values, versions, hist, idx, llvslog.NoOp())
	return commits, merge.New(idx, hist, commits, llvslog.NoOp()), idx
}

func val(id, payload string) types.Value { return types.Value{ID: id, Payload: []byte(payload)} }

func TestMergeFastForward(t *testing.T) {
	commits, m, _ := newHarness(t)

	root, err := commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", val("v1", "alice")),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	child, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Insert("email", val("v2", "alice@example.com")),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	merged, err := m.Merge(root.ID, child.ID, time.Unix(3, 0), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, root.ID, merged.Predecessors.First)
	assert.Equal(t, child.ID, merged.Predecessors.Second)
}

func TestMergeSameCommitIsNoOp(t *testing.T) {
	commits, m, _ := newHarness(t)
	root, err := commits.Create(types.Predecessors{}, nil, time.Unix(1, 0), nil)
	require.NoError(t, err)

	merged, err := m.Merge(root.ID, root.ID, time.Unix(2, 0), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, root.ID, merged.ID)
}

func TestMergeThreeWayNonConflicting(t *testing.T) {
	commits, m, idx := newHarness(t)

	root, err := commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", val("v1", "alice")),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	first, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Insert("email", val("v2", "alice@example.com")),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	second, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Insert("phone", val("v3", "555-0100")),
	}, time.Unix(3, 0), nil)
	require.NoError(t, err)

	merged, err := m.Merge(first.ID, second.ID, time.Unix(4, 0), nil, nil)
	require.NoError(t, err)

	refs, err := idx.Lookup("phone", merged.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v3", refs[0].ValueID)

	refs, err = idx.Lookup("email", merged.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v2", refs[0].ValueID)
}

func TestMergeConflictWithoutArbiterFails(t *testing.T) {
	commits, m, _ := newHarness(t)

	root, err := commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", val("v1", "alice")),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	first, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Update("name", val("v1", "alice cooper")),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	second, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Update("name", val("v1", "alicia")),
	}, time.Unix(3, 0), nil)
	require.NoError(t, err)

	_, err = m.Merge(first.ID, second.ID, time.Unix(4, 0), nil, nil)
	assert.ErrorIs(t, err, llvserrors.ErrUnresolvedConflict)
}

func TestMergeChangesAtReportsAuthoredUpdate(t *testing.T) {
	commits, m, _ := newHarness(t)

	root, err := commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", val("v1", "Bob")),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	first, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Update("name", val("v2", "Tom")),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	second, err := commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Update("name", val("v3", "Jerry")),
	}, time.Unix(3, 0), nil)
	require.NoError(t, err)

	arb := merge.MostRecentBranchArbiter{FirstCommit: *first, SecondCommit: *second}
	merged, err := m.Merge(first.ID, second.ID, time.Unix(4, 0), arb, nil)
	require.NoError(t, err)

	changes, err := commits.ChangesAt(merged.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.ChangeUpdate, changes[0].Kind)
	assert.Equal(t, "name", changes[0].Key)
	assert.Equal(t, []byte("Jerry"), changes[0].Value.Payload)
}

func TestMostRecentBranchArbiterFavorsLaterBranch(t *testing.T) {
	first := types.Commit{ID: "first", Timestamp: time.Unix(1, 0)}
	second := types.Commit{ID: "second", Timestamp: time.Unix(2, 0)}
	arb := merge.MostRecentBranchArbiter{FirstCommit: first, SecondCommit: second}

	decision, err := arb.Arbitrate("v1", types.Fork{Kind: types.ForkTwiceUpdated},
		merge.Side{Present: true, Ref: types.ValueRef{ValueID: "vA"}},
		merge.Side{Present: true, Ref: types.ValueRef{ValueID: "vB"}})
	require.NoError(t, err)
	assert.False(t, decision.Removed)
	assert.Equal(t, "vB", decision.Ref.ValueID)
}

func TestMostRecentChangeArbiterPicksLaterStoredSide(t *testing.T) {
	arb := merge.MostRecentChangeArbiter{}
	decision, err := arb.Arbitrate("v1", types.Fork{Kind: types.ForkTwiceUpdated},
		merge.Side{Present: true, Ref: types.ValueRef{ValueID: "vA"}, Commit: types.Commit{Timestamp: time.Unix(5, 0)}},
		merge.Side{Present: false})
	require.NoError(t, err)
	assert.False(t, decision.Removed)
}
