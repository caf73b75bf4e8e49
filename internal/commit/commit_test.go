package commit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

func newEngine(t *testing.T) (*commit.Engine, *history.History, *index.Index) {
	t.Helper()
	values := zone.NewMemoryZone()
	versions := zone.NewMemoryVersionStore()
	hist := history.New(llvslog.NoOp())
	idx := index.New(zone.NewMemoryZone(), llvslog.NoOp())
	return commit.New(values, versions, hist, idx, llvslog.NoOp()), hist, idx
}

func TestCreateRootCommit(t *testing.T) {
	e, hist, idx := newEngine(t)

	c, err := e.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)
	assert.True(t, hist.Exists(c.ID))

	refs, err := idx.Lookup("name", c.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v1", refs[0].ValueID)
}

func TestCreateRejectsUnknownPredecessor(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.Create(types.Predecessors{First: "ghost"}, nil, time.Unix(1, 0), nil)
	assert.Error(t, err)
}

func TestChangesAtRootIsAllInserts(t *testing.T) {
	e, _, _ := newEngine(t)
	c, err := e.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
		types.Insert("email", types.Value{ID: "v2", Payload: []byte("alice@example.com")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	changes, err := e.ChangesAt(c.ID)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, ch := range changes {
		assert.Equal(t, types.ChangeInsert, ch.Kind)
		assert.NotEmpty(t, ch.Value.Payload)
	}
}

func TestChangesAtChildOnlyReportsItsOwnEdits(t *testing.T) {
	e, _, _ := newEngine(t)
	root, err := e.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	child, err := e.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Insert("email", types.Value{ID: "v2", Payload: []byte("alice@example.com")}),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	changes, err := e.ChangesAt(child.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "email", changes[0].Key)
	assert.Equal(t, types.ChangeInsert, changes[0].Kind)
	assert.Equal(t, []byte("alice@example.com"), changes[0].Value.Payload)
}

func TestChangesAtReportsUpdateAndRemove(t *testing.T) {
	e, _, _ := newEngine(t)
	root, err := e.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
		types.Insert("email", types.Value{ID: "v2", Payload: []byte("alice@example.com")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	child, err := e.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Update("name", types.Value{ID: "v1", Payload: []byte("alice cooper")}),
		types.Remove("email", "v2"),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	changes, err := e.ChangesAt(child.ID)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	byKey := make(map[string]types.Change, len(changes))
	for _, ch := range changes {
		byKey[ch.Key] = ch
	}
	require.Equal(t, types.ChangeUpdate, byKey["name"].Kind)
	assert.Equal(t, []byte("alice cooper"), byKey["name"].Value.Payload)
	require.Equal(t, types.ChangeRemove, byKey["email"].Kind)
	assert.Equal(t, "v2", byKey["email"].ValueID)
}

func TestAddExistingIsIdempotent(t *testing.T) {
	e, hist, _ := newEngine(t)
	c := types.Commit{ID: "ext1", Predecessors: types.Predecessors{}, Timestamp: time.Unix(1, 0)}
	changes := []types.Change{types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")})}

	require.NoError(t, e.AddExisting(c, changes))
	assert.True(t, hist.Exists("ext1"))
	require.NoError(t, e.AddExisting(c, changes)) // second call is a no-op, not an error
}
