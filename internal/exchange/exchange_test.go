package exchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/exchange"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

// peer is a minimal in-process Store used only by this package's tests,
// wired directly to another peer's engines through remoteToPeer below
// rather than over any real transport.
type peer struct {
	hist    *history.History
	idx     *index.Index
	commits *commit.Engine
}

func newPeer() *peer {
	values := zone.NewMemoryZone()
	versions := zone.NewMemoryVersionStore()
	hist := history.New(llvslog.NoOp())
	idx := index.New(zone.NewMemoryZone(), llvslog.NoOp())
	commits := commit.New(values, versions, hist, idx, llvslog.NoOp())
	return &peer{hist: hist, idx: idx, commits: commits}
}

// remoteToPeer implements exchange.Remote by calling straight into target's
// engines, standing in for a real network transport in these tests.
type remoteToPeer struct {
	target *peer
}

func (r remoteToPeer) PrepareToRetrieve(context.Context) error { return nil }
func (r remoteToPeer) PrepareToSend(context.Context) error     { return nil }

func (r remoteToPeer) RetrieveAllIDs(context.Context) ([]string, error) {
	return r.target.hist.AllIDs(), nil
}

func (r remoteToPeer) RetrieveCommits(_ context.Context, ids []string) ([]types.Commit, error) {
	out := make([]types.Commit, 0, len(ids))
	for _, id := range ids {
		c, ok := r.target.hist.Version(id)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r remoteToPeer) RetrieveChanges(_ context.Context, commitID string) ([]types.Change, error) {
	return r.target.commits.ChangesAt(commitID)
}

func (r remoteToPeer) SendCommits(_ context.Context, commits []types.Commit, changes map[string][]types.Change) error {
	for _, c := range commits {
		if err := r.target.commits.AddExisting(c, changes[c.ID]); err != nil {
			return err
		}
	}
	return nil
}

func TestRetrievePullsEveryMissingCommit(t *testing.T) {
	src := newPeer()
	root, err := src.commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)
	child, err := src.commits.Create(types.Predecessors{First: root.ID}, []types.Change{
		types.Insert("email", types.Value{ID: "v2", Payload: []byte("alice@example.com")}),
	}, time.Unix(2, 0), nil)
	require.NoError(t, err)

	dst := newPeer()
	e := exchange.New(dst.hist, dst.commits, remoteToPeer{target: src}, llvslog.NoOp())
	require.NoError(t, e.Retrieve(context.Background()))

	assert.True(t, dst.hist.Exists(root.ID))
	assert.True(t, dst.hist.Exists(child.ID))

	refs, err := dst.idx.Lookup("email", child.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "v2", refs[0].ValueID)
}

func TestRetrieveIsIdempotent(t *testing.T) {
	src := newPeer()
	_, err := src.commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	dst := newPeer()
	e := exchange.New(dst.hist, dst.commits, remoteToPeer{target: src}, llvslog.NoOp())
	require.NoError(t, e.Retrieve(context.Background()))
	require.NoError(t, e.Retrieve(context.Background())) // nothing left to pull
}

func TestSendPushesLocalOnlyCommits(t *testing.T) {
	src := newPeer()
	root, err := src.commits.Create(types.Predecessors{}, []types.Change{
		types.Insert("name", types.Value{ID: "v1", Payload: []byte("alice")}),
	}, time.Unix(1, 0), nil)
	require.NoError(t, err)

	dst := newPeer()
	e := exchange.New(src.hist, src.commits, remoteToPeer{target: dst}, llvslog.NoOp())
	require.NoError(t, e.Send(context.Background()))

	assert.True(t, dst.hist.Exists(root.ID))
}
