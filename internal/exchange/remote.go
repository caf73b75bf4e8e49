// Package exchange implements the exchange engine (spec §4.G): a
// batching retrieve/send protocol that moves commits between
// two stores over an abstract remote transport.
package exchange

import (
	"context"

	"github.com/llvs-go/llvs/internal/types"
)

// Remote is the transport capability the exchange engine is built on.
// Implementations might be a plain HTTP client, a gRPC stub, or (in
// tests) an in-process store wired directly to another Store's engines.
type Remote interface {
	// PrepareToRetrieve and PrepareToSend are called once per Retrieve/
	// Send call before any batching, giving a transport a chance to open
	// a session, authenticate, or pin a consistent remote snapshot.
	PrepareToRetrieve(ctx context.Context) error
	PrepareToSend(ctx context.Context) error

	// RetrieveAllIDs lists every commit id the remote has.
	RetrieveAllIDs(ctx context.Context) ([]string, error)
	// RetrieveCommits fetches the commit records (predecessors,
	// timestamp, metadata) for the given ids.
	RetrieveCommits(ctx context.Context, ids []string) ([]types.Commit, error)
	// RetrieveChanges fetches the changes a single commit made, per
	// spec §4.E.2's reconstruction.
	RetrieveChanges(ctx context.Context, commitID string) ([]types.Change, error)

	// SendCommits pushes a batch of commits, each paired with its own
	// changes, in an order the remote can apply directly (predecessors
	// before descendants within the batch).
	SendCommits(ctx context.Context, commits []types.Commit, changes map[string][]types.Change) error
}
