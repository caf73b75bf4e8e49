// Package llvserrors defines the sentinel error catalogue surfaced to
// callers of the store. Every exported error is meant to be tested with
// errors.Is, and every wrapping call site adds operation context with
// fmt.Errorf("%s: %w", ...).
package llvserrors

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateCommit is returned when a commit id already exists in
	// history.
	ErrDuplicateCommit = errors.New("duplicate commit")

	// ErrMissingPredecessor is returned when a commit names a predecessor
	// that isn't in history yet.
	ErrMissingPredecessor = errors.New("missing predecessor")

	// ErrMissingVersion is returned when a referenced commit id is unknown.
	ErrMissingVersion = errors.New("missing version")

	// ErrMissingIndexNode is returned when an index node a lookup needs
	// was never written or has been compacted away.
	ErrMissingIndexNode = errors.New("missing index node")

	// ErrUnexpectedNodeContent is returned when a decoded index node's
	// shape doesn't match what was expected (root vs sub-node).
	ErrUnexpectedNodeContent = errors.New("unexpected index node content")

	// ErrNoCommonAncestor names the case of two commits that share no
	// ancestor. No operation in this module returns it: Merge falls back
	// to a two-way merge in that case.
	ErrNoCommonAncestor = errors.New("no common ancestor")

	// ErrUnresolvedConflict is returned when an arbiter fails to cover
	// every conflicting fork.
	ErrUnresolvedConflict = errors.New("unresolved conflict")

	// ErrAccessToCompressedVersion names a lookup that targets a commit
	// whose index nodes have been removed by compaction. No operation in
	// this module returns it; such a lookup fails with ErrMissingIndexNode.
	ErrAccessToCompressedVersion = errors.New("access to compressed version")

	// ErrCouldNotGrow is returned by the exchange batcher when a batch
	// already spans the whole remaining window and still can't proceed.
	ErrCouldNotGrow = errors.New("could not grow batch")

	// ErrIO wraps a storage (zone) backend failure.
	ErrIO = errors.New("io error")

	// ErrTransport wraps a remote transport failure.
	ErrTransport = errors.New("transport error")

	// ErrSnapshotManifestDecoding is returned when a snapshot manifest
	// can't be decoded, or names a format tag the restorer doesn't
	// recognize.
	ErrSnapshotManifestDecoding = errors.New("snapshot manifest decoding failed")

	// ErrSnapshotChunkMissing is returned when a manifest names more
	// chunks than the snapshot's chunk stream holds.
	ErrSnapshotChunkMissing = errors.New("snapshot chunk missing")

	// ErrBaselineNotAncestor is returned when a requested compaction
	// baseline isn't an ancestor of every current head.
	ErrBaselineNotAncestor = errors.New("baseline commit is not an ancestor of every head")
)

// UnresolvedConflict describes exactly which value_id/fork an arbiter
// failed to cover.
type UnresolvedConflict struct {
	ValueID string
	Fork    string
}

func (e *UnresolvedConflict) Error() string {
	return fmt.Sprintf("unresolved conflict for value %q (fork %s)", e.ValueID, e.Fork)
}

func (e *UnresolvedConflict) Unwrap() error { return ErrUnresolvedConflict }

// SnapshotChunkMissing names the missing chunk index.
type SnapshotChunkMissing struct {
	Index int
}

func (e *SnapshotChunkMissing) Error() string {
	return fmt.Sprintf("snapshot chunk %d missing", e.Index)
}

func (e *SnapshotChunkMissing) Unwrap() error { return ErrSnapshotChunkMissing }

// Wrap adds operation context to a non-nil error, preserving errors.Is
// matching against the wrapped sentinel.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrapf adds formatted operation context to a non-nil error.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
