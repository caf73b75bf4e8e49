package merge

import (
	"time"

	"github.com/llvs-go/llvs/internal/types"
)

// Side describes one branch's state for a value id under arbitration:
// Present is false when that branch removed it.
type Side struct {
	Present bool
	Ref     types.ValueRef
	Commit  types.Commit
}

// Decision is what an Arbiter returns for one conflicting value id:
// either "keep this ref" or "treat it as removed".
type Decision struct {
	Removed bool
	Ref     types.ValueRef
}

// Arbiter resolves a conflicting Fork (twiceInserted, twiceUpdated, or
// removedAndUpdated) between the two branches being merged. Spec §4.F
// requires every conflicting value id to be covered by the arbiter the
// caller supplies; a merge with no arbiter, or one that doesn't cover
// every conflict, fails with ErrUnresolvedConflict.
type Arbiter interface {
	Arbitrate(valueID string, fork types.Fork, first, second Side) (Decision, error)
}

// MostRecentBranchArbiter resolves every conflict in favor of whichever
// branch's own commit (the merge's first or second parent) has the later
// timestamp — a single, coarse decision applied uniformly, independent
// of per-value history. Grounded on the teacher's mergeFieldByUpdatedAt/
// isTimeAfter pattern, generalized from "pick the more recently updated
// field" to "pick the more recently committed branch".
type MostRecentBranchArbiter struct {
	FirstCommit, SecondCommit types.Commit
}

func (a MostRecentBranchArbiter) Arbitrate(_ string, _ types.Fork, first, second Side) (Decision, error) {
	favorSecond := a.SecondCommit.Timestamp.After(a.FirstCommit.Timestamp) ||
		(a.SecondCommit.Timestamp.Equal(a.FirstCommit.Timestamp) && a.SecondCommit.ID > a.FirstCommit.ID)
	winner := first
	if favorSecond {
		winner = second
	}
	if !winner.Present {
		return Decision{Removed: true}, nil
	}
	return Decision{Ref: winner.Ref}, nil
}

// MostRecentChangeArbiter resolves each conflict independently, favoring
// whichever side's value was actually stored more recently (the commit
// that wrote ref.StoredCommitID), rather than a single branch-wide
// timestamp. Falls back to MostRecentBranchArbiter's tie-break when both
// sides' stored commits share a timestamp.
type MostRecentChangeArbiter struct{}

func (MostRecentChangeArbiter) Arbitrate(_ string, _ types.Fork, first, second Side) (Decision, error) {
	t := func(s Side) time.Time {
		if !s.Present {
			return time.Time{}
		}
		return s.Commit.Timestamp
	}
	ft, st := t(first), t(second)
	winner := first
	switch {
	case st.After(ft):
		winner = second
	case st.Equal(ft) && second.Present && (!first.Present || second.Commit.ID > first.Commit.ID):
		winner = second
	}
	if !winner.Present {
		return Decision{Removed: true}, nil
	}
	return Decision{Ref: winner.Ref}, nil
}
