// Package compact implements compaction (spec §4.H): folding a commit's
// entire ancestry into itself as a new, history-free baseline, freeing
// the ancestors' commit records and zone payloads, with a crash-
// resumable pending_cleanup flag so a compaction interrupted mid-sweep
// finishes on the next restart instead of leaking half-deleted state.
package compact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/index"
	"github.com/llvs-go/llvs/internal/lockfile"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
	"github.com/llvs-go/llvs/internal/zone"
)

// CompactionInfo is the durable record of a compaction in progress or
// completed. It is persisted as a single file, written atomically
// (write-temp-then-rename), so a reader never observes a half-written
// update.
type CompactionInfo struct {
	BaselineCommitID string    `json:"baselineCommitId"`
	CompressedIDs    []string  `json:"compressedIds"`
	PendingCleanup   bool      `json:"pendingCleanup"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Engine is the compaction engine.
type Engine struct {
	infoPath string

	hist     *history.History
	idx      *index.Index
	commits  *commit.Engine
	values   zone.Zone
	versions zone.VersionStore
	log      llvslog.Logger
}

// New builds a compaction Engine persisting its CompactionInfo under
// root, and resumes any compaction left pending_cleanup by a prior
// crash.
func New(root string, hist *history.History, idx *index.Index, commits *commit.Engine, values zone.Zone, versions zone.VersionStore, log llvslog.Logger) (*Engine, error) {
	if log == nil {
		log = llvslog.NoOp()
	}
	e := &Engine{
		infoPath: filepath.Join(root, "compaction.json"),
		hist:     hist,
		idx:      idx,
		commits:  commits,
		values:   values,
		versions: versions,
		log:      log,
	}
	info, ok, err := e.readInfo()
	if err != nil {
		return nil, err
	}
	if ok && info.PendingCleanup {
		e.log.Warn("resuming interrupted compaction", llvslog.Fields{"baseline": info.BaselineCommitID})
		if err := e.cleanup(info); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) readInfo() (CompactionInfo, bool, error) {
	data, err := os.ReadFile(e.infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CompactionInfo{}, false, nil
		}
		return CompactionInfo{}, false, llvserrors.Wrapf(llvserrors.ErrIO, "read %s", e.infoPath)
	}
	var info CompactionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return CompactionInfo{}, false, llvserrors.Wrapf(llvserrors.ErrIO, "decode %s", e.infoPath)
	}
	return info, true, nil
}

func (e *Engine) writeInfo(info CompactionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "encode %s", e.infoPath)
	}
	if err := os.MkdirAll(filepath.Dir(e.infoPath), 0o755); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "mkdir for %s", e.infoPath)
	}
	tmp := e.infoPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "write %s", tmp)
	}
	return llvserrors.Wrap("persist compaction info", lockfile.AtomicRename(tmp, e.infoPath))
}

// Compact implements spec §4.H. It selects a candidate baseline — the
// newest commit older than beforeDate with at least minRetainedCount
// strictly more recent commits — and folds every ancestor of that
// commit into it: the baseline becomes a self-contained snapshot root
// (its full materialized value set re-inserted under its own id, its
// recorded predecessors cleared), and every commit that used to be
// reachable only through its ancestry is deleted. Returns (nil, nil)
// when no candidate meets the age/retention thresholds.
func (e *Engine) Compact(beforeDate time.Time, minRetainedCount int, at time.Time) (*CompactionInfo, error) {
	baselineID, ok := e.selectBaseline(beforeDate, minRetainedCount)
	if !ok {
		return nil, nil
	}

	for _, head := range e.hist.Heads() {
		if head.ID == baselineID {
			continue
		}
		isAncestor, err := e.hist.IsAncestor(baselineID, head.ID)
		if err != nil {
			return nil, err
		}
		if !isAncestor {
			return nil, llvserrors.Wrapf(llvserrors.ErrBaselineNotAncestor, "baseline %s, head %s", baselineID, head.ID)
		}
	}

	ancestors, err := e.hist.Ancestors(baselineID)
	if err != nil {
		return nil, err
	}
	if len(ancestors) == 0 {
		return nil, nil // already a root; nothing to fold
	}

	info := CompactionInfo{
		BaselineCommitID: baselineID,
		CompressedIDs:    ancestors,
		PendingCleanup:   true,
		CreatedAt:        at,
	}
	// The info file is written before any destructive step, so a crash
	// between here and the end of cleanup always leaves enough state on
	// disk (the baseline's old record still present, or already
	// rewritten, plus this file) to resume correctly from New.
	if err := e.writeInfo(info); err != nil {
		return nil, err
	}

	if err := e.rewriteBaseline(baselineID); err != nil {
		return nil, err
	}

	if err := e.cleanup(info); err != nil {
		return nil, err
	}
	return &info, nil
}

// selectBaseline implements step 1: the newest commit with a timestamp
// strictly before beforeDate that has at least minRetainedCount commits
// with a strictly later timestamp. Returns ok=false if none qualifies.
func (e *Engine) selectBaseline(beforeDate time.Time, minRetainedCount int) (string, bool) {
	ids := e.hist.AllIDs()
	commits := make([]types.Commit, 0, len(ids))
	for _, id := range ids {
		if c, ok := e.hist.Version(id); ok {
			commits = append(commits, c)
		}
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Timestamp.Equal(commits[j].Timestamp) {
			return commits[i].ID < commits[j].ID
		}
		return commits[i].Timestamp.Before(commits[j].Timestamp)
	})

	for i := len(commits) - 1; i >= 0; i-- {
		candidate := commits[i]
		if !candidate.Timestamp.Before(beforeDate) {
			continue
		}
		moreRecent := 0
		for j := i + 1; j < len(commits); j++ {
			if commits[j].Timestamp.After(candidate.Timestamp) {
				moreRecent++
			}
		}
		if moreRecent >= minRetainedCount {
			return candidate.ID, true
		}
	}
	return "", false
}

// rewriteBaseline re-materializes the baseline commit per step 3: its
// full value set is re-inserted under its own id, its index is rebuilt
// as a single self-contained root (so no SubRef survives pointing at a
// prefix node owned by a commit that's about to be deleted), and its
// recorded predecessors are cleared — both in the durable commit record
// (via the one compaction-only bypass of commit-record immutability)
// and in History.
func (e *Engine) rewriteBaseline(baselineID string) error {
	entries, err := e.idx.Enumerate(baselineID)
	if err != nil {
		return err
	}

	deltas := make([]types.Delta, 0, len(entries))
	var size int64
	for _, kr := range entries {
		payload, ok, err := e.values.Get(kr.Ref.ValueID, kr.Ref.StoredCommitID)
		if err != nil {
			return llvserrors.Wrapf(llvserrors.ErrIO, "load value %s@%s", kr.Ref.ValueID, kr.Ref.StoredCommitID)
		}
		if !ok {
			return llvserrors.Wrapf(llvserrors.ErrMissingVersion, "value %s@%s", kr.Ref.ValueID, kr.Ref.StoredCommitID)
		}
		if err := e.values.Store(kr.Ref.ValueID, baselineID, payload); err != nil {
			return llvserrors.Wrapf(llvserrors.ErrIO, "store value %s@%s", kr.Ref.ValueID, baselineID)
		}
		size += int64(len(payload))
		deltas = append(deltas, types.Delta{
			Key:       kr.Key,
			AddedRefs: []types.ValueRef{{ValueID: kr.Ref.ValueID, StoredCommitID: baselineID}},
		})
	}

	// The baseline's existing root/sub-nodes were written against its
	// old ancestry, so any prefix it didn't itself touch still has a
	// SubRef pointing at an ancestor id that's about to be deleted.
	// Drop them before rebuilding so the fresh AddCommit below never
	// collides with the zone's append-only, no-differing-overwrite rule.
	if nodes, ok := e.idx.Zone().(zone.Deletable); ok {
		if err := nodes.Delete(index.RootKey, baselineID); err != nil {
			return err
		}
		prefixes := map[string]struct{}{}
		for _, kr := range entries {
			prefixes[index.Prefix(kr.Key)] = struct{}{}
		}
		for prefix := range prefixes {
			if err := nodes.Delete(prefix, baselineID); err != nil {
				return err
			}
		}
	}
	if err := e.idx.AddCommit(baselineID, "", false, deltas); err != nil {
		return err
	}

	c, err := e.commits.Get(baselineID)
	if err != nil {
		return err
	}
	c.Predecessors = types.Predecessors{}
	c.ValueDataSize = size
	data, err := json.Marshal(struct {
		ID            string            `json:"id"`
		Timestamp     time.Time         `json:"timestamp"`
		ValueDataSize int64             `json:"valueDataSize"`
		Metadata      map[string][]byte `json:"metadata,omitempty"`
	}{ID: c.ID, Timestamp: c.Timestamp, ValueDataSize: c.ValueDataSize, Metadata: c.Metadata})
	if err != nil {
		return llvserrors.Wrapf(llvserrors.ErrIO, "encode rewritten baseline %s", baselineID)
	}
	if err := e.versions.ReplaceCommit(baselineID, data); err != nil {
		return err
	}
	return e.hist.SetPredecessors(baselineID, types.Predecessors{})
}

// cleanup deletes every compressed commit's record, value payloads, and
// index nodes, then marks the compaction no longer pending. It is safe
// to call repeatedly: every step tolerates the entry already being gone.
func (e *Engine) cleanup(info CompactionInfo) error {
	deletableValues, valuesDeletable := e.values.(zone.Deletable)

	for _, id := range info.CompressedIDs {
		if e.hist.Exists(id) {
			if err := e.deleteCommitArtifacts(id, valuesDeletable, deletableValues); err != nil {
				return err
			}
		}
		if err := e.versions.DeleteCommit(id); err != nil {
			return err
		}
	}
	e.hist.Forget(info.CompressedIDs)

	info.PendingCleanup = false
	return e.writeInfo(info)
}

// deleteCommitArtifacts removes a compressed commit's own value payloads
// and index nodes (root plus every sub-node prefix it touched), derived
// from the same changes-at-commit reconstruction the exchange engine
// uses to send a commit elsewhere.
func (e *Engine) deleteCommitArtifacts(id string, valuesDeletable bool, values zone.Deletable) error {
	changes, err := e.commits.ChangesAt(id)
	if err != nil {
		return err
	}

	if valuesDeletable {
		for _, c := range changes {
			switch c.Kind {
			case types.ChangeInsert, types.ChangeUpdate:
				if err := values.Delete(c.Value.ID, id); err != nil {
					return err
				}
			case types.ChangePreserve:
				if c.Ref.StoredCommitID == id {
					if err := values.Delete(c.Ref.ValueID, id); err != nil {
						return err
					}
				}
			}
		}
	}

	return e.deleteIndexNodes(id, changes)
}

func (e *Engine) deleteIndexNodes(id string, changes []types.Change) error {
	nodes, ok := e.idx.Zone().(zone.Deletable)
	if !ok {
		return nil
	}
	if err := nodes.Delete(index.RootKey, id); err != nil {
		return err
	}
	prefixes := map[string]struct{}{}
	for _, c := range changes {
		prefixes[index.Prefix(c.Key)] = struct{}{}
	}
	for prefix := range prefixes {
		if err := nodes.Delete(prefix, id); err != nil {
			return err
		}
	}
	return nil
}
