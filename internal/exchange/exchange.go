package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/llvs-go/llvs/internal/commit"
	"github.com/llvs-go/llvs/internal/history"
	"github.com/llvs-go/llvs/internal/llvserrors"
	"github.com/llvs-go/llvs/internal/llvslog"
	"github.com/llvs-go/llvs/internal/types"
)

// maxConcurrentFetches bounds how many per-commit calls run at once
// within a batch: RetrieveChanges in Retrieve, ChangesAt in Send.
const maxConcurrentFetches = 8

// Engine is the exchange engine: it moves commits between the local
// store (History + commit Engine) and a Remote.
type Engine struct {
	hist    *history.History
	commits *commit.Engine
	remote  Remote
	log     llvslog.Logger
}

// New builds an exchange Engine.
func New(hist *history.History, commits *commit.Engine, remote Remote, log llvslog.Logger) *Engine {
	if log == nil {
		log = llvslog.NoOp()
	}
	return &Engine{hist: hist, commits: commits, remote: remote, log: log}
}

func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	return fmt.Errorf("transport: %w: %w", llvserrors.ErrTransport, err)
}

// Retrieve pulls every commit the remote has that the local store
// doesn't, per spec §4.G.1. All missing ids go into one batch, which is
// applied in topological order (each predecessor either already local or
// earlier in the batch). That batch already spans everything the remote
// reports, so it cannot grow: a commit whose predecessor is neither
// local nor in the batch makes Retrieve fail with ErrCouldNotGrow. The
// batch size carries no cost estimate.
func (e *Engine) Retrieve(ctx context.Context) error {
	if err := e.withRetry(ctx, func() error { return e.remote.PrepareToRetrieve(ctx) }); err != nil {
		return err
	}

	var allIDs []string
	if err := e.withRetry(ctx, func() error {
		ids, err := e.remote.RetrieveAllIDs(ctx)
		allIDs = ids
		return err
	}); err != nil {
		return err
	}

	var missing []string
	for _, id := range allIDs {
		if !e.hist.Exists(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing) // deterministic batch windows across retries

	b := newBatcher(len(missing))
	for len(missing) > 0 {
		size := b.size
		if size > len(missing) {
			size = len(missing)
		}
		window := missing[:size]

		var commits []types.Commit
		if err := e.withRetry(ctx, func() error {
			cs, err := e.remote.RetrieveCommits(ctx, window)
			commits = cs
			return err
		}); err != nil {
			return err
		}

		ordered, complete := e.topoOrder(commits)
		if !complete {
			if !b.grow(len(missing)) {
				return llvserrors.Wrap("retrieve", llvserrors.ErrCouldNotGrow)
			}
			e.log.Debug("exchange retrieve grew batch", llvslog.Fields{"size": b.size})
			continue
		}

		changesByID, err := e.fetchChangesConcurrently(ctx, ordered)
		if err != nil {
			return err
		}

		applied := make(map[string]bool, len(ordered))
		for _, c := range ordered {
			if e.hist.Exists(c.ID) {
				applied[c.ID] = true
				continue
			}
			if err := e.commits.AddExisting(c, changesByID[c.ID]); err != nil {
				return err
			}
			applied[c.ID] = true
		}

		b.succeeded()
		var remaining []string
		for _, id := range missing {
			if !applied[id] {
				remaining = append(remaining, id)
			}
		}
		missing = remaining
	}
	return nil
}

// topoOrder sorts commits so every predecessor present in the batch (or
// already in local history) precedes its descendants. complete is false
// if some commit's predecessor is neither in the batch nor local
// history — the caller should grow the batch and retry, per OQ(i).
func (e *Engine) topoOrder(commits []types.Commit) (ordered []types.Commit, complete bool) {
	placed := make(map[string]bool, len(commits))

	ready := func(c types.Commit) bool {
		for _, p := range c.Predecessors.IDs() {
			if placed[p] || e.hist.Exists(p) {
				continue
			}
			return false
		}
		return true
	}

	remaining := make(map[string]types.Commit, len(commits))
	for _, c := range commits {
		remaining[c.ID] = c
	}

	for len(remaining) > 0 {
		progressed := false
		ids := make([]string, 0, len(remaining))
		for id := range remaining {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			c := remaining[id]
			if ready(c) {
				ordered = append(ordered, c)
				placed[c.ID] = true
				delete(remaining, id)
				progressed = true
			}
		}
		if !progressed {
			// Fall back to timestamp order for what's left, per OQ(i):
			// the remote may not expose full ancestry up front, so once
			// pure topological progress stalls we emit the rest oldest-
			// first and let the caller's grow-and-re-execute loop catch
			// any predecessor that's still truly missing.
			var rest []types.Commit
			for _, id := range ids {
				rest = append(rest, remaining[id])
			}
			sort.Slice(rest, func(i, j int) bool {
				if rest[i].Timestamp.Equal(rest[j].Timestamp) {
					return rest[i].ID < rest[j].ID
				}
				return rest[i].Timestamp.Before(rest[j].Timestamp)
			})
			for _, c := range rest {
				if !ready(c) {
					return ordered, false
				}
				ordered = append(ordered, c)
				placed[c.ID] = true
			}
			return ordered, true
		}
	}
	return ordered, true
}

func (e *Engine) fetchChangesConcurrently(ctx context.Context, commits []types.Commit) (map[string][]types.Change, error) {
	out := make(map[string][]types.Change, len(commits))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)
	for _, c := range commits {
		c := c
		if e.hist.Exists(c.ID) {
			continue
		}
		g.Go(func() error {
			var changes []types.Change
			err := e.withRetry(gctx, func() error {
				cs, err := e.remote.RetrieveChanges(gctx, c.ID)
				changes = cs
				return err
			})
			if err != nil {
				return err
			}
			mu.Lock()
			out[c.ID] = changes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Send pushes every local commit the remote doesn't have yet, per spec
// §4.G.2, ordered roots-first so the remote can apply them directly. All
// of them go out in a single SendCommits call; the batch is neither
// split nor grown.
func (e *Engine) Send(ctx context.Context) error {
	if err := e.withRetry(ctx, func() error { return e.remote.PrepareToSend(ctx) }); err != nil {
		return err
	}

	var remoteIDs []string
	if err := e.withRetry(ctx, func() error {
		ids, err := e.remote.RetrieveAllIDs(ctx)
		remoteIDs = ids
		return err
	}); err != nil {
		return err
	}
	have := make(map[string]bool, len(remoteIDs))
	for _, id := range remoteIDs {
		have[id] = true
	}

	var toSend []types.Commit
	e.hist.TopoIterate(func(c types.Commit) bool {
		if !have[c.ID] {
			toSend = append(toSend, c)
		}
		return true
	})
	// TopoIterate emits heads first; SendCommits needs predecessors
	// before descendants.
	for i, j := 0, len(toSend)-1; i < j; i, j = i+1, j-1 {
		toSend[i], toSend[j] = toSend[j], toSend[i]
	}
	if len(toSend) == 0 {
		return nil
	}

	b := newBatcher(len(toSend))
	for len(toSend) > 0 {
		size := b.size
		if size > len(toSend) {
			size = len(toSend)
		}
		batch := toSend[:size]

		changesByID := make(map[string][]types.Change, len(batch))
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentFetches)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				changes, err := e.commits.ChangesAt(c.ID)
				if err != nil {
					return err
				}
				mu.Lock()
				changesByID[c.ID] = changes
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if err := e.withRetry(ctx, func() error {
			return e.remote.SendCommits(ctx, batch, changesByID)
		}); err != nil {
			return err
		}

		b.succeeded()
		toSend = toSend[size:]
	}
	return nil
}
