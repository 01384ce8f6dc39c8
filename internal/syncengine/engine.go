// Package syncengine is the sync coordinator: it orchestrates pull and
// push passes over the configured repos, holds the cross-process lock,
// and schedules periodic runs.
package syncengine

import (
	"context"
	"log"
	"time"

	"github.com/cristinecula/knowsync/internal/metrics"
	"github.com/cristinecula/knowsync/internal/record"
	"github.com/cristinecula/knowsync/internal/store"
	"github.com/cristinecula/knowsync/internal/vcs"
	"github.com/cristinecula/knowsync/internal/writethrough"
)

// EmbedHook fires, best-effort, after a new entry is imported by pull.
// Embedding generation itself is out of scope for the engine; this is
// the observable side-effect seam callers can use to trigger it.
type EmbedHook func(ctx context.Context, e *record.Entry)

// Engine composes the store, the VCS driver, and the configured repos
// into the pull/push/lock orchestration.
type Engine struct {
	Store   *store.Store
	VCS     vcs.Driver
	Repos   []record.SyncRepo
	Touched *writethrough.TouchedRepos
	Lock    *Lock
	Metrics *metrics.Metrics

	EmbedHook EmbedHook
}

// NewEngine wires an Engine from its collaborators. touched may be nil,
// in which case a fresh TouchedRepos is created.
func NewEngine(s *store.Store, driver vcs.Driver, repos []record.SyncRepo, touched *writethrough.TouchedRepos, m *metrics.Metrics) *Engine {
	if touched == nil {
		touched = writethrough.NewTouchedRepos()
	}
	return &Engine{
		Store:   s,
		VCS:     driver,
		Repos:   repos,
		Touched: touched,
		Lock:    NewLock(s),
		Metrics: m,
		EmbedHook: func(context.Context, *record.Entry) {
			// no-op by default; embedding generation lives outside the engine.
		},
	}
}

// Direction selects which half of a sync pass to run.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// RunPass performs one sync pass under the cross-process lock. A failure
// to acquire the lock returns a Contended result, not an error, so
// callers can treat contention as routine and return quickly.
func (e *Engine) RunPass(ctx context.Context, dir Direction) (*SyncResult, error) {
	started := time.Now()

	acquired, err := e.Lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Printf("[lock] sync already in progress, skipping pass")
		e.Metrics.RecordLockContention()
		return &SyncResult{Contended: true}, nil
	}
	defer func() {
		if err := e.Lock.Release(ctx); err != nil {
			log.Printf("[lock] release failed: %v", err)
		}
	}()

	result := &SyncResult{}

	// push always pulls first so the working tree is current before
	// commit_all runs. When the caller only asked for push, the pull
	// result is still computed but not surfaced, mirroring an internal
	// implementation detail rather than a second RPC result.
	needsPull := dir == DirectionPull || dir == DirectionBoth || dir == DirectionPush
	var pr *PullResult
	outcome := "ok"
	if needsPull {
		pr, err = e.pull(ctx)
		if err != nil {
			e.Metrics.ObservePass(string(dir), "error", time.Since(started).Seconds())
			return nil, err
		}
		e.Metrics.RecordPulled("new", pr.NewEntries)
		e.Metrics.RecordPulled("updated", pr.Updated)
		e.Metrics.RecordPulled("deleted", pr.Deleted)
		e.Metrics.RecordLinksReconciled("created", pr.NewLinks)
		e.Metrics.RecordLinksReconciled("deleted", pr.DeletedLinks)
		for i := 0; i < pr.Conflicts; i++ {
			e.Metrics.RecordConflict()
		}
	}
	if dir == DirectionPull || dir == DirectionBoth {
		result.Pull = pr
	}
	if dir == DirectionPush || dir == DirectionBoth {
		pushResult, err := e.push(ctx)
		if err != nil {
			e.Metrics.ObservePass(string(dir), "error", time.Since(started).Seconds())
			return nil, err
		}
		e.Metrics.RecordPushed("new", pushResult.NewEntries)
		e.Metrics.RecordPushed("deleted", pushResult.Deleted)
		result.Push = pushResult
	}
	e.Metrics.ObservePass(string(dir), outcome, time.Since(started).Seconds())
	return result, nil
}
