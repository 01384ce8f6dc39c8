package syncengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SchedulerConfig holds configuration for the periodic sync scheduler.
type SchedulerConfig struct {
	// Interval between sync passes.
	Interval time.Duration
}

// DefaultSchedulerConfig returns a SchedulerConfig with the default
// five-minute interval.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 5 * time.Minute}
}

// Scheduler runs periodic sync passes against an Engine and collapses a
// manually triggered pass with any pass already in flight, so a
// sync_knowledge call arriving mid-tick waits for that tick's result
// instead of starting a second pass.
type Scheduler struct {
	engine   *Engine
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.RWMutex
	running  bool
	lastSync time.Time
	lastErr  error

	group singleflight.Group
}

// NewScheduler wires a Scheduler from an Engine and a SchedulerConfig. An
// Interval of zero falls back to the default.
func NewScheduler(e *Engine, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	return &Scheduler{
		engine:   e,
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background sync loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop gracefully stops the scheduler and waits for the current pass, if
// any, to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Running reports whether the scheduler's loop is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastSync returns the time of the last completed pass, successful or
// not.
func (s *Scheduler) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// LastErr returns the error from the last completed pass, if any.
func (s *Scheduler) LastErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SyncNow triggers an immediate pull+push pass, collapsing with any pass
// already in flight (periodic or manual) so concurrent callers share one
// result instead of racing the sync lock against each other.
func (s *Scheduler) SyncNow(ctx context.Context) (*SyncResult, error) {
	return s.SyncDirection(ctx, DirectionBoth)
}

// SyncDirection runs one pass in the given direction. A call arriving
// while another pass is in flight receives that pass's result, whatever
// its direction was; the cross-process lock would have turned it away
// anyway.
func (s *Scheduler) SyncDirection(ctx context.Context, dir Direction) (*SyncResult, error) {
	v, err, _ := s.group.Do("pass", func() (interface{}, error) {
		return s.engine.RunPass(ctx, dir)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	result, err := s.SyncNow(ctx)
	s.mu.Lock()
	s.lastSync = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Printf("[sync] pass failed: %v", err)
		return
	}
	if result.Contended {
		log.Printf("[sync] pass skipped, lock contended")
		return
	}
	log.Printf("[sync] pass complete: %s", summarize(result))
}

func summarize(r *SyncResult) string {
	if r.Pull == nil && r.Push == nil {
		return "no-op"
	}
	var pullPart, pushPart string
	if r.Pull != nil {
		pullPart = fmt.Sprintf("pulled new=%d updated=%d deleted=%d conflicts=%d",
			r.Pull.NewEntries, r.Pull.Updated, r.Pull.Deleted, r.Pull.Conflicts)
	}
	if r.Push != nil {
		pushPart = fmt.Sprintf("pushed new=%d deleted=%d committed=%t",
			r.Push.NewEntries, r.Push.Deleted, r.Push.Pushed)
	}
	if pullPart != "" && pushPart != "" {
		return pullPart + "; " + pushPart
	}
	return pullPart + pushPart
}
