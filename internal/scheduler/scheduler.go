// Package scheduler runs the engine's background loops: the event
// consumer feeding the matcher, the resumption poller waking suspended
// runs, and the schedule dispatcher firing cron-based units.
//
// All three loops are poll- or subscription-driven and hold no state
// between iterations; delivery is at-least-once and the executor absorbs
// duplicates, so a crashed loop simply resumes on the next tick.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// RunStore is the durable run access the scheduler needs.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	GetDueWaitingRuns(ctx context.Context, before time.Time, limit int) ([]model.Run, error)
}

// WaitingQueue is the time-ordered index of suspended runs.
type WaitingQueue interface {
	DueRuns(ctx context.Context, before time.Time, limit int64) ([]uuid.UUID, error)
	Remove(ctx context.Context, runID uuid.UUID) error
}

// ScheduleStore is the durable schedule-trigger bookkeeping.
type ScheduleStore interface {
	GetDueScheduleUnits(ctx context.Context, before time.Time, limit int) ([]model.Unit, error)
	SetUnitNextFire(ctx context.Context, id uuid.UUID, next time.Time) error
}

// Executor drives a run through its pipeline.
type Executor interface {
	Execute(ctx context.Context, run *model.Run) error
}

// Matcher evaluates units against events.
type Matcher interface {
	Match(ctx context.Context, evt *model.Event) ([]model.Run, error)
	MatchUnit(ctx context.Context, unit *model.Unit, evt *model.Event) bool
	SpawnRun(ctx context.Context, unit *model.Unit, evt *model.Event) (model.Run, error)
}

// Config tunes the scheduler's loops.
type Config struct {
	ResumeInterval   time.Duration // waiting-index poll period
	DispatchInterval time.Duration // schedule-trigger poll period
	ReconcileEvery   int           // durable fallback scan every N resume polls
	BatchSize        int           // max runs or units per poll
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ResumeInterval:   15 * time.Second,
		DispatchInterval: 30 * time.Second,
		ReconcileEvery:   8,
		BatchSize:        100,
	}
}

// Scheduler owns the background loops.
type Scheduler struct {
	runs    RunStore
	waiting WaitingQueue
	units   ScheduleStore
	exec    Executor
	matcher Matcher
	events  EventStream
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a Scheduler. events may be nil when no pub/sub consumer is
// wanted (the webhook path can also match synchronously).
func New(runs RunStore, waiting WaitingQueue, units ScheduleStore, exec Executor,
	matcher Matcher, events EventStream, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = DefaultConfig().ResumeInterval
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultConfig().DispatchInterval
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = DefaultConfig().ReconcileEvery
	}
	return &Scheduler{
		runs:    runs,
		waiting: waiting,
		units:   units,
		exec:    exec,
		matcher: matcher,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the loops. Safe to call only once; repeats are ignored.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.resumeLoop(loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(loopCtx)
	}()
	if s.events != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consumeLoop(loopCtx)
		}()
	}
}

// Drain stops the loops and waits for in-flight work, or until ctx expires.
func (s *Scheduler) Drain(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out")
	}
}
