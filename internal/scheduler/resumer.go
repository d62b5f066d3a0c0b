package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/intentive/reflex/internal/storage"
)

// resumeLoop polls the waiting-index and re-invokes the executor for every
// due run. Every ReconcileEvery polls it additionally scans the durable
// runs table for due waiting runs, repairing index entries lost to a Redis
// restart. Both paths are safe to overlap because Execute tolerates
// duplicate and premature invocations.
func (s *Scheduler) resumeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResumeInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			polls++
			s.resumeDue(ctx)
			if polls%s.cfg.ReconcileEvery == 0 {
				s.reconcileWaiting(ctx)
			}
		}
	}
}

func (s *Scheduler) resumeDue(ctx context.Context) {
	now := s.now()
	ids, err := s.waiting.DueRuns(ctx, now, int64(s.cfg.BatchSize))
	if err != nil {
		s.logger.Error("scheduler: scan waiting-index", "error", err)
		return
	}
	for _, id := range ids {
		run, err := s.runs.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Index entry without a durable run; drop it.
				if rmErr := s.waiting.Remove(ctx, id); rmErr != nil {
					s.logger.Warn("scheduler: remove orphan index entry", "run_id", id, "error", rmErr)
				}
				continue
			}
			s.logger.Error("scheduler: load waiting run", "run_id", id, "error", err)
			continue
		}
		if err := s.exec.Execute(ctx, &run); err != nil {
			s.logger.Error("scheduler: resume run", "run_id", id, "error", err)
		}
	}
}

// reconcileWaiting executes due runs found directly in the durable store.
// SaveRun re-adds or removes their index entries as the run transitions,
// so one reconcile pass both resumes the run and heals the index.
func (s *Scheduler) reconcileWaiting(ctx context.Context) {
	due, err := s.runs.GetDueWaitingRuns(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("scheduler: reconcile waiting runs", "error", err)
		return
	}
	for i := range due {
		if err := s.exec.Execute(ctx, &due[i]); err != nil {
			s.logger.Error("scheduler: resume reconciled run", "run_id", due[i].ID, "error", err)
		}
	}
}
