package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
)

// dispatchLoop fires schedule-triggered units whose next_fire_at has
// elapsed. Each firing synthesizes a timer event, runs it through the
// matcher (conditions still apply) and advances next_fire_at from the
// cron expression, so a missed tick fires once on catch-up rather than
// replaying every skipped occurrence.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	units, err := s.units.GetDueScheduleUnits(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("scheduler: scan due schedule units", "error", err)
		return
	}
	for i := range units {
		s.fireScheduleUnit(ctx, &units[i], now)
	}
}

func (s *Scheduler) fireScheduleUnit(ctx context.Context, unit *model.Unit, now time.Time) {
	// Advance the fire time first: a unit that fails below must not be
	// re-fired hot on every poll.
	next, ok := nextFireTime(unit, now)
	if !ok {
		s.logger.Error("scheduler: unit has no parseable schedule", "unit_id", unit.ID)
		next = now.Add(time.Hour)
	}
	if err := s.units.SetUnitNextFire(ctx, unit.ID, next); err != nil {
		s.logger.Error("scheduler: set next fire", "unit_id", unit.ID, "error", err)
		return
	}

	evt := &model.Event{
		ID:         uuid.New(),
		Source:     model.TimerSource,
		Kind:       model.TimerEventKind,
		OccurredAt: now,
		UserID:     unit.UserID,
		Payload: map[string]any{
			"fired_at": now.Format(time.RFC3339),
			"unit_id":  unit.ID.String(),
		},
		CreatedAt: now,
	}

	if !s.matcher.MatchUnit(ctx, unit, evt) {
		return
	}
	run, err := s.matcher.SpawnRun(ctx, unit, evt)
	if err != nil {
		s.logger.Error("scheduler: spawn scheduled run", "unit_id", unit.ID, "error", err)
		return
	}
	if err := s.exec.Execute(ctx, &run); err != nil {
		s.logger.Error("scheduler: execute scheduled run", "run_id", run.ID, "error", err)
	}
}

// nextFireTime finds the unit's schedule trigger, including inside a
// compound, and computes the next occurrence after now in the trigger's
// timezone.
func nextFireTime(unit *model.Unit, now time.Time) (time.Time, bool) {
	st := model.FindSchedule(unit.Trigger)
	if st == nil {
		return time.Time{}, false
	}
	sched, err := model.ParseCron(st.Cron)
	if err != nil {
		return time.Time{}, false
	}
	loc := time.UTC
	if st.Timezone != "" {
		if l, err := time.LoadLocation(st.Timezone); err == nil {
			loc = l
		}
	}
	return sched.Next(now.In(loc)).UTC(), true
}
