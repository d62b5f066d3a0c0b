package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/intentive/reflex/internal/model"
)

// CreateUnit inserts a validated Unit and its trigger index rows in one
// transaction. The trigger index (unit_trigger_index) is the equality
// index the matcher queries: one row per event trigger, including event
// sub-triggers of compound triggers.
func (db *DB) CreateUnit(ctx context.Context, unit *model.Unit) error {
	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	now := time.Now().UTC()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now

	trigger, conditions, actions, err := marshalUnitParts(unit)
	if err != nil {
		return err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create unit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO units (id, user_id, name, raw_text, trigger, conditions, actions, status, run_count, next_fire_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)`,
		unit.ID, unit.UserID, unit.Name, unit.RawText, trigger, conditions, actions,
		string(unit.Status), scheduleNextFire(unit.Trigger, now), unit.CreatedAt, unit.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create unit: %w", err)
	}

	for _, et := range eventTriggers(unit.Trigger) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO unit_trigger_index (unit_id, source, kind) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			unit.ID, et.Source, et.Kind,
		); err != nil {
			return fmt.Errorf("storage: index unit trigger: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create unit: %w", err)
	}
	return nil
}

// eventTriggers collects the event triggers reachable from t, walking
// into compound triggers.
func eventTriggers(t model.Trigger) []model.EventTrigger {
	switch t.Kind {
	case model.TriggerKindEvent:
		if t.Event != nil {
			return []model.EventTrigger{*t.Event}
		}
	case model.TriggerKindCompound:
		if t.Compound == nil {
			return nil
		}
		var out []model.EventTrigger
		for _, sub := range t.Compound.Triggers {
			out = append(out, eventTriggers(sub)...)
		}
		return out
	}
	return nil
}

// scheduleNextFire computes the initial next_fire_at for a unit whose
// trigger tree carries a schedule, including schedule legs inside
// compound triggers; nil when there is none.
func scheduleNextFire(t model.Trigger, now time.Time) *time.Time {
	st := model.FindSchedule(t)
	if st == nil {
		return nil
	}
	sched, err := model.ParseCron(st.Cron)
	if err != nil {
		return nil // validated earlier; unreachable for persisted units
	}
	loc := time.UTC
	if st.Timezone != "" {
		if l, err := time.LoadLocation(st.Timezone); err == nil {
			loc = l
		}
	}
	next := sched.Next(now.In(loc)).UTC()
	return &next
}

// GetUnit retrieves a unit by id.
func (db *DB) GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, name, raw_text, trigger, conditions, actions, status, run_count, last_run_at, created_at, updated_at
		 FROM units WHERE id = $1`, id)
	unit, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Unit{}, ErrNotFound
		}
		return model.Unit{}, fmt.Errorf("storage: get unit: %w", err)
	}
	return unit, nil
}

// GetUnitsByTrigger returns active units whose trigger index matches
// (source, kind) exactly. This lookup is the sole enforcement point for
// pause/disable semantics: paused and disabled units are filtered here
// and nowhere else.
func (db *DB) GetUnitsByTrigger(ctx context.Context, source, kind string) ([]model.Unit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT u.id, u.user_id, u.name, u.raw_text, u.trigger, u.conditions, u.actions, u.status, u.run_count, u.last_run_at, u.created_at, u.updated_at
		 FROM units u
		 JOIN unit_trigger_index t ON t.unit_id = u.id
		 WHERE t.source = $1 AND t.kind = $2 AND u.status = 'active'`,
		source, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get units by trigger: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// ListUnitsByUser returns a user's units, newest first.
func (db *DB) ListUnitsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Unit, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM units WHERE user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count units: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, name, raw_text, trigger, conditions, actions, status, run_count, last_run_at, created_at, updated_at
		 FROM units WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list units: %w", err)
	}
	defer rows.Close()

	units, err := scanUnits(rows)
	return units, total, err
}

// UpdateUnitStatus transitions a unit between active/paused/disabled.
func (db *DB) UpdateUnitStatus(ctx context.Context, id uuid.UUID, status model.UnitStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE units SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update unit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordUnitRun bumps run statistics after the matcher spawns a run.
func (db *DB) RecordUnitRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE units SET run_count = run_count + 1, last_run_at = $1, updated_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: record unit run: %w", err)
	}
	return nil
}

// GetDueScheduleUnits returns active schedule-trigger units whose
// next_fire_at has elapsed, ascending, bounded by limit.
func (db *DB) GetDueScheduleUnits(ctx context.Context, before time.Time, limit int) ([]model.Unit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, name, raw_text, trigger, conditions, actions, status, run_count, last_run_at, created_at, updated_at
		 FROM units
		 WHERE status = 'active' AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		 ORDER BY next_fire_at ASC
		 LIMIT $2`,
		before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get due schedule units: %w", err)
	}
	defer rows.Close()
	return scanUnits(rows)
}

// SetUnitNextFire advances a schedule unit's next fire time after it fires.
func (db *DB) SetUnitNextFire(ctx context.Context, id uuid.UUID, next time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE units SET next_fire_at = $1, updated_at = $2 WHERE id = $3`,
		next.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("storage: set unit next fire: %w", err)
	}
	return nil
}

func marshalUnitParts(unit *model.Unit) (trigger, conditions, actions []byte, err error) {
	if trigger, err = json.Marshal(unit.Trigger); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal trigger: %w", err)
	}
	conds := unit.Conditions
	if conds == nil {
		conds = []model.Condition{}
	}
	if conditions, err = json.Marshal(conds); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal conditions: %w", err)
	}
	if actions, err = json.Marshal(unit.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("storage: marshal actions: %w", err)
	}
	return trigger, conditions, actions, nil
}

func scanUnit(row pgx.Row) (model.Unit, error) {
	var (
		u          model.Unit
		status     string
		trigger    []byte
		conditions []byte
		actions    []byte
	)
	err := row.Scan(&u.ID, &u.UserID, &u.Name, &u.RawText, &trigger, &conditions, &actions,
		&status, &u.RunCount, &u.LastRunAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.Unit{}, err
	}
	u.Status = model.UnitStatus(status)
	if err := json.Unmarshal(trigger, &u.Trigger); err != nil {
		return model.Unit{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(conditions, &u.Conditions); err != nil {
		return model.Unit{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &u.Actions); err != nil {
		return model.Unit{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	return u, nil
}

func scanUnits(rows pgx.Rows) ([]model.Unit, error) {
	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}
