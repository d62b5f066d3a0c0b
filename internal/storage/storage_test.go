package storage_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/storage"
	"github.com/intentive/reflex/internal/testutil"
	"github.com/intentive/reflex/migrations"
)

var testContainer *testutil.TestContainer

func TestMain(m *testing.M) {
	testContainer = testutil.MustStartPostgres()
	code := m.Run()
	testContainer.Terminate()
	os.Exit(code)
}

// memWaitingIndex records waiting-index mutations for assertions.
type memWaitingIndex struct {
	mu      sync.Mutex
	entries map[uuid.UUID]time.Time
}

func newMemWaitingIndex() *memWaitingIndex {
	return &memWaitingIndex{entries: make(map[uuid.UUID]time.Time)}
}

func (m *memWaitingIndex) Add(_ context.Context, runID uuid.UUID, resumeAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[runID] = resumeAt
	return nil
}

func (m *memWaitingIndex) Remove(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, runID)
	return nil
}

func (m *memWaitingIndex) has(runID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[runID]
	return ok
}

func newTestDB(t *testing.T, waiting storage.WaitingIndex) *storage.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.New(ctx, testContainer.DSN, waiting, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	t.Cleanup(db.Close)
	return db
}

func mustCreateUser(t *testing.T, db *storage.DB) model.User {
	t.Helper()
	user := model.User{Name: "tester", Role: model.RoleAuthor, APIKeyHash: "x"}
	require.NoError(t, db.CreateUser(context.Background(), &user))
	return user
}

func testUnit(userID uuid.UUID) model.Unit {
	return model.Unit{
		ID:     uuid.New(),
		UserID: userID,
		Name:   "escalate large deals",
		Trigger: model.Trigger{
			Kind:  model.TriggerKindEvent,
			Event: &model.EventTrigger{Source: "crm", Kind: "deal.stage_changed", Filter: "payload.amount > 50000"},
		},
		Actions: []model.Action{
			{Kind: model.ActionKindNotify, Notify: &model.NotifyAction{Channel: "sales", Message: "deal moved"}},
		},
		Status: model.UnitStatusActive,
	}
}

func TestUnitRoundTrip(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &unit))

	got, err := db.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.Name, got.Name)
	require.NotNil(t, got.Trigger.Event)
	assert.Equal(t, "crm", got.Trigger.Event.Source)
	assert.Equal(t, model.UnitStatusActive, got.Status)

	_, err = db.GetUnit(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetUnitsByTriggerFiltersPaused(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	active := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &active))

	paused := testUnit(user.ID)
	paused.ID = uuid.New()
	require.NoError(t, db.CreateUnit(ctx, &paused))
	require.NoError(t, db.UpdateUnitStatus(ctx, paused.ID, model.UnitStatusPaused))

	units, err := db.GetUnitsByTrigger(ctx, "crm", "deal.stage_changed")
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(units))
	for _, u := range units {
		ids[u.ID] = true
	}
	assert.True(t, ids[active.ID], "active unit should match its trigger")
	assert.False(t, ids[paused.ID], "paused unit must not be returned")
}

func TestSaveRunTerminalGuard(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &unit))

	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		UnitID:    unit.ID,
		EventID:   uuid.New(),
		UserID:    user.ID,
		Status:    model.RunStatusSuccess,
		StartedAt: now,
		CreatedAt: now,
	}
	require.NoError(t, db.SaveRun(ctx, &run))

	// A write against a terminal run is rejected, and the stored row keeps
	// its terminal status.
	run.Status = model.RunStatusRunning
	err := db.SaveRun(ctx, &run)
	assert.ErrorIs(t, err, storage.ErrTerminal)

	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
}

func TestSaveRunMaintainsWaitingIndex(t *testing.T) {
	waiting := newMemWaitingIndex()
	db := newTestDB(t, waiting)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &unit))

	now := time.Now().UTC()
	resumeAt := now.Add(time.Hour)
	run := model.Run{
		ID:        uuid.New(),
		UnitID:    unit.ID,
		EventID:   uuid.New(),
		UserID:    user.ID,
		Status:    model.RunStatusWaiting,
		ResumeAt:  &resumeAt,
		StartedAt: now,
		CreatedAt: now,
	}
	require.NoError(t, db.SaveRun(ctx, &run))
	assert.True(t, waiting.has(run.ID), "waiting run should be indexed")

	run.Status = model.RunStatusSuccess
	run.ResumeAt = nil
	require.NoError(t, db.SaveRun(ctx, &run))
	assert.False(t, waiting.has(run.ID), "terminal run must leave the index")
}

func TestGetDueWaitingRuns(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &unit))

	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	dueRun := model.Run{
		ID: uuid.New(), UnitID: unit.ID, EventID: uuid.New(), UserID: user.ID,
		Status: model.RunStatusWaiting, ResumeAt: &due, StartedAt: now, CreatedAt: now,
	}
	futureRun := model.Run{
		ID: uuid.New(), UnitID: unit.ID, EventID: uuid.New(), UserID: user.ID,
		Status: model.RunStatusWaiting, ResumeAt: &future, StartedAt: now, CreatedAt: now,
	}
	require.NoError(t, db.SaveRun(ctx, &dueRun))
	require.NoError(t, db.SaveRun(ctx, &futureRun))

	runs, err := db.GetDueWaitingRuns(ctx, now, 10)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]bool, len(runs))
	for _, r := range runs {
		ids[r.ID] = true
	}
	assert.True(t, ids[dueRun.ID])
	assert.False(t, ids[futureRun.ID])
}

func TestRunStepUpsert(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	require.NoError(t, db.CreateUnit(ctx, &unit))

	now := time.Now().UTC()
	run := model.Run{
		ID: uuid.New(), UnitID: unit.ID, EventID: uuid.New(), UserID: user.ID,
		Status: model.RunStatusRunning, StartedAt: now, CreatedAt: now,
	}
	require.NoError(t, db.SaveRun(ctx, &run))

	step := model.RunStep{
		RunID:      run.ID,
		StepIndex:  0,
		Action:     unit.Actions[0],
		Outcome:    model.StepOutcomeFailed,
		StartedAt:  now,
		FinishedAt: now,
	}
	require.NoError(t, db.LogRunStep(ctx, &step))

	// Re-logging the same step replaces it, never appends.
	step.Outcome = model.StepOutcomeSuccess
	require.NoError(t, db.LogRunStep(ctx, &step))

	steps, err := db.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepOutcomeSuccess, steps[0].Outcome)
}

func TestConnectionUpsert(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	conn := model.Connection{ID: "conn-" + uuid.NewString(), Provider: "crm", UserID: user.ID, Secret: "one"}
	require.NoError(t, db.UpsertConnection(ctx, &conn))

	conn.Secret = "two"
	require.NoError(t, db.UpsertConnection(ctx, &conn))

	got, err := db.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", got.Secret)
}

func TestEnsureAdminUserIdempotent(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()

	first, err := db.EnsureAdminUser(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, first.Role)

	second, err := db.EnsureAdminUser(ctx, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "existing admin is reused, not replaced")
}

func TestDueScheduleUnits(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	unit := testUnit(user.ID)
	unit.Trigger = model.Trigger{
		Kind:     model.TriggerKindSchedule,
		Schedule: &model.ScheduleTrigger{Cron: "0 9 * * *"},
	}
	require.NoError(t, db.CreateUnit(ctx, &unit))

	// CreateUnit computes the first fire time; force it into the past.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, db.SetUnitNextFire(ctx, unit.ID, time.Now().UTC().Add(-time.Minute)))

	// Advancing the fire time counts as a mutation.
	got, err := db.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(unit.UpdatedAt), "SetUnitNextFire should bump updated_at")

	units, err := db.GetDueScheduleUnits(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)

	found := false
	for _, u := range units {
		if u.ID == unit.ID {
			found = true
		}
	}
	assert.True(t, found, "due schedule unit should be returned")
}

func TestCreateUnitSchedulesCompoundTrigger(t *testing.T) {
	db := newTestDB(t, nil)
	ctx := context.Background()
	user := mustCreateUser(t, db)

	// The schedule leg sits inside a compound trigger; CreateUnit must
	// still compute its initial next_fire_at or the dispatcher never
	// sees the unit.
	unit := testUnit(user.ID)
	unit.Trigger = model.Trigger{
		Kind: model.TriggerKindCompound,
		Compound: &model.CompoundTrigger{
			Mode: model.CompoundAny,
			Triggers: []model.Trigger{
				{Kind: model.TriggerKindEvent, Event: &model.EventTrigger{Source: "mail", Kind: "received"}},
				{Kind: model.TriggerKindSchedule, Schedule: &model.ScheduleTrigger{Cron: "* * * * *"}},
			},
		},
	}
	require.NoError(t, db.CreateUnit(ctx, &unit))

	// An every-minute cron fires within the next minute from creation.
	units, err := db.GetDueScheduleUnits(ctx, time.Now().UTC().Add(2*time.Minute), 10)
	require.NoError(t, err)

	found := false
	for _, u := range units {
		if u.ID == unit.ID {
			found = true
		}
	}
	assert.True(t, found, "compound unit's schedule leg should be scheduled at creation")
}
