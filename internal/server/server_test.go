package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentive/reflex/internal/auth"
	"github.com/intentive/reflex/internal/expr"
	"github.com/intentive/reflex/internal/ingest"
	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/server"
	"github.com/intentive/reflex/internal/storage"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu    sync.Mutex
	units map[uuid.UUID]model.Unit
	runs  map[uuid.UUID]model.Run
	steps map[uuid.UUID][]model.RunStep
	users map[uuid.UUID]model.User
	conns map[string]model.Connection
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		units: make(map[uuid.UUID]model.Unit),
		runs:  make(map[uuid.UUID]model.Run),
		steps: make(map[uuid.UUID][]model.RunStep),
		users: make(map[uuid.UUID]model.User),
		conns: make(map[string]model.Connection),
	}
}

func (s *fakeStore) CreateUnit(_ context.Context, unit *model.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit.CreatedAt = time.Now().UTC()
	unit.UpdatedAt = unit.CreatedAt
	s.units[unit.ID] = *unit
	return nil
}

func (s *fakeStore) GetUnit(_ context.Context, id uuid.UUID) (model.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return model.Unit{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) ListUnitsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.Unit, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Unit
	for _, u := range s.units {
		if u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) UpdateUnitStatus(_ context.Context, id uuid.UUID, status model.UnitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.Status = status
	s.units[id] = u
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) ListRunsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) ListRunsByUnit(_ context.Context, unitID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Run
	for _, r := range s.runs {
		if r.UnitID == unitID {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) ListRunSteps(_ context.Context, runID uuid.UUID) ([]model.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[runID], nil
}

func (s *fakeStore) GetUser(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) CreateUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	s.users[user.ID] = *user
	return nil
}

func (s *fakeStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.User
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeStore) UpsertConnection(_ context.Context, conn *model.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = *conn
	return nil
}

func (s *fakeStore) ListConnectionsByUser(_ context.Context, userID uuid.UUID) ([]model.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Connection
	for _, c := range s.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

// fakeIngestor records deliveries and returns a canned result.
type fakeIngestor struct {
	mu     sync.Mutex
	got    []*model.Delivery
	result model.DeliveryResult
	err    error
}

func (f *fakeIngestor) HandleDelivery(_ context.Context, d *model.Delivery, _ []byte) (model.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, d)
	if f.err != nil {
		return model.DeliveryResult{}, f.err
	}
	return f.result, nil
}

// fakeExecutor satisfies RunExecutor without touching storage.
type fakeExecutor struct {
	mu       sync.Mutex
	store    *fakeStore
	executed []uuid.UUID
}

func (f *fakeExecutor) Execute(_ context.Context, run *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, run.ID)
	return nil
}

func (f *fakeExecutor) Rerun(ctx context.Context, original *model.Run) (model.Run, error) {
	run := model.Run{
		ID:             uuid.New(),
		UnitID:         original.UnitID,
		EventID:        original.EventID,
		UserID:         original.UserID,
		Status:         model.RunStatusPending,
		TriggerPayload: original.TriggerPayload,
	}
	f.store.mu.Lock()
	f.store.runs[run.ID] = run
	f.store.mu.Unlock()
	return run, nil
}

// stubCompiler returns a fixed candidate for any raw text.
type stubCompiler struct {
	candidate model.UnitCandidate
	err       error
}

func (c stubCompiler) Compile(context.Context, string, uuid.UUID) (model.UnitCandidate, error) {
	return c.candidate, c.err
}

type testEnv struct {
	srv      *httptest.Server
	store    *fakeStore
	ingestor *fakeIngestor
	executor *fakeExecutor
	jwtMgr   *auth.JWTManager

	admin  model.User
	author model.User
	reader model.User
}

func validCandidate() model.UnitCandidate {
	return model.UnitCandidate{
		Name: "escalate large deals",
		Trigger: model.Trigger{
			Kind:  model.TriggerKindEvent,
			Event: &model.EventTrigger{Source: "crm", Kind: "deal.stage_changed", Filter: "payload.amount > 50000"},
		},
		Actions: []model.Action{
			{Kind: model.ActionKindNotify, Notify: &model.NotifyAction{Channel: "sales", Message: "big deal moved"}},
		},
	}
}

func newTestEnv(t *testing.T, compiler stubCompiler) *testEnv {
	t.Helper()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	store := newFakeStore()
	ingestor := &fakeIngestor{result: model.DeliveryResult{Produced: 1}}
	executor := &fakeExecutor{store: store}
	logger := slog.New(slog.DiscardHandler)

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Ingestor:            ingestor,
		Executor:            executor,
		Compiler:            compiler,
		ExprCheck:           expr.Check,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	env := &testEnv{
		srv:      httptest.NewServer(srv.Handler()),
		store:    store,
		ingestor: ingestor,
		executor: executor,
		jwtMgr:   jwtMgr,
	}
	t.Cleanup(env.srv.Close)

	env.admin = env.mustCreateUser(t, "admin", model.RoleAdmin)
	env.author = env.mustCreateUser(t, "author", model.RoleAuthor)
	env.reader = env.mustCreateUser(t, "reader", model.RoleReader)
	return env
}

func (e *testEnv) mustCreateUser(t *testing.T, name string, role model.UserRole) model.User {
	t.Helper()
	hash, err := auth.HashAPIKey("test-api-key-" + name)
	require.NoError(t, err)
	user := model.User{ID: uuid.New(), Name: name, Role: role, APIKeyHash: hash}
	require.NoError(t, e.store.CreateUser(context.Background(), &user))
	return user
}

func (e *testEnv) token(t *testing.T, user model.User) string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(user)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Data
}

func TestAuthTokenFlow(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	resp := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		UserID: env.author.ID.String(),
		APIKey: "test-api-key-author",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decodeData[model.AuthTokenResponse](t, resp)
	assert.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	// Wrong key is rejected without leaking whether the user exists.
	resp = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		UserID: env.author.ID.String(),
		APIKey: "wrong-key",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		UserID: uuid.New().String(),
		APIKey: "test-api-key-author",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	resp := env.do(t, http.MethodGet, "/v1/units", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/units", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthNoAuth(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
}

func TestCreateUnitStructured(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	token := env.token(t, env.author)

	cand := validCandidate()
	resp := env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{
		Structured: &cand,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	unit := decodeData[model.Unit](t, resp)
	assert.Equal(t, env.author.ID, unit.UserID)
	assert.Equal(t, model.UnitStatusActive, unit.Status)
	assert.Equal(t, "escalate large deals", unit.Name)
}

func TestCreateUnitRawText(t *testing.T) {
	env := newTestEnv(t, stubCompiler{candidate: validCandidate()})
	token := env.token(t, env.author)

	resp := env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{
		RawText: "when a deal changes stage, if the amount is over 50k, notify sales",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	unit := decodeData[model.Unit](t, resp)
	assert.NotEmpty(t, unit.RawText)
	assert.Equal(t, model.TriggerKindEvent, unit.Trigger.Kind)
}

func TestCreateUnitRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	token := env.token(t, env.author)

	// Neither raw text nor structured.
	resp := env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unparseable filter expression surfaces as a validation failure.
	cand := validCandidate()
	cand.Trigger.Event.Filter = "payload.amount >"
	resp = env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{Structured: &cand})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	// No actions.
	cand = validCandidate()
	cand.Actions = nil
	resp = env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{Structured: &cand})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateUnitRequiresAuthorRole(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	token := env.token(t, env.reader)

	cand := validCandidate()
	resp := env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{Structured: &cand})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestGetUnitOwnership(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	cand := validCandidate()
	resp := env.do(t, http.MethodPost, "/v1/units", env.token(t, env.author), model.CreateUnitRequest{Structured: &cand})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	unit := decodeData[model.Unit](t, resp)

	// Another non-admin user sees 404, not 403: existence is not confirmed.
	other := env.mustCreateUser(t, "other", model.RoleAuthor)
	resp = env.do(t, http.MethodGet, "/v1/units/"+unit.ID.String(), env.token(t, other), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Admin sees it.
	resp = env.do(t, http.MethodGet, "/v1/units/"+unit.ID.String(), env.token(t, env.admin), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeData[model.Unit](t, resp)
	assert.Equal(t, unit.ID, got.ID)
}

func TestUpdateUnitStatus(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	token := env.token(t, env.author)

	cand := validCandidate()
	resp := env.do(t, http.MethodPost, "/v1/units", token, model.CreateUnitRequest{Structured: &cand})
	unit := decodeData[model.Unit](t, resp)

	resp = env.do(t, http.MethodPatch, "/v1/units/"+unit.ID.String()+"/status", token,
		model.UpdateUnitStatusRequest{Status: model.UnitStatusPaused})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeData[model.Unit](t, resp)
	assert.Equal(t, model.UnitStatusPaused, updated.Status)

	resp = env.do(t, http.MethodPatch, "/v1/units/"+unit.ID.String()+"/status", token,
		model.UpdateUnitStatusRequest{Status: "archived"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetRunDetail(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	run := model.Run{
		ID:     uuid.New(),
		UnitID: uuid.New(),
		UserID: env.author.ID,
		Status: model.RunStatusSuccess,
	}
	env.store.runs[run.ID] = run
	env.store.steps[run.ID] = []model.RunStep{
		{RunID: run.ID, StepIndex: 0, Outcome: model.StepOutcomeSuccess},
		{RunID: run.ID, StepIndex: 1, Outcome: model.StepOutcomeSuccess},
	}

	resp := env.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), env.token(t, env.author), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decodeData[model.RunDetail](t, resp)
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Len(t, detail.Steps, 2)
}

func TestRerunRun(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	original := model.Run{
		ID:             uuid.New(),
		UnitID:         uuid.New(),
		UserID:         env.author.ID,
		Status:         model.RunStatusFailed,
		TriggerPayload: map[string]any{"amount": float64(75000)},
	}
	env.store.runs[original.ID] = original

	resp := env.do(t, http.MethodPost, "/v1/runs/"+original.ID.String()+"/rerun", env.token(t, env.author), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	rerun := decodeData[model.Run](t, resp)
	assert.NotEqual(t, original.ID, rerun.ID)
	assert.Equal(t, model.RunStatusPending, rerun.Status)
	assert.Equal(t, original.TriggerPayload, rerun.TriggerPayload)

	// The original is untouched.
	stored, err := env.store.GetRun(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
}

func TestWebhookIngestion(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	delivery := model.Delivery{
		ConnectionID: "conn-1",
		ResourceID:   "deal-42",
		ActivityID:   "act-100",
		Records: []model.RawRecord{
			{Kind: "deal", Fields: map[string]any{"stage": "qualified"}},
		},
	}

	// No JWT required on the webhook path.
	resp := env.do(t, http.MethodPost, "/v1/webhooks/crm", "", delivery)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := decodeData[model.DeliveryResult](t, resp)
	assert.Equal(t, 1, result.Produced)

	env.ingestor.mu.Lock()
	require.Len(t, env.ingestor.got, 1)
	assert.Equal(t, "crm", env.ingestor.got[0].Provider)
	env.ingestor.mu.Unlock()
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	env.ingestor.result = model.DeliveryResult{Duplicate: true}

	delivery := model.Delivery{ConnectionID: "conn-1", ActivityID: "act-100"}
	resp := env.do(t, http.MethodPost, "/v1/webhooks/crm", "", delivery)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeData[model.DeliveryResult](t, resp)
	assert.True(t, result.Duplicate)
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	env.ingestor.err = fmt.Errorf("ingest: verify: %w", ingest.ErrBadSignature)

	delivery := model.Delivery{ConnectionID: "conn-1", ActivityID: "act-100"}
	resp := env.do(t, http.MethodPost, "/v1/webhooks/crm", "", delivery)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestWebhookMissingIdentity(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	resp := env.do(t, http.MethodPost, "/v1/webhooks/crm", "", model.Delivery{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUserManagementAdminOnly(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	req := model.CreateUserRequest{Name: "new-user", Role: model.RoleReader, APIKey: "a-long-enough-api-key"}

	resp := env.do(t, http.MethodPost, "/v1/users", env.token(t, env.author), req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/v1/users", env.token(t, env.admin), req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := decodeData[model.User](t, resp)
	assert.Equal(t, model.RoleReader, user.Role)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

func TestConnectionManagement(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})
	token := env.token(t, env.author)

	resp := env.do(t, http.MethodPut, "/v1/connections", token, model.UpsertConnectionRequest{
		ID:       "conn-1",
		Provider: "crm",
		Secret:   "shhh",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conn := decodeData[model.Connection](t, resp)
	assert.Equal(t, env.author.ID, conn.UserID)

	resp = env.do(t, http.MethodGet, "/v1/connections", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conns := decodeData[[]model.Connection](t, resp)
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-1", conns[0].ID)
}

func TestRequestIDPropagation(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "test-req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "test-req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestListUnitsScopedToCaller(t *testing.T) {
	env := newTestEnv(t, stubCompiler{})

	cand := validCandidate()
	resp := env.do(t, http.MethodPost, "/v1/units", env.token(t, env.author), model.CreateUnitRequest{Structured: &cand})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	other := env.mustCreateUser(t, "other", model.RoleAuthor)
	resp = env.do(t, http.MethodGet, "/v1/units", env.token(t, other), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var list model.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 0, list.Total)
}
