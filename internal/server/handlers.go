package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/auth"
	"github.com/intentive/reflex/internal/collab"
	"github.com/intentive/reflex/internal/model"
)

// Store is the durable storage surface the handlers consume, satisfied by
// *storage.DB.
type Store interface {
	CreateUnit(ctx context.Context, unit *model.Unit) error
	GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error)
	ListUnitsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Unit, int, error)
	UpdateUnitStatus(ctx context.Context, id uuid.UUID, status model.UnitStatus) error

	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRunsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Run, int, error)
	ListRunsByUnit(ctx context.Context, unitID uuid.UUID, limit, offset int) ([]model.Run, int, error)
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error)

	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	CreateUser(ctx context.Context, user *model.User) error
	ListUsers(ctx context.Context) ([]model.User, error)

	UpsertConnection(ctx context.Context, conn *model.Connection) error
	ListConnectionsByUser(ctx context.Context, userID uuid.UUID) ([]model.Connection, error)

	Ping(ctx context.Context) error
}

// EventIngestor shapes raw webhook deliveries into events, satisfied by
// *ingest.Shaper.
type EventIngestor interface {
	HandleDelivery(ctx context.Context, d *model.Delivery, rawBody []byte) (model.DeliveryResult, error)
}

// RunExecutor drives run pipelines, satisfied by *runtime.Executor.
type RunExecutor interface {
	Execute(ctx context.Context, run *model.Run) error
	Rerun(ctx context.Context, original *model.Run) (model.Run, error)
}

// CacheHealth is the cache surface the health endpoint consumes.
type CacheHealth interface {
	Ping(ctx context.Context) error
	WaitingCount(ctx context.Context) (int64, error)
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	cache               CacheHealth
	jwtMgr              *auth.JWTManager
	ingestor            EventIngestor
	executor            RunExecutor
	compiler            collab.Compiler
	exprCheck           func(string) error
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Cache, Broker.
type HandlersDeps struct {
	Store               Store
	Cache               CacheHealth
	JWTMgr              *auth.JWTManager
	Ingestor            EventIngestor
	Executor            RunExecutor
	Compiler            collab.Compiler
	ExprCheck           func(string) error
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		cache:               d.Cache,
		jwtMgr:              d.JWTMgr,
		ingestor:            d.Ingestor,
		executor:            d.Executor,
		compiler:            d.Compiler,
		exprCheck:           d.ExprCheck,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges a user ID and API
// key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		// Burn comparable time so lookups can't distinguish unknown users
		// from wrong keys.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE). Streams run status
// updates for the caller's own runs; admins receive all runs.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (run update broker not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	claims := ClaimsFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	all := model.RoleAtLeast(claims.Role, model.RoleAdmin)
	ch := h.broker.Subscribe(claims.UserID(), all)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			resp.Redis = "disconnected"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		} else {
			resp.Redis = "connected"
			if n, err := h.cache.WaitingCount(r.Context()); err == nil {
				resp.WaitingRuns = n
			}
		}
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parsePathID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// canAccess reports whether the caller may read a resource owned by owner.
// Admins see everything; everyone else only their own.
func canAccess(claims *auth.Claims, owner uuid.UUID) bool {
	if claims == nil {
		return false
	}
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	return claims.UserID() == owner
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

// maxQueryOffset prevents absurdly large offset values that cause expensive
// sequential scans.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
