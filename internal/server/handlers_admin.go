package server

import (
	"net/http"

	"github.com/intentive/reflex/internal/auth"
	"github.com/intentive/reflex/internal/model"
)

// HandleCreateUser handles POST /v1/users (admin only). The supplied API
// key is hashed before storage and never echoed back.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}
	switch req.Role {
	case model.RoleAdmin, model.RoleAuthor, model.RoleReader:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"role must be one of admin, author, reader")
		return
	}
	if len(req.APIKey) < 16 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"api_key must be at least 16 characters")
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	user := model.User{
		Name:       req.Name,
		Role:       req.Role,
		APIKeyHash: hash,
	}
	if err := h.store.CreateUser(r.Context(), &user); err != nil {
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "role", user.Role)
	writeJSON(w, r, http.StatusCreated, user)
}

// HandleListUsers handles GET /v1/users (admin only).
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list users", err)
		return
	}
	writeJSON(w, r, http.StatusOK, users)
}

// HandleUpsertConnection handles PUT /v1/connections. Registers or rotates
// a provider connection owned by the caller so its webhook deliveries can
// be attributed and signature-verified.
func (h *Handlers) HandleUpsertConnection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.UpsertConnectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ID == "" || req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id and provider are required")
		return
	}

	conn := model.Connection{
		ID:       req.ID,
		Provider: req.Provider,
		UserID:   claims.UserID(),
		Secret:   req.Secret,
	}
	if err := h.store.UpsertConnection(r.Context(), &conn); err != nil {
		h.writeInternalError(w, r, "failed to upsert connection", err)
		return
	}

	h.logger.Info("connection upserted", "connection_id", conn.ID, "provider", conn.Provider)
	writeJSON(w, r, http.StatusOK, conn)
}

// HandleListConnections handles GET /v1/connections.
func (h *Handlers) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	conns, err := h.store.ListConnectionsByUser(r.Context(), claims.UserID())
	if err != nil {
		h.writeInternalError(w, r, "failed to list connections", err)
		return
	}
	writeJSON(w, r, http.StatusOK, conns)
}
