package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/storage"
)

// HandleCreateUnit handles POST /v1/units. Accepts either raw when/if/then
// text, which is sent through the rule compiler, or a pre-structured
// candidate. Both paths go through the same validation gate before
// anything is persisted: compiler output is never trusted unchecked.
func (h *Handlers) HandleCreateUnit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateUnitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if (req.RawText == "") == (req.Structured == nil) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"exactly one of raw_text and structured is required")
		return
	}
	if len(req.RawText) > model.MaxRawTextLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "raw_text too long")
		return
	}

	userID := claims.UserID()

	var candidate model.UnitCandidate
	if req.RawText != "" {
		compiled, err := h.compiler.Compile(r.Context(), req.RawText, userID)
		if err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput,
				"rule compilation failed: "+err.Error())
			return
		}
		candidate = compiled
	} else {
		candidate = *req.Structured
	}

	name := req.Name
	if name == "" {
		name = candidate.Name
	}

	unit := model.Unit{
		ID:         uuid.New(),
		UserID:     userID,
		Name:       name,
		RawText:    req.RawText,
		Trigger:    candidate.Trigger,
		Conditions: candidate.Conditions,
		Actions:    candidate.Actions,
		Status:     model.UnitStatusActive,
	}
	if err := unit.Validate(h.exprCheck); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.store.CreateUnit(r.Context(), &unit); err != nil {
		h.writeInternalError(w, r, "failed to create unit", err)
		return
	}

	h.logger.Info("unit created",
		"unit_id", unit.ID,
		"user_id", userID,
		"trigger_kind", unit.Trigger.Kind,
		"actions", len(unit.Actions),
	)
	writeJSON(w, r, http.StatusCreated, unit)
}

// HandleListUnits handles GET /v1/units.
func (h *Handlers) HandleListUnits(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	units, total, err := h.store.ListUnitsByUser(r.Context(), claims.UserID(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list units", err)
		return
	}
	writeList(w, r, units, total, limit, offset)
}

// HandleGetUnit handles GET /v1/units/{unit_id}.
func (h *Handlers) HandleGetUnit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parsePathID(r, "unit_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	unit, err := h.store.GetUnit(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unit not found")
			return
		}
		h.writeInternalError(w, r, "failed to get unit", err)
		return
	}
	// Hide other users' units rather than confirming they exist.
	if !canAccess(claims, unit.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unit not found")
		return
	}
	writeJSON(w, r, http.StatusOK, unit)
}

// HandleUpdateUnitStatus handles PATCH /v1/units/{unit_id}/status.
// Transitions between active, paused and disabled take effect on the next
// match attempt; in-flight runs are never touched.
func (h *Handlers) HandleUpdateUnitStatus(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parsePathID(r, "unit_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateUnitStatusRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !model.ValidUnitStatus(req.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"status must be one of active, paused, disabled")
		return
	}

	unit, err := h.store.GetUnit(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unit not found")
			return
		}
		h.writeInternalError(w, r, "failed to get unit", err)
		return
	}
	if !canAccess(claims, unit.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unit not found")
		return
	}

	if err := h.store.UpdateUnitStatus(r.Context(), id, req.Status); err != nil {
		h.writeInternalError(w, r, "failed to update unit status", err)
		return
	}

	h.logger.Info("unit status updated", "unit_id", id, "status", req.Status)
	unit.Status = req.Status
	writeJSON(w, r, http.StatusOK, unit)
}
