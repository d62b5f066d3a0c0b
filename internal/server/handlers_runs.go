package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intentive/reflex/internal/model"
	"github.com/intentive/reflex/internal/storage"
)

// HandleListRuns handles GET /v1/runs. An optional unit_id query parameter
// narrows the listing to that unit's runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	if raw := r.URL.Query().Get("unit_id"); raw != "" {
		unitID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid unit_id: "+raw)
			return
		}
		unit, err := h.store.GetUnit(r.Context(), unitID)
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
		runs, total, err := h.store.ListRunsByUnit(r.Context(), unitID, limit, offset)
		if err != nil {
			h.writeInternalError(w, r, "failed to list runs", err)
			return
		}
		writeList(w, r, runs, total, limit, offset)
		return
	}

	runs, total, err := h.store.ListRunsByUser(r.Context(), claims.UserID(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}. Returns the run together
// with its full step audit log.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parsePathID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	if !canAccess(claims, run.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	steps, err := h.store.ListRunSteps(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to list run steps", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Steps: steps})
}

// HandleRerunRun handles POST /v1/runs/{run_id}/rerun. Creates a brand-new
// run from the original's trigger payload; the original run, terminal or
// not, is never mutated. Execution happens in the background and the new
// pending run is returned immediately.
func (h *Handlers) HandleRerunRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parsePathID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	original, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}
	if !canAccess(claims, original.UserID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	rerun, err := h.executor.Rerun(r.Context(), &original)
	if err != nil {
		h.writeInternalError(w, r, "failed to create rerun", err)
		return
	}

	// Execute detached from the request lifetime.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		run := rerun
		if err := h.executor.Execute(ctx, &run); err != nil {
			h.logger.Error("rerun execution failed", "run_id", run.ID, "error", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, rerun)
}
