package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/intentive/reflex/internal/ingest"
	"github.com/intentive/reflex/internal/model"
)

// HandleWebhook handles POST /v1/webhooks/{provider}. Authentication is
// per-connection (HMAC signature over the raw body), not JWT. The delivery
// is shaped synchronously but matching and execution run off the event
// channel, so providers get their 2xx quickly.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider is required")
		return
	}

	// The signature covers the raw bytes, so read before decoding.
	body := r.Body
	if h.maxRequestBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var delivery model.Delivery
	if err := json.Unmarshal(raw, &delivery); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid delivery body: "+err.Error())
		return
	}
	delivery.Provider = provider
	delivery.Signature = r.Header.Get("X-Reflex-Signature")

	if delivery.ConnectionID == "" || delivery.ActivityID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"connection_id and activity_id are required")
		return
	}

	result, err := h.ingestor.HandleDelivery(r.Context(), &delivery, raw)
	if err != nil {
		if errors.Is(err, ingest.ErrBadSignature) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid delivery signature")
			return
		}
		h.writeInternalError(w, r, "failed to ingest delivery", err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		// Redelivery of a claimed delivery: acknowledged, nothing produced.
		status = http.StatusOK
	}
	writeJSON(w, r, status, result)
}
