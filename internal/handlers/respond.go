// Package handlers implements the coordinator's REST surface. Handlers
// validate input, run the state-machine step through the task store, and map
// domain errors onto stable HTTP codes. Settlement-side escrow calls never
// happen here; handlers enqueue them (refunds excepted, which run through the
// dispatcher synchronously).
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/models"
)

func nowUTC() time.Time { return time.Now().UTC() }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps a domain error onto its HTTP code. Unclassified errors
// become opaque 500s; the detail goes to the log, not the client.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrDepositorMismatch),
		errors.Is(err, escrow.ErrNotHeld),
		errors.Is(err, escrow.ErrNotCustodial):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrAlreadyAccepted),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, escrow.ErrAlreadyDeposited),
		errors.Is(err, escrow.ErrAlreadySettled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, escrow.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": err.Error()})
	case errors.Is(err, models.ErrBackendUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		logger.Error("unhandled error", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// readBody decodes the request body once so it can be schema-validated and
// then unmarshalled into the typed request.
func readBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, models.ErrValidation
	}
	return raw, nil
}
