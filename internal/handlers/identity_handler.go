package handlers

import (
	"log/slog"
	"net/http"

	"github.com/agoramesh/backend/internal/identity"
)

// IdentityHandler serves /identity endpoints.
type IdentityHandler struct {
	Identity identity.Adapter
	Logger   *slog.Logger
}

// Lookup handles GET /identity/lookup/{handle}: a passthrough resolution of
// the handle on the identity backend.
func (h *IdentityHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	if handle == "" {
		http.Error(w, `{"error":"handle is required"}`, http.StatusBadRequest)
		return
	}
	record, err := h.Identity.Lookup(r.Context(), handle)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
