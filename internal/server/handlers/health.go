package handlers

import (
	"errors"
	"net/http"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Health returns the outcome of the last pipeline run. The status is "ok" after
// a successful run, "degraded" after a failed one and "unknown" before any run.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetHealth(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}

	status := "ok"
	if snap.Status != types.JobOK {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"snapshot": snap,
	})
}
