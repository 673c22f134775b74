// Package handlers implements HTTP request handlers for the tridx status API.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dwsmith1983/tridx/internal/status"
	"github.com/dwsmith1983/tridx/internal/store"
)

// Handlers serves read-only views of the store.
type Handlers struct {
	store  store.Store
	quotas []status.QuotaReporter
	logger *slog.Logger
}

// New creates the handlers. quotas may be empty, in which case status reports
// no provider headroom.
func New(s store.Store, quotas []status.QuotaReporter, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: s, quotas: quotas, logger: logger}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encoding response", "error", err)
	}
}

// writeError answers with msg only; err stays in the log, keyed by request ID.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, code int, msg string, err error) {
	if err != nil {
		h.logger.Error(msg, "requestId", middleware.GetReqID(r.Context()), "status", code, "error", err)
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
