package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/tridx/internal/status"
	"github.com/dwsmith1983/tridx/pkg/types"
)

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Status returns table max dates, the health snapshot, recent runs and quota headroom.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	rep, err := status.Collect(r.Context(), h.store, h.quotas, 5)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to collect status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// ListJobRuns returns the most recent job runs, newest first.
func (h *Handlers) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		h.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer", nil)
		return
	}
	runs, err := h.store.ListJobRuns(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to list job runs", err)
		return
	}
	if runs == nil {
		runs = []types.JobRun{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// LatestLevel returns the most recent index level with its statistics.
func (h *Handlers) LatestLevel(w http.ResponseWriter, r *http.Request) {
	level, stats, err := status.Latest(r.Context(), h.store)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to read latest level", err)
		return
	}
	if level == nil {
		h.writeError(w, r, http.StatusNotFound, "no levels calculated", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"level": level,
		"stats": stats,
	})
}

// ListLevels returns index levels between the optional start and end dates.
func (h *Handlers) ListLevels(w http.ResponseWriter, r *http.Request) {
	var rng types.DateRange
	for name, dst := range map[string]*time.Time{"start": &rng.Start, "end": &rng.End} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		d, err := types.ParseDate(v)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid "+name+" date", nil)
			return
		}
		*dst = d
	}
	if !rng.Start.IsZero() && !rng.End.IsZero() && rng.End.Before(rng.Start) {
		h.writeError(w, r, http.StatusBadRequest, "end before start", nil)
		return
	}
	levels, err := h.store.ListLevels(r.Context(), rng)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to list levels", err)
		return
	}
	if levels == nil {
		levels = []types.IndexLevel{}
	}
	h.writeJSON(w, http.StatusOK, levels)
}

// GetConstituents returns the constituent rows of one trade date.
func (h *Handlers) GetConstituents(w http.ResponseWriter, r *http.Request) {
	day, err := types.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid date", nil)
		return
	}
	rows, err := h.store.ListConstituents(r.Context(), day)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "failed to list constituents", err)
		return
	}
	if len(rows) == 0 {
		h.writeError(w, r, http.StatusNotFound, "no constituents for date", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

func parseLimit(v string) (int, bool) {
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxLimit), true
}
