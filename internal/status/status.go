// Package status gathers the operator view of the pipeline: table max dates,
// the health snapshot, recent job runs, quota headroom and the latest level.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// QuotaReporter reports a provider's remaining calls.
type QuotaReporter interface {
	Name() string
	Remaining(ctx context.Context) (int, error)
}

// Quota is one provider's headroom.
type Quota struct {
	Provider  string `json:"provider"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// Report is the full status view.
type Report struct {
	MaxDates types.TableMaxDates   `json:"maxDates"`
	Health   *types.HealthSnapshot `json:"health,omitempty"`
	JobRuns  []types.JobRun        `json:"jobRuns"`
	Quotas   []Quota               `json:"quotas,omitempty"`
	Latest   *types.IndexLevel     `json:"latest,omitempty"`
	Stats    *types.StatsDaily     `json:"stats,omitempty"`
}

// Collect builds a Report. A missing health snapshot or level is not an error.
func Collect(ctx context.Context, s store.Store, quotas []QuotaReporter, runs int) (*Report, error) {
	maxes, err := s.TableMaxDates(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading table max dates: %w", err)
	}
	rep := &Report{MaxDates: maxes}

	health, err := s.GetHealth(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("reading health snapshot: %w", err)
	default:
		rep.Health = health
	}

	rep.JobRuns, err = s.ListJobRuns(ctx, runs)
	if err != nil {
		return nil, fmt.Errorf("listing job runs: %w", err)
	}

	for _, q := range quotas {
		n, err := q.Remaining(ctx)
		entry := Quota{Provider: q.Name(), Remaining: n}
		if err != nil {
			entry.Error = err.Error()
		}
		rep.Quotas = append(rep.Quotas, entry)
	}

	rep.Latest, rep.Stats, err = Latest(ctx, s)
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Latest returns the most recent index level and its statistics, or nils
// when nothing has been calculated.
func Latest(ctx context.Context, s store.Store) (*types.IndexLevel, *types.StatsDaily, error) {
	maxes, err := s.TableMaxDates(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("reading table max dates: %w", err)
	}
	if maxes.Levels.IsZero() {
		return nil, nil, nil
	}
	levels, err := s.RecentLevels(ctx, maxes.Levels, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest level: %w", err)
	}
	if len(levels) == 0 {
		return nil, nil, nil
	}
	level := levels[0]
	stats, err := s.GetStats(ctx, level.TradeDate)
	if errors.Is(err, store.ErrNotFound) {
		return &level, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading stats for %s: %w", types.FormatDate(level.TradeDate), err)
	}
	return &level, stats, nil
}
