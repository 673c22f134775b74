// Package completeness checks that every trading day has canonical prices for
// enough of the index universe before the calculation is allowed to use it.
// The verifier only reads; it never writes price data.
package completeness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Options controls a verification. Zero range bounds are open.
type Options struct {
	Range            types.DateRange
	MinDailyCoverage float64
	MaxBadDays       int
	// Tickers restricts the expected set.
	Tickers []string
}

// DayReport is the coverage of one trading day.
type DayReport struct {
	Date     time.Time `json:"date"`
	Expected int       `json:"expected"`
	Present  int       `json:"present"`
	Coverage float64   `json:"coverage"`
	Missing  []string  `json:"missing,omitempty"`
	Bad      bool      `json:"bad"`
}

// Report is the outcome of a verification.
type Report struct {
	Range            types.DateRange `json:"range"`
	MinDailyCoverage float64         `json:"minDailyCoverage"`
	MaxBadDays       int             `json:"maxBadDays"`
	Days             []DayReport     `json:"days"`
	BadDays          []time.Time     `json:"badDays,omitempty"`
	Passed           bool            `json:"passed"`
}

// FirstBadDay returns the earliest flagged day, or zero.
func (r *Report) FirstBadDay() time.Time {
	if len(r.BadDays) == 0 {
		return time.Time{}
	}
	return r.BadDays[0]
}

// Blocks reports whether day may not be calculated because of this report.
// A passing report blocks nothing; a failing one blocks its first bad day and
// everything after.
func (r *Report) Blocks(day time.Time) bool {
	if r == nil || r.Passed || len(r.BadDays) == 0 {
		return false
	}
	return !types.Day(day).Before(r.FirstBadDay())
}

// MissingByDate maps each flagged date to its missing tickers.
func (r *Report) MissingByDate() map[string][]string {
	out := make(map[string][]string, len(r.BadDays))
	for _, d := range r.Days {
		if d.Bad {
			out[types.FormatDate(d.Date)] = d.Missing
		}
	}
	return out
}

// Notifier receives an alert when a verification fails.
type Notifier interface {
	Dispatch(ctx context.Context, a types.Alert)
}

// Verifier computes coverage reports.
type Verifier struct {
	store    store.Store
	notifier Notifier
	job      string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Verifier. notifier may be nil.
func New(s store.Store, notifier Notifier, job string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{store: s, notifier: notifier, job: job, logger: logger, now: time.Now}
}

// Verify builds the coverage report for opts without notifying anyone.
func (v *Verifier) Verify(ctx context.Context, opts Options) (*Report, error) {
	rep := &Report{
		Range:            opts.Range,
		MinDailyCoverage: opts.MinDailyCoverage,
		MaxBadDays:       opts.MaxBadDays,
		Passed:           true,
	}

	days, err := v.store.ListTradingDays(ctx, opts.Range)
	if err != nil {
		return nil, fmt.Errorf("listing trading days: %w", err)
	}
	if len(days) == 0 {
		return rep, nil
	}
	sched, err := universe.Load(ctx, v.store)
	if err != nil {
		return nil, err
	}

	window := types.DateRange{Start: days[0], End: days[len(days)-1]}
	tickers := universe.Filter(tickerUnion(sched, days), opts.Tickers)
	present := make(map[types.PriceKey]bool)
	if len(tickers) > 0 {
		rows, err := v.store.ListCanonical(ctx, tickers, window)
		if err != nil {
			return nil, fmt.Errorf("listing canonical rows: %w", err)
		}
		for _, c := range rows {
			if _, ok := c.PriceForCalc(); ok {
				present[types.PriceKey{Ticker: c.Ticker, TradeDate: types.Day(c.TradeDate)}] = true
			}
		}
	}

	for _, d := range days {
		expected := universe.Filter(sched.Tickers(d), opts.Tickers)
		if len(expected) == 0 {
			continue
		}
		dr := DayReport{Date: d, Expected: len(expected)}
		for _, t := range expected {
			if present[types.PriceKey{Ticker: t, TradeDate: d}] {
				dr.Present++
			} else {
				dr.Missing = append(dr.Missing, t)
			}
		}
		dr.Coverage = float64(dr.Present) / float64(dr.Expected)
		if dr.Coverage < opts.MinDailyCoverage {
			dr.Bad = true
			rep.BadDays = append(rep.BadDays, d)
		}
		rep.Days = append(rep.Days, dr)
	}
	rep.Passed = len(rep.BadDays) <= opts.MaxBadDays
	return rep, nil
}

// Check verifies opts and, when the report fails, records the incomplete days
// and sends an alert.
func (v *Verifier) Check(ctx context.Context, opts Options) (*Report, error) {
	rep, err := v.Verify(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, d := range rep.Days {
		if d.Bad {
			v.logger.Warn("coverage below minimum", "date", types.FormatDate(d.Date),
				"present", d.Present, "expected", d.Expected, "missing", d.Missing)
		}
	}
	if rep.Passed {
		v.logger.Info("completeness passed", "days", len(rep.Days), "badDays", len(rep.BadDays))
		return rep, nil
	}

	metrics.IncompleteDays.Add(int64(len(rep.BadDays)))
	v.logger.Error("completeness failed", "badDays", len(rep.BadDays), "maxBadDays", opts.MaxBadDays,
		"firstBadDay", types.FormatDate(rep.FirstBadDay()))
	if v.notifier != nil {
		v.notifier.Dispatch(ctx, types.Alert{
			Level:   types.AlertLevelError,
			Job:     v.job,
			Message: fmt.Sprintf("%d trading days below %.4g coverage (allowed %d)", len(rep.BadDays), opts.MinDailyCoverage, opts.MaxBadDays),
			Details: map[string]interface{}{
				"firstBadDay": types.FormatDate(rep.FirstBadDay()),
				"missing":     rep.MissingByDate(),
			},
			Timestamp: v.now().UTC(),
		})
	}
	return rep, nil
}

func tickerUnion(sched *universe.Schedule, days []time.Time) []string {
	active := sched.Active(days)
	out := make([]string, 0, len(active))
	for t := range active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
