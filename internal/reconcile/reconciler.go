package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Reconciler writes canonical rows for changed raw keys.
type Reconciler struct {
	store    store.Store
	logger   *slog.Logger
	now      func() time.Time
	priority map[string]int
}

// Setting configures a Reconciler.
type Setting func(*Reconciler)

// WithPriority sets the provider priorities used when a call's Options carry none.
func WithPriority(p map[string]int) Setting {
	return func(r *Reconciler) { r.priority = p }
}

// New creates a Reconciler. A nil logger falls back to slog.Default().
func New(s store.Store, logger *slog.Logger, settings ...Setting) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{store: s, logger: logger, now: time.Now}
	for _, set := range settings {
		set(r)
	}
	return r
}

// Result summarises one reconciliation pass.
type Result struct {
	Examined int
	Written  int
	// Unresolved lists keys where every provider row is ERROR.
	Unresolved []types.PriceKey
}

// Keys reconciles the given ticker/date keys.
func (r *Reconciler) Keys(ctx context.Context, keys []types.PriceKey, opts Options) (Result, error) {
	if opts.Priority == nil {
		opts.Priority = r.priority
	}
	byTicker := make(map[string][]time.Time)
	for _, k := range keys {
		byTicker[k.Ticker] = append(byTicker[k.Ticker], k.TradeDate)
	}
	tickers := make([]string, 0, len(byTicker))
	for t := range byTicker {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var res Result
	for _, ticker := range tickers {
		dates := byTicker[ticker]
		rng := spanOf(dates)
		rows, err := r.store.ListRaw(ctx, store.RawFilter{Tickers: []string{ticker}, Range: rng})
		if err != nil {
			return res, fmt.Errorf("listing raw rows for %s: %w", ticker, err)
		}
		grouped := groupByDate(rows)
		for _, d := range uniqueDates(dates) {
			if err := r.one(ctx, types.PriceKey{Ticker: ticker, TradeDate: d}, grouped[d], opts, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// Range reconciles every raw key for the tickers (all tickers when empty) inside rng.
func (r *Reconciler) Range(ctx context.Context, tickers []string, rng types.DateRange, opts Options) (Result, error) {
	rows, err := r.store.ListRaw(ctx, store.RawFilter{Tickers: tickers, Range: rng})
	if err != nil {
		return Result{}, fmt.Errorf("listing raw rows: %w", err)
	}
	seen := make(map[types.PriceKey]bool)
	var keys []types.PriceKey
	for _, row := range rows {
		k := types.PriceKey{Ticker: row.Ticker, TradeDate: row.TradeDate}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return r.Keys(ctx, keys, opts)
}

func (r *Reconciler) one(ctx context.Context, key types.PriceKey, rows []types.RawPriceRecord, opts Options, res *Result) error {
	res.Examined++
	existing, err := r.store.GetCanonical(ctx, key.Ticker, key.TradeDate)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading canonical %s: %w", key, err)
	}
	rec, changed := Derive(rows, existing, opts, r.now().UTC())
	if rec == nil {
		res.Unresolved = append(res.Unresolved, key)
		return nil
	}
	if !changed {
		return nil
	}
	if err := r.store.PutCanonical(ctx, *rec); err != nil {
		return fmt.Errorf("writing canonical %s: %w", key, err)
	}
	res.Written++
	metrics.CanonicalWrites.Add(1)
	r.logger.Debug("canonical updated", "ticker", key.Ticker, "date", types.FormatDate(key.TradeDate),
		"source", rec.SourceProvider, "quality", rec.Quality)
	return nil
}

func groupByDate(rows []types.RawPriceRecord) map[time.Time][]types.RawPriceRecord {
	out := make(map[time.Time][]types.RawPriceRecord)
	for _, row := range rows {
		d := types.Day(row.TradeDate)
		out[d] = append(out[d], row)
	}
	return out
}

func uniqueDates(dates []time.Time) []time.Time {
	seen := make(map[time.Time]bool, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		d = types.Day(d)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func spanOf(dates []time.Time) types.DateRange {
	var r types.DateRange
	for _, d := range dates {
		d = types.Day(d)
		if r.Start.IsZero() || d.Before(r.Start) {
			r.Start = d
		}
		if r.End.IsZero() || d.After(r.End) {
			r.End = d
		}
	}
	return r
}
