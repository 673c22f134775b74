// Package ingest fetches raw prices from every configured provider for the
// trading days that still need them, stores them under the not-worse rule,
// and reconciles the keys that changed.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/internal/reconcile"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Fetcher is a budgeted provider.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, needs []quota.Need, days []time.Time) (provider.Result, error)
}

// Options selects what to ingest. At most one of Range and Date is set; with
// neither, the window runs from the next missing trading day to the calendar max.
type Options struct {
	Range types.DateRange
	Date  time.Time
	// MissingOnly skips keys that already have a canonical row.
	MissingOnly bool
	// Tickers overrides the universe.
	Tickers []string
	// Provider restricts ingestion to one provider.
	Provider string
}

// ProviderSummary reports one provider's share of a run.
type ProviderSummary struct {
	Name            string
	CallsUsed       int
	Rows            int
	Changed         int
	Failed          []string
	Deferred        []string
	BudgetExhausted bool
}

// Result summarises an ingestion run.
type Result struct {
	Window          types.DateRange
	Days            int
	Providers       []ProviderSummary
	Reconciled      reconcile.Result
	BudgetExhausted bool
}

// CallsUsed is the total number of provider calls charged.
func (r Result) CallsUsed() int {
	n := 0
	for _, p := range r.Providers {
		n += p.CallsUsed
	}
	return n
}

// Ingestor runs ingestion across providers.
type Ingestor struct {
	store      store.Store
	fetchers   []Fetcher
	reconciler *reconcile.Reconciler
	extra      []string
	logger     *slog.Logger
}

// New creates an Ingestor. extra lists tickers ingested alongside the universe;
// settings configure the reconciler that derives canonical rows.
func New(s store.Store, fetchers []Fetcher, extra []string, logger *slog.Logger, settings ...reconcile.Setting) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:      s,
		fetchers:   fetchers,
		reconciler: reconcile.New(s, logger, settings...),
		extra:      extra,
		logger:     logger,
	}
}

// Window resolves the trading days opts covers.
func (i *Ingestor) Window(ctx context.Context, opts Options) (types.DateRange, []time.Time, error) {
	var r types.DateRange
	switch {
	case !opts.Date.IsZero():
		r = types.DateRange{Start: types.Day(opts.Date), End: types.Day(opts.Date)}
	case !opts.Range.Start.IsZero() || !opts.Range.End.IsZero():
		r = opts.Range
	default:
		maxes, err := i.store.TableMaxDates(ctx)
		if err != nil {
			return r, nil, fmt.Errorf("reading table max dates: %w", err)
		}
		if maxes.Calendar.IsZero() {
			return r, nil, nil
		}
		r = types.DateRange{Start: NextMissingDay(maxes), End: maxes.Calendar}
	}

	days, err := i.store.ListTradingDays(ctx, r)
	if err != nil {
		return r, nil, fmt.Errorf("listing trading days: %w", err)
	}
	if len(days) == 0 {
		return types.DateRange{}, nil, nil
	}
	return types.DateRange{Start: days[0], End: days[len(days)-1]}, days, nil
}

// NextMissingDay is the first day not yet covered by both canonical prices and
// index levels. Days held back from calculation are retried until they are.
// The zero time means from the start of the calendar.
func NextMissingDay(maxes types.TableMaxDates) time.Time {
	from := maxes.Canonical
	if maxes.Levels.Before(from) {
		from = maxes.Levels
	}
	if from.IsZero() {
		return time.Time{}
	}
	return from.AddDate(0, 0, 1)
}

// Needs computes the per-ticker date ranges still required over days.
func (i *Ingestor) Needs(ctx context.Context, sched *universe.Schedule, days []time.Time, opts Options) ([]quota.Need, error) {
	if len(days) == 0 {
		return nil, nil
	}
	window := types.DateRange{Start: days[0], End: days[len(days)-1]}

	active := make(map[string]types.DateRange)
	if len(opts.Tickers) > 0 {
		for _, t := range opts.Tickers {
			active[t] = window
		}
	} else {
		active = sched.Active(days)
		for _, t := range i.extra {
			active[t] = window
		}
	}

	tickers := make([]string, 0, len(active))
	for t := range active {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	if !opts.MissingOnly {
		needs := make([]quota.Need, 0, len(tickers))
		for _, t := range tickers {
			needs = append(needs, quota.Need{Ticker: t, Range: active[t]})
		}
		return needs, nil
	}

	have, err := i.store.ListCanonical(ctx, tickers, window)
	if err != nil {
		return nil, fmt.Errorf("listing canonical rows: %w", err)
	}
	present := make(map[types.PriceKey]bool, len(have))
	for _, c := range have {
		present[types.PriceKey{Ticker: c.Ticker, TradeDate: c.TradeDate}] = true
	}

	var needs []quota.Need
	for _, t := range tickers {
		var missing types.DateRange
		for _, d := range days {
			if !active[t].Contains(d) || present[types.PriceKey{Ticker: t, TradeDate: d}] {
				continue
			}
			if missing.Start.IsZero() {
				missing.Start = d
			}
			missing.End = d
		}
		if !missing.Empty() {
			needs = append(needs, quota.Need{Ticker: t, Range: missing})
		}
	}
	return needs, nil
}

// Run ingests opts' window. Providers are fetched concurrently, each against its
// own quota; reconciliation runs once all raw rows are stored.
func (i *Ingestor) Run(ctx context.Context, opts Options) (Result, error) {
	window, days, err := i.Window(ctx, opts)
	res := Result{Window: window, Days: len(days)}
	if err != nil || len(days) == 0 {
		return res, err
	}

	sched, err := universe.Load(ctx, i.store)
	if err != nil {
		return res, err
	}
	needs, err := i.Needs(ctx, sched, days, opts)
	if err != nil {
		return res, err
	}
	if len(needs) == 0 {
		i.logger.Info("nothing to ingest", "window", window.String())
		return res, nil
	}

	var (
		mu      sync.Mutex
		changed = make(map[types.PriceKey]bool)
	)
	summaries := make([]ProviderSummary, 0, len(i.fetchers))
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range i.fetchers {
		if opts.Provider != "" && f.Name() != opts.Provider {
			continue
		}
		f := f
		g.Go(func() error {
			fetched, err := f.Fetch(gctx, needs, days)
			if err != nil {
				return err
			}
			keys, err := i.store.UpsertRaw(gctx, fetched.Rows)
			if err != nil {
				return fmt.Errorf("storing raw rows from %s: %w", f.Name(), err)
			}
			metrics.RawRowsWritten.Add(int64(len(keys)))

			mu.Lock()
			defer mu.Unlock()
			for _, k := range keys {
				changed[k] = true
			}
			summaries = append(summaries, ProviderSummary{
				Name:            f.Name(),
				CallsUsed:       fetched.CallsUsed,
				Rows:            len(fetched.Rows),
				Changed:         len(keys),
				Failed:          fetched.Failed,
				Deferred:        fetched.Deferred,
				BudgetExhausted: fetched.BudgetExhausted,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	sort.Slice(summaries, func(a, b int) bool { return summaries[a].Name < summaries[b].Name })
	res.Providers = summaries
	for _, s := range summaries {
		if s.BudgetExhausted {
			res.BudgetExhausted = true
		}
		i.logger.Info("provider ingested", "provider", s.Name, "calls", s.CallsUsed, "rows", s.Rows,
			"changed", s.Changed, "failed", len(s.Failed), "deferred", len(s.Deferred))
	}

	keys := make([]types.PriceKey, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	res.Reconciled, err = i.reconciler.Keys(ctx, keys, reconcile.Options{})
	if err != nil {
		return res, fmt.Errorf("reconciling: %w", err)
	}
	i.logger.Info("ingestion finished", "window", window.String(), "examined", res.Reconciled.Examined,
		"written", res.Reconciled.Written, "unresolved", len(res.Reconciled.Unresolved))
	return res, nil
}
