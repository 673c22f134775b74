// Package impute fills gaps in the canonical prices of active constituents by
// carrying the most recent prior price forward. The result is an in-memory
// overlay consumed by the calculator; canonical rows are never touched.
package impute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// ErrNoPriceHistory means a constituent has no canonical price on or before the day it is needed.
var ErrNoPriceHistory = errors.New("no price history")

// DataError identifies the ticker and day that could not be priced.
type DataError struct {
	Ticker string
	Date   time.Time
	Err    error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Ticker, types.FormatDate(e.Date), e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// Price is an imputed price and the trade date it was carried from.
type Price struct {
	Value float64
	From  time.Time
}

// Overlay holds imputed prices keyed by ticker and day.
type Overlay struct {
	prices map[types.PriceKey]Price
	perDay map[time.Time]int
	// Through is the last day the overlay is complete for. Zero means no day.
	Through time.Time
}

func newOverlay() *Overlay {
	return &Overlay{prices: make(map[types.PriceKey]Price), perDay: make(map[time.Time]int)}
}

// Lookup returns the imputed price for ticker on day.
func (o *Overlay) Lookup(ticker string, day time.Time) (Price, bool) {
	if o == nil {
		return Price{}, false
	}
	p, ok := o.prices[types.PriceKey{Ticker: ticker, TradeDate: types.Day(day)}]
	return p, ok
}

// Count returns the number of imputed prices on day.
func (o *Overlay) Count(day time.Time) int {
	if o == nil {
		return 0
	}
	return o.perDay[types.Day(day)]
}

// Len returns the total number of imputed prices.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	return len(o.prices)
}

// Covers reports whether the overlay is complete for day.
func (o *Overlay) Covers(day time.Time) bool {
	return o != nil && !o.Through.IsZero() && !types.Day(day).After(o.Through)
}

// Engine builds overlays from the store.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an Engine.
func New(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger}
}

// Build imputes missing prices for every trading day in r. A ticker is required
// on day t when it is a member on t or on the previous trading day, since its
// return from the previous day feeds the level. On a ticker with no prior
// price Build stops and returns the overlay up to the previous day together
// with a *DataError.
func (e *Engine) Build(ctx context.Context, r types.DateRange) (*Overlay, error) {
	ov := newOverlay()
	days, err := e.store.ListTradingDays(ctx, r)
	if err != nil {
		return ov, fmt.Errorf("listing trading days: %w", err)
	}
	if len(days) == 0 {
		return ov, nil
	}
	sched, err := universe.Load(ctx, e.store)
	if err != nil {
		return ov, err
	}
	prev, err := e.previousDay(ctx, days[0])
	if err != nil {
		return ov, err
	}

	window := types.DateRange{Start: days[0], End: days[len(days)-1]}
	needed := required(sched, prev, days)
	tickers := make([]string, 0, len(needed))
	for t := range needed {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	observed := make(map[time.Time]map[string]Price)
	if len(tickers) > 0 {
		rows, err := e.store.ListCanonical(ctx, tickers, window)
		if err != nil {
			return ov, fmt.Errorf("listing canonical rows: %w", err)
		}
		for _, c := range rows {
			v, ok := c.PriceForCalc()
			if !ok {
				continue
			}
			d := types.Day(c.TradeDate)
			if observed[d] == nil {
				observed[d] = make(map[string]Price)
			}
			observed[d][c.Ticker] = Price{Value: v, From: d}
		}
	}

	// last holds each ticker's most recent price up to the day being processed.
	last := make(map[string]Price)
	for _, day := range days {
		for t, p := range observed[day] {
			last[t] = p
		}
		for _, t := range union(sched.Tickers(prev), sched.Tickers(day)) {
			if _, ok := observed[day][t]; ok {
				continue
			}
			if _, ok := last[t]; !ok {
				if err := e.seed(ctx, t, window.Start, last); err != nil {
					return ov, err
				}
			}
			p, ok := last[t]
			if !ok {
				e.logger.Error("constituent never priced", "ticker", t, "date", types.FormatDate(day))
				return ov, &DataError{Ticker: t, Date: day, Err: ErrNoPriceHistory}
			}
			ov.prices[types.PriceKey{Ticker: t, TradeDate: day}] = p
			ov.perDay[day]++
			e.logger.Debug("price carried forward", "ticker", t, "date", types.FormatDate(day), "from", types.FormatDate(p.From))
		}
		ov.Through = day
		prev = day
	}

	metrics.Imputations.Add(int64(ov.Len()))
	if ov.Len() > 0 {
		e.logger.Info("prices imputed", "count", ov.Len(), "range", window.String())
	}
	return ov, nil
}

// seed loads the latest canonical price before start into last.
func (e *Engine) seed(ctx context.Context, ticker string, start time.Time, last map[string]Price) error {
	rec, err := e.store.LatestCanonicalBefore(ctx, ticker, start)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading prior price of %s: %w", ticker, err)
	}
	if v, ok := rec.PriceForCalc(); ok {
		last[ticker] = Price{Value: v, From: types.Day(rec.TradeDate)}
	}
	return nil
}

// previousDay returns the trading day before day, or zero.
func (e *Engine) previousDay(ctx context.Context, day time.Time) (time.Time, error) {
	before, err := e.store.ListTradingDays(ctx, types.DateRange{End: day.AddDate(0, 0, -1)})
	if err != nil {
		return time.Time{}, fmt.Errorf("listing trading days: %w", err)
	}
	if len(before) == 0 {
		return time.Time{}, nil
	}
	return before[len(before)-1], nil
}

func required(sched *universe.Schedule, prev time.Time, days []time.Time) map[string]bool {
	out := make(map[string]bool)
	for _, t := range sched.Tickers(prev) {
		out[t] = true
	}
	for t := range sched.Active(days) {
		out[t] = true
	}
	return out
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if !set[t] {
				set[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}
