// Package calc turns canonical prices and the rebalance schedule into the
// total-return index: constituent weights, per-constituent contributions, the
// chained level and its daily statistics.
package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// WeightTolerance bounds |Σ weights − 1| for a calculated day.
const WeightTolerance = 1e-6

var (
	// ErrMissingPrice means a required constituent had neither a canonical nor an imputed price.
	ErrMissingPrice = errors.New("missing price")
	// ErrHistoryGap means trading days exist between the last stored level and the next day to calculate.
	ErrHistoryGap = errors.New("level history gap")
)

// Options selects the days to calculate.
type Options struct {
	// Range bounds the calculation; zero bounds are open. Days already holding a
	// level are skipped unless Rebuild is set.
	Range types.DateRange
	// Rebuild deletes every calculated row from Range.Start on and recomputes
	// through the last trading day (or Through). Range.End is ignored since
	// nothing after a rebuilt day may keep its old level.
	Rebuild bool
	// Overlay supplies imputed prices.
	Overlay *impute.Overlay
	// Through is the last day that may be calculated. Zero means no limit.
	Through time.Time
}

// Result summarises a calculation run.
type Result struct {
	Range      types.DateRange
	Calculated int
	Skipped    int
	Imputed    int
	Last       types.IndexLevel
}

// Calculator computes and stores index days.
type Calculator struct {
	store     store.Store
	baseLevel float64
	baseDate  time.Time
	weighting types.WeightingBasis
	vol       types.VolAnnualization
	logger    *slog.Logger
}

// New creates a Calculator for the configured index.
func New(s store.Store, cfg types.IndexConfig, logger *slog.Logger) (*Calculator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Calculator{
		store:     s,
		baseLevel: cfg.BaseLevel,
		weighting: cfg.Weighting,
		vol:       cfg.VolAnnualization,
		logger:    logger.With("index", cfg.Name),
	}
	if c.baseLevel <= 0 {
		c.baseLevel = config.DefaultBaseLevel
	}
	if c.weighting == "" {
		c.weighting = types.WeightMarketValue
	}
	if cfg.BaseDate != "" {
		d, err := types.ParseDate(cfg.BaseDate)
		if err != nil {
			return nil, fmt.Errorf("index baseDate: %w", err)
		}
		c.baseDate = d
	}
	return c, nil
}

// Pending returns the trading days after the last stored level.
func (c *Calculator) Pending(ctx context.Context) (types.DateRange, []time.Time, error) {
	return c.window(ctx, Options{})
}

// Window returns the span of trading days Run would calculate for opts, so
// callers can build the imputation overlay first. For a rebuild it covers
// Range.Start through the last trading day regardless of stored levels.
func (c *Calculator) Window(ctx context.Context, opts Options) (types.DateRange, error) {
	r, _, err := c.window(ctx, opts)
	return r, err
}

func (c *Calculator) window(ctx context.Context, opts Options) (types.DateRange, []time.Time, error) {
	r := opts.Range
	if opts.Rebuild {
		r.End = time.Time{}
	} else {
		maxes, err := c.store.TableMaxDates(ctx)
		if err != nil {
			return types.DateRange{}, nil, fmt.Errorf("reading table max dates: %w", err)
		}
		if !maxes.Levels.IsZero() && !r.Start.After(maxes.Levels) {
			r.Start = maxes.Levels.AddDate(0, 0, 1)
		}
	}
	if !opts.Through.IsZero() && (r.End.IsZero() || opts.Through.Before(r.End)) {
		r.End = types.Day(opts.Through)
	}
	days, err := c.store.ListTradingDays(ctx, r)
	if err != nil {
		return r, nil, fmt.Errorf("listing trading days: %w", err)
	}
	if len(days) == 0 {
		return types.DateRange{}, nil, nil
	}
	return types.DateRange{Start: days[0], End: days[len(days)-1]}, days, nil
}

// Run calculates the days selected by opts in ascending order. Each day is
// written atomically; on error the days already written stay.
func (c *Calculator) Run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if opts.Rebuild {
		if opts.Range.Start.IsZero() {
			return res, fmt.Errorf("rebuild requires a start date")
		}
		if err := c.store.DeleteCalcFrom(ctx, opts.Range.Start); err != nil {
			return res, fmt.Errorf("deleting calculated rows from %s: %w", types.FormatDate(opts.Range.Start), err)
		}
		c.logger.Info("calculated rows deleted for rebuild", "from", types.FormatDate(opts.Range.Start))
	}

	r, days, err := c.window(ctx, opts)
	res.Range = r
	if err != nil || len(days) == 0 {
		return res, err
	}
	sched, err := universe.Load(ctx, c.store)
	if err != nil {
		return res, err
	}

	st, err := c.loadState(ctx, days[0])
	if err != nil {
		return res, err
	}
	prices, err := c.loadPrices(ctx, sched, days, st.prev)
	if err != nil {
		return res, err
	}

	for _, day := range days {
		rebDate, members, ok := sched.On(day)
		if !ok || day.Before(c.baseDate) {
			res.Skipped++
			continue
		}
		cd, imputed, err := c.computeDay(day, rebDate, members, st, prices, opts.Overlay)
		if err != nil {
			return res, err
		}
		if err := c.store.WriteCalcDay(ctx, cd); err != nil {
			return res, fmt.Errorf("writing %s: %w", types.FormatDate(day), err)
		}
		metrics.LevelsWritten.Add(1)
		c.logger.Debug("day calculated", "date", types.FormatDate(day), "level", cd.Level.LevelTR,
			"constituents", len(cd.Constituents), "imputed", imputed)

		st.prev = cd.Constituents
		st.levels = append(st.levels, cd.Level.LevelTR)
		if len(st.levels) > drawdownWindow {
			st.levels = st.levels[len(st.levels)-drawdownWindow:]
		}
		res.Calculated++
		res.Imputed += imputed
		res.Last = cd.Level
	}

	c.logger.Info("calculation finished", "range", r.String(), "calculated", res.Calculated,
		"skipped", res.Skipped, "imputed", res.Imputed, "level", res.Last.LevelTR)
	return res, nil
}

// state is the chain carried from one day to the next.
type state struct {
	prev   []types.ConstituentDaily
	levels []float64
}

func (c *Calculator) loadState(ctx context.Context, first time.Time) (*state, error) {
	hist, err := c.store.RecentLevels(ctx, first.AddDate(0, 0, -1), drawdownWindow)
	if err != nil {
		return nil, fmt.Errorf("reading level history: %w", err)
	}
	st := &state{levels: make([]float64, 0, len(hist)+1)}
	if len(hist) == 0 {
		return st, nil
	}
	last := hist[len(hist)-1].TradeDate
	between, err := c.store.ListTradingDays(ctx, types.DateRange{Start: last.AddDate(0, 0, 1), End: first.AddDate(0, 0, -1)})
	if err != nil {
		return nil, fmt.Errorf("listing trading days: %w", err)
	}
	if len(between) > 0 {
		return nil, fmt.Errorf("%w: no level for %s", ErrHistoryGap, types.FormatDate(between[0]))
	}
	for _, l := range hist {
		st.levels = append(st.levels, l.LevelTR)
	}
	st.prev, err = c.store.ListConstituents(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("reading constituents of %s: %w", types.FormatDate(last), err)
	}
	return st, nil
}

// loadPrices reads the canonical calculation price of every ticker the days need.
func (c *Calculator) loadPrices(ctx context.Context, sched *universe.Schedule, days []time.Time, prev []types.ConstituentDaily) (map[types.PriceKey]float64, error) {
	set := make(map[string]bool)
	for t := range sched.Active(days) {
		set[t] = true
	}
	for _, p := range prev {
		set[p.Ticker] = true
	}
	tickers := make([]string, 0, len(set))
	for t := range set {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	out := make(map[types.PriceKey]float64)
	if len(tickers) == 0 {
		return out, nil
	}
	rows, err := c.store.ListCanonical(ctx, tickers, types.DateRange{Start: days[0], End: days[len(days)-1]})
	if err != nil {
		return nil, fmt.Errorf("listing canonical rows: %w", err)
	}
	for _, row := range rows {
		if v, ok := row.PriceForCalc(); ok {
			out[types.PriceKey{Ticker: row.Ticker, TradeDate: types.Day(row.TradeDate)}] = v
		}
	}
	return out, nil
}

func (c *Calculator) computeDay(day, rebDate time.Time, members []types.Rebalance, st *state,
	prices map[types.PriceKey]float64, ov *impute.Overlay) (types.CalcDay, int, error) {
	priceOf := func(ticker string) (float64, types.PriceQuality, error) {
		if v, ok := prices[types.PriceKey{Ticker: ticker, TradeDate: day}]; ok {
			return v, types.PriceObserved, nil
		}
		if p, ok := ov.Lookup(ticker, day); ok {
			return p.Value, types.PriceImputed, nil
		}
		return 0, "", fmt.Errorf("%s on %s: %w", ticker, types.FormatDate(day), ErrMissingPrice)
	}

	cd := types.CalcDay{TradeDate: day}
	for _, m := range members {
		v, q, err := priceOf(m.Ticker)
		if err != nil {
			return cd, 0, err
		}
		cd.Constituents = append(cd.Constituents, types.ConstituentDaily{
			TradeDate:     day,
			Ticker:        m.Ticker,
			RebalanceDate: rebDate,
			Shares:        m.Shares,
			PriceUsed:     v,
			PriceQuality:  q,
		})
	}
	Weigh(cd.Constituents, c.weighting)
	weights := make([]float64, len(cd.Constituents))
	sum := 0.0
	for i, row := range cd.Constituents {
		weights[i] = row.Weight
		sum += row.Weight
	}
	if math.Abs(sum-1) > WeightTolerance {
		return cd, 0, fmt.Errorf("weights on %s sum to %v", types.FormatDate(day), sum)
	}

	level := c.baseLevel
	if len(st.levels) > 0 {
		now := make(map[string]float64, len(st.prev))
		for _, p := range st.prev {
			v, _, err := priceOf(p.Ticker)
			if err != nil {
				return cd, 0, err
			}
			now[p.Ticker] = v
		}
		contribs, bad, ok := Contributions(st.prev, now)
		if !ok {
			return cd, 0, fmt.Errorf("previous price of %s on %s is zero", bad, types.FormatDate(day))
		}
		for i := range contribs {
			contribs[i].TradeDate = day
		}
		cd.Contributions = contribs
		level = ChainLevel(st.levels[len(st.levels)-1], contribs)
	}
	cd.Level = types.IndexLevel{TradeDate: day, LevelTR: level}

	series := append(append(make([]float64, 0, len(st.levels)+1), st.levels...), level)
	cd.Stats = Stats(series, weights, c.vol)
	cd.Stats.TradeDate = day
	// Only member rows count; a ticker priced just for its return off the
	// previous members is not part of the day's constituents.
	for _, row := range cd.Constituents {
		if row.PriceQuality == types.PriceImputed {
			cd.Stats.NImputed++
		}
	}
	return cd, cd.Stats.NImputed, nil
}
