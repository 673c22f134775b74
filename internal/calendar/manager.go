package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// ErrBehindProvider signals that the local calendar lags the expected latest
// session by more than the allowed number of days. It is recoverable.
var ErrBehindProvider = errors.New("trading_days_behind_provider")

// Fetcher is the budgeted provider access the manager needs.
type Fetcher interface {
	Fetch(ctx context.Context, needs []quota.Need, days []time.Time) (provider.Result, error)
}

// Result summarizes one calendar run.
type Result struct {
	Added           []time.Time
	Max             time.Time
	Expected        time.Time
	Lag             int
	Skipped         bool
	BudgetExhausted bool
	CallsUsed       int
}

// Manager appends new trading days taken from the reference ticker's history.
type Manager struct {
	store    store.Store
	fetcher  Fetcher
	sessions *Sessions
	cfg      types.CalendarConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a calendar manager.
func NewManager(s store.Store, f Fetcher, sessions *Sessions, cfg types.CalendarConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, fetcher: f, sessions: sessions, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Expected returns the latest session the calendar should hold by now.
func (m *Manager) Expected() time.Time {
	return m.sessions.ExpectedLatest(types.Day(m.now()))
}

// Run brings the calendar up to the reference ticker's latest session. It makes
// no provider call when the calendar already holds the expected latest session.
// A lag beyond MaxLagDays returns the result together with ErrBehindProvider.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	calMax, err := m.store.MaxTradingDay(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("reading calendar max: %w", err)
	}
	today := types.Day(m.now())
	res := Result{Max: calMax, Expected: m.Expected()}

	if !calMax.IsZero() && !calMax.Before(res.Expected) {
		res.Skipped = true
		m.logger.Debug("calendar current", "max", types.FormatDate(calMax))
		return res, nil
	}

	start := calMax.AddDate(0, 0, 1)
	if calMax.IsZero() {
		start, err = types.ParseDate(m.cfg.StartDate)
		if err != nil {
			return res, fmt.Errorf("calendar start date: %w", err)
		}
	}

	fetched, err := m.fetcher.Fetch(ctx, []quota.Need{{
		Ticker: m.cfg.ReferenceTicker,
		Range:  types.DateRange{Start: start, End: today},
	}}, nil)
	res.CallsUsed = fetched.CallsUsed
	if err != nil {
		return res, fmt.Errorf("fetching reference ticker %s: %w", m.cfg.ReferenceTicker, err)
	}
	if fetched.BudgetExhausted {
		res.BudgetExhausted = true
		res.Lag = m.sessions.Between(calMax, res.Expected)
		return res, nil
	}
	if len(fetched.Failed) > 0 {
		m.logger.Warn("reference ticker fetch failed, calendar not advanced", "ticker", m.cfg.ReferenceTicker)
	}

	seen := make(map[time.Time]bool)
	for _, row := range fetched.Rows {
		d := types.Day(row.TradeDate)
		if row.Status != types.PriceOK || row.Ticker != m.cfg.ReferenceTicker || seen[d] {
			continue
		}
		if !calMax.IsZero() && !d.After(calMax) {
			continue
		}
		if !m.sessions.IsTradingDay(d) {
			m.logger.Warn("provider date is not a session, skipped", "date", types.FormatDate(d))
			continue
		}
		seen[d] = true
		res.Added = append(res.Added, d)
	}
	sort.Slice(res.Added, func(i, j int) bool { return res.Added[i].Before(res.Added[j]) })

	if len(res.Added) > 0 {
		n, err := m.store.AppendTradingDays(ctx, res.Added)
		if err != nil {
			return res, fmt.Errorf("appending trading days: %w", err)
		}
		metrics.TradingDaysAdded.Add(int64(n))
		res.Max = res.Added[len(res.Added)-1]
		m.logger.Info("calendar advanced", "added", n, "max", types.FormatDate(res.Max))
	}

	if res.Max.IsZero() {
		res.Lag = m.sessions.Between(start.AddDate(0, 0, -1), res.Expected)
	} else {
		res.Lag = m.sessions.Between(res.Max, res.Expected)
	}
	if res.Lag > m.cfg.MaxLagDays {
		return res, fmt.Errorf("%w: calendar max %s is %d sessions behind %s",
			ErrBehindProvider, types.FormatDate(res.Max), res.Lag, types.FormatDate(res.Expected))
	}
	return res, nil
}
