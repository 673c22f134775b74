package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// MaxTradingDay returns the latest calendar day, or the zero time when empty.
func (s *Store) MaxTradingDay(ctx context.Context) (time.Time, error) {
	var d *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(trade_date) FROM trading_days`).Scan(&d); err != nil {
		return time.Time{}, fmt.Errorf("max trading day: %w", err)
	}
	return dateOrZero(d), nil
}

// ListTradingDays returns calendar days inside r in ascending order.
func (s *Store) ListTradingDays(ctx context.Context, r types.DateRange) ([]time.Time, error) {
	where, args := dateRangeClause("trade_date", r, nil)
	rows, err := s.pool.Query(ctx, `SELECT trade_date FROM trading_days`+where+` ORDER BY trade_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing trading days: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (time.Time, error) {
		var d time.Time
		err := row.Scan(&d)
		return types.Day(d), err
	})
}

// ListRaw returns raw rows matching f ordered by ticker, date, provider.
func (s *Store) ListRaw(ctx context.Context, f store.RawFilter) ([]types.RawPriceRecord, error) {
	var conds []string
	var args []any
	if len(f.Tickers) > 0 {
		args = append(args, f.Tickers)
		conds = append(conds, fmt.Sprintf("ticker = ANY($%d)", len(args)))
	}
	if f.Provider != "" {
		args = append(args, f.Provider)
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	where, args := dateRangeClause("trade_date", f.Range, args, conds...)

	rows, err := s.pool.Query(ctx, `
		SELECT provider, ticker, trade_date, close, adj_close, status, COALESCE(error, ''), ingested_at
		FROM raw_prices`+where+`
		ORDER BY ticker, trade_date, provider
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing raw prices: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RawPriceRecord, error) {
		var r types.RawPriceRecord
		var status string
		err := row.Scan(&r.Provider, &r.Ticker, &r.TradeDate, &r.Close, &r.AdjClose, &status, &r.Error, &r.IngestedAt)
		r.Status = types.PriceStatus(status)
		r.TradeDate = types.Day(r.TradeDate)
		return r, err
	})
}

const canonicalColumns = `ticker, trade_date, close, adj_close, n_providers, quality,
	source_provider, source_ingested_at, override, updated_at`

func scanCanonical(row pgx.Row) (types.CanonicalPriceRecord, error) {
	var c types.CanonicalPriceRecord
	var quality string
	err := row.Scan(&c.Ticker, &c.TradeDate, &c.Close, &c.AdjClose, &c.NProviders, &quality,
		&c.SourceProvider, &c.SourceIngested, &c.Override, &c.UpdatedAt)
	c.Quality = types.CanonicalQuality(quality)
	c.TradeDate = types.Day(c.TradeDate)
	return c, err
}

// GetCanonical returns the canonical row for ticker on day.
func (s *Store) GetCanonical(ctx context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error) {
	c, err := scanCanonical(s.pool.QueryRow(ctx, `
		SELECT `+canonicalColumns+` FROM canonical_prices WHERE ticker = $1 AND trade_date = $2
	`, ticker, types.Day(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading canonical %s: %w", ticker, err)
	}
	return &c, nil
}

// ListCanonical returns canonical rows ordered by date then ticker.
func (s *Store) ListCanonical(ctx context.Context, tickers []string, r types.DateRange) ([]types.CanonicalPriceRecord, error) {
	var conds []string
	var args []any
	if len(tickers) > 0 {
		args = append(args, tickers)
		conds = append(conds, "ticker = ANY($1)")
	}
	where, args := dateRangeClause("trade_date", r, args, conds...)
	rows, err := s.pool.Query(ctx, `
		SELECT `+canonicalColumns+` FROM canonical_prices`+where+` ORDER BY trade_date, ticker
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing canonical prices: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CanonicalPriceRecord, error) {
		return scanCanonical(row)
	})
}

// LatestCanonicalBefore returns the most recent canonical row strictly before day.
func (s *Store) LatestCanonicalBefore(ctx context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error) {
	c, err := scanCanonical(s.pool.QueryRow(ctx, `
		SELECT `+canonicalColumns+` FROM canonical_prices
		WHERE ticker = $1 AND trade_date < $2
		ORDER BY trade_date DESC LIMIT 1
	`, ticker, types.Day(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading prior canonical %s: %w", ticker, err)
	}
	return &c, nil
}

// ListRebalances returns the whole rebalance schedule.
func (s *Store) ListRebalances(ctx context.Context) ([]types.Rebalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rebalance_date, ticker, shares FROM index_rebalances ORDER BY rebalance_date, ticker
	`)
	if err != nil {
		return nil, fmt.Errorf("listing rebalances: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Rebalance, error) {
		var r types.Rebalance
		err := row.Scan(&r.RebalanceDate, &r.Ticker, &r.Shares)
		r.RebalanceDate = types.Day(r.RebalanceDate)
		return r, err
	})
}

// ListLevels returns levels inside r in ascending order.
func (s *Store) ListLevels(ctx context.Context, r types.DateRange) ([]types.IndexLevel, error) {
	where, args := dateRangeClause("trade_date", r, nil)
	rows, err := s.pool.Query(ctx, `SELECT trade_date, level_tr FROM index_levels`+where+` ORDER BY trade_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing levels: %w", err)
	}
	return collectLevels(rows)
}

// RecentLevels returns up to n levels on or before upTo, oldest first.
func (s *Store) RecentLevels(ctx context.Context, upTo time.Time, n int) ([]types.IndexLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_date, level_tr FROM (
			SELECT trade_date, level_tr FROM index_levels
			WHERE trade_date <= $1 ORDER BY trade_date DESC LIMIT $2
		) recent ORDER BY trade_date
	`, types.Day(upTo), n)
	if err != nil {
		return nil, fmt.Errorf("listing recent levels: %w", err)
	}
	return collectLevels(rows)
}

func collectLevels(rows pgx.Rows) ([]types.IndexLevel, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.IndexLevel, error) {
		var l types.IndexLevel
		err := row.Scan(&l.TradeDate, &l.LevelTR)
		l.TradeDate = types.Day(l.TradeDate)
		return l, err
	})
}

// ListConstituents returns the constituent rows of day ordered by ticker.
func (s *Store) ListConstituents(ctx context.Context, day time.Time) ([]types.ConstituentDaily, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_date, ticker, rebalance_date, shares, price_used, market_value, weight, price_quality
		FROM constituent_daily WHERE trade_date = $1 ORDER BY ticker
	`, types.Day(day))
	if err != nil {
		return nil, fmt.Errorf("listing constituents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ConstituentDaily, error) {
		var c types.ConstituentDaily
		var quality string
		err := row.Scan(&c.TradeDate, &c.Ticker, &c.RebalanceDate, &c.Shares, &c.PriceUsed,
			&c.MarketValue, &c.Weight, &quality)
		c.PriceQuality = types.PriceQuality(quality)
		c.TradeDate = types.Day(c.TradeDate)
		c.RebalanceDate = types.Day(c.RebalanceDate)
		return c, err
	})
}

// ListContributions returns the contribution rows of day ordered by ticker.
func (s *Store) ListContributions(ctx context.Context, day time.Time) ([]types.ContributionDaily, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_date, ticker, weight_prev, ret_1d, contribution
		FROM contribution_daily WHERE trade_date = $1 ORDER BY ticker
	`, types.Day(day))
	if err != nil {
		return nil, fmt.Errorf("listing contributions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ContributionDaily, error) {
		var c types.ContributionDaily
		err := row.Scan(&c.TradeDate, &c.Ticker, &c.WeightPrev, &c.Ret1D, &c.Contribution)
		c.TradeDate = types.Day(c.TradeDate)
		return c, err
	})
}

// GetStats returns the statistics row for day.
func (s *Store) GetStats(ctx context.Context, day time.Time) (*types.StatsDaily, error) {
	var st types.StatsDaily
	err := s.pool.QueryRow(ctx, `
		SELECT trade_date, ret_1d, ret_5d, ret_20d, vol_20d, max_drawdown_252d,
			n_constituents, n_imputed, top5_weight, herfindahl
		FROM stats_daily WHERE trade_date = $1
	`, types.Day(day)).Scan(&st.TradeDate, &st.Ret1D, &st.Ret5D, &st.Ret20D, &st.Vol20D, &st.MaxDrawdown252D,
		&st.NConstituents, &st.NImputed, &st.Top5Weight, &st.Herfindahl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	st.TradeDate = types.Day(st.TradeDate)
	return &st, nil
}

const jobRunColumns = `run_id, job_name, status, started_at, ended_at, COALESCE(error_detail, '')`

func collectJobRuns(rows pgx.Rows) ([]types.JobRun, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.JobRun, error) {
		var r types.JobRun
		var status string
		err := row.Scan(&r.RunID, &r.JobName, &status, &r.StartedAt, &r.EndedAt, &r.ErrorDetail)
		r.Status = types.JobStatus(status)
		return r, err
	})
}

// ListJobRuns returns the most recent job runs, newest first.
func (s *Store) ListJobRuns(ctx context.Context, limit int) ([]types.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRunColumns+` FROM job_runs ORDER BY started_at DESC, run_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing job runs: %w", err)
	}
	return collectJobRuns(rows)
}

// ListStartedBefore returns STARTED job runs that began before cutoff.
func (s *Store) ListStartedBefore(ctx context.Context, cutoff time.Time) ([]types.JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobRunColumns+` FROM job_runs WHERE status = $1 AND started_at < $2 ORDER BY started_at
	`, string(types.JobStarted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale job runs: %w", err)
	}
	return collectJobRuns(rows)
}

// TableMaxDates returns the latest trade date in each output table.
func (s *Store) TableMaxDates(ctx context.Context) (types.TableMaxDates, error) {
	var cal, canon, lvl, st *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT MAX(trade_date) FROM trading_days),
			(SELECT MAX(trade_date) FROM canonical_prices),
			(SELECT MAX(trade_date) FROM index_levels),
			(SELECT MAX(trade_date) FROM stats_daily)
	`).Scan(&cal, &canon, &lvl, &st)
	if err != nil {
		return types.TableMaxDates{}, fmt.Errorf("reading table max dates: %w", err)
	}
	return types.TableMaxDates{
		Calendar:  dateOrZero(cal),
		Canonical: dateOrZero(canon),
		Levels:    dateOrZero(lvl),
		Stats:     dateOrZero(st),
	}, nil
}

// GetHealth returns the last written health snapshot.
func (s *Store) GetHealth(ctx context.Context) (*types.HealthSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM pipeline_health WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading health: %w", err)
	}
	var snap types.HealthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal health snapshot: %w", err)
	}
	return &snap, nil
}

func dateOrZero(d *time.Time) time.Time {
	if d == nil {
		return time.Time{}
	}
	return types.Day(*d)
}

// dateRangeClause appends inclusive bounds for r to args and joins them with conds
// into a WHERE clause (empty when there is nothing to filter).
func dateRangeClause(col string, r types.DateRange, args []any, conds ...string) (string, []any) {
	if !r.Start.IsZero() {
		args = append(args, types.Day(r.Start))
		conds = append(conds, fmt.Sprintf("%s >= $%d", col, len(args)))
	}
	if !r.End.IsZero() {
		args = append(args, types.Day(r.End))
		conds = append(conds, fmt.Sprintf("%s <= $%d", col, len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
