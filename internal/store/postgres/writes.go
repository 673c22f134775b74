package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

const uniqueViolation = "23505"

// AppendTradingDays inserts days that are not yet in the calendar.
func (s *Store) AppendTradingDays(ctx context.Context, days []time.Time) (int, error) {
	if len(days) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, d := range days {
		batch.Queue(`INSERT INTO trading_days (trade_date) VALUES ($1) ON CONFLICT DO NOTHING`, types.Day(d))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	added := 0
	for range days {
		tag, err := br.Exec()
		if err != nil {
			return added, fmt.Errorf("appending trading day: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// UpsertRaw writes raw rows. An existing row is replaced only when the new row is
// OK or the existing row is ERROR, so a failed re-fetch never hides a good price.
func (s *Store) UpsertRaw(ctx context.Context, rows []types.RawPriceRecord) ([]types.PriceKey, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO raw_prices (provider, ticker, trade_date, close, adj_close, status, error, ingested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (provider, ticker, trade_date) DO UPDATE SET
				close       = EXCLUDED.close,
				adj_close   = EXCLUDED.adj_close,
				status      = EXCLUDED.status,
				error       = EXCLUDED.error,
				ingested_at = EXCLUDED.ingested_at
			WHERE raw_prices.status = 'ERROR' OR EXCLUDED.status = 'OK'
			RETURNING ticker, trade_date
		`, r.Provider, r.Ticker, types.Day(r.TradeDate), r.Close, r.AdjClose, string(r.Status),
			nullString(r.Error), r.IngestedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var changed []types.PriceKey
	for range rows {
		var k types.PriceKey
		err := br.QueryRow().Scan(&k.Ticker, &k.TradeDate)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("upserting raw price: %w", err)
		}
		k.TradeDate = types.Day(k.TradeDate)
		changed = append(changed, k)
	}
	return changed, nil
}

// PutCanonical upserts a canonical row.
func (s *Store) PutCanonical(ctx context.Context, rec types.CanonicalPriceRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO canonical_prices (ticker, trade_date, close, adj_close, n_providers, quality,
			source_provider, source_ingested_at, override, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (ticker, trade_date) DO UPDATE SET
			close              = EXCLUDED.close,
			adj_close          = EXCLUDED.adj_close,
			n_providers        = EXCLUDED.n_providers,
			quality            = EXCLUDED.quality,
			source_provider    = EXCLUDED.source_provider,
			source_ingested_at = EXCLUDED.source_ingested_at,
			override           = EXCLUDED.override,
			updated_at         = EXCLUDED.updated_at
	`, rec.Ticker, types.Day(rec.TradeDate), rec.Close, rec.AdjClose, rec.NProviders, string(rec.Quality),
		rec.SourceProvider, rec.SourceIngested, rec.Override, rec.UpdatedAt)
	return err
}

// PutRebalance replaces the rebalance event for date.
func (s *Store) PutRebalance(ctx context.Context, date time.Time, rows []types.Rebalance) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		d := types.Day(date)
		if _, err := tx.Exec(ctx, `DELETE FROM index_rebalances WHERE rebalance_date = $1`, d); err != nil {
			return fmt.Errorf("clearing rebalance %s: %w", types.FormatDate(d), err)
		}
		for _, r := range rows {
			if _, err := tx.Exec(ctx, `
				INSERT INTO index_rebalances (rebalance_date, ticker, shares) VALUES ($1, $2, $3)
			`, d, r.Ticker, r.Shares); err != nil {
				return fmt.Errorf("inserting rebalance row %s: %w", r.Ticker, err)
			}
		}
		return nil
	})
}

// WriteCalcDay persists one calculated day in a single transaction. Constituents
// and contributions are written before the level that depends on them.
func (s *Store) WriteCalcDay(ctx context.Context, day types.CalcDay) error {
	d := types.Day(day.TradeDate)
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM constituent_daily WHERE trade_date = $1`,
			`DELETE FROM contribution_daily WHERE trade_date = $1`,
		} {
			if _, err := tx.Exec(ctx, q, d); err != nil {
				return fmt.Errorf("clearing calc day: %w", err)
			}
		}

		batch := &pgx.Batch{}
		for _, c := range day.Constituents {
			batch.Queue(`
				INSERT INTO constituent_daily (trade_date, ticker, rebalance_date, shares, price_used,
					market_value, weight, price_quality)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, d, c.Ticker, types.Day(c.RebalanceDate), c.Shares, c.PriceUsed, c.MarketValue, c.Weight,
				string(c.PriceQuality))
		}
		for _, c := range day.Contributions {
			batch.Queue(`
				INSERT INTO contribution_daily (trade_date, ticker, weight_prev, ret_1d, contribution)
				VALUES ($1, $2, $3, $4, $5)
			`, d, c.Ticker, c.WeightPrev, c.Ret1D, c.Contribution)
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("writing constituents and contributions: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO index_levels (trade_date, level_tr) VALUES ($1, $2)
			ON CONFLICT (trade_date) DO UPDATE SET level_tr = EXCLUDED.level_tr
		`, d, day.Level.LevelTR); err != nil {
			return fmt.Errorf("writing level: %w", err)
		}

		st := day.Stats
		if _, err := tx.Exec(ctx, `
			INSERT INTO stats_daily (trade_date, ret_1d, ret_5d, ret_20d, vol_20d, max_drawdown_252d,
				n_constituents, n_imputed, top5_weight, herfindahl)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (trade_date) DO UPDATE SET
				ret_1d            = EXCLUDED.ret_1d,
				ret_5d            = EXCLUDED.ret_5d,
				ret_20d           = EXCLUDED.ret_20d,
				vol_20d           = EXCLUDED.vol_20d,
				max_drawdown_252d = EXCLUDED.max_drawdown_252d,
				n_constituents    = EXCLUDED.n_constituents,
				n_imputed         = EXCLUDED.n_imputed,
				top5_weight       = EXCLUDED.top5_weight,
				herfindahl        = EXCLUDED.herfindahl
		`, d, st.Ret1D, st.Ret5D, st.Ret20D, st.Vol20D, st.MaxDrawdown252D,
			st.NConstituents, st.NImputed, st.Top5Weight, st.Herfindahl); err != nil {
			return fmt.Errorf("writing stats: %w", err)
		}
		return nil
	})
}

// DeleteCalcFrom removes calculation outputs on or after from.
func (s *Store) DeleteCalcFrom(ctx context.Context, from time.Time) error {
	d := types.Day(from)
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, q := range []string{
			`DELETE FROM stats_daily WHERE trade_date >= $1`,
			`DELETE FROM index_levels WHERE trade_date >= $1`,
			`DELETE FROM contribution_daily WHERE trade_date >= $1`,
			`DELETE FROM constituent_daily WHERE trade_date >= $1`,
		} {
			if _, err := tx.Exec(ctx, q, d); err != nil {
				return fmt.Errorf("deleting calc rows: %w", err)
			}
		}
		return nil
	})
}

// InsertJobRun appends a job run. A duplicate run id yields store.ErrDuplicateRun.
func (s *Store) InsertJobRun(ctx context.Context, run types.JobRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_name, status, started_at, ended_at, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.RunID, run.JobName, string(run.Status), run.StartedAt, run.EndedAt, nullString(run.ErrorDetail))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrDuplicateRun
	}
	return err
}

// FinishJobRun records the terminal status of a job run.
func (s *Store) FinishJobRun(ctx context.Context, runID string, status types.JobStatus, endedAt time.Time, detail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs SET status = $2, ended_at = $3, error_detail = $4 WHERE run_id = $1
	`, runID, string(status), endedAt, nullString(detail))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutHealth overwrites the single health snapshot row.
func (s *Store) PutHealth(ctx context.Context, snap types.HealthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal health snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_health (id, snapshot, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`, data, snap.UpdatedAt)
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
