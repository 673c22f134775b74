package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// TickerKeys lists every key held by ticker across the renamable tables.
func (s *Store) TickerKeys(ctx context.Context, ticker string) (store.TickerKeys, error) {
	var out store.TickerKeys

	rows, err := s.pool.Query(ctx, `
		SELECT provider, trade_date FROM raw_prices WHERE ticker = $1 ORDER BY trade_date, provider
	`, ticker)
	if err != nil {
		return out, fmt.Errorf("listing raw keys: %w", err)
	}
	out.Raw, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RawKey, error) {
		var k store.RawKey
		err := row.Scan(&k.Provider, &k.TradeDate)
		k.TradeDate = types.Day(k.TradeDate)
		return k, err
	})
	if err != nil {
		return out, fmt.Errorf("scanning raw keys: %w", err)
	}

	for _, t := range []struct {
		query string
		dest  *[]time.Time
	}{
		{`SELECT trade_date FROM canonical_prices WHERE ticker = $1 ORDER BY trade_date`, &out.Canonical},
		{`SELECT trade_date FROM constituent_daily WHERE ticker = $1 ORDER BY trade_date`, &out.Constituents},
		{`SELECT trade_date FROM contribution_daily WHERE ticker = $1 ORDER BY trade_date`, &out.Contributions},
		{`SELECT rebalance_date FROM index_rebalances WHERE ticker = $1 ORDER BY rebalance_date`, &out.Rebalances},
	} {
		rows, err := s.pool.Query(ctx, t.query, ticker)
		if err != nil {
			return out, fmt.Errorf("listing ticker keys: %w", err)
		}
		*t.dest, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (time.Time, error) {
			var d time.Time
			err := row.Scan(&d)
			return types.Day(d), err
		})
		if err != nil {
			return out, fmt.Errorf("scanning ticker keys: %w", err)
		}
	}
	return out, nil
}

// ApplyRename moves every row of plan.From to plan.To in one transaction.
// Colliding raw and canonical rows keep the new ticker's row unless the plan
// lists the key as won by the old ticker; colliding calculation and rebalance
// rows always keep the new ticker's row.
func (s *Store) ApplyRename(ctx context.Context, plan store.RenameApply) (int, error) {
	moved := 0
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		moved = 0
		for _, k := range plan.RawFromWins {
			if _, err := tx.Exec(ctx, `
				DELETE FROM raw_prices WHERE provider = $1 AND ticker = $2 AND trade_date = $3
			`, k.Provider, plan.To, types.Day(k.TradeDate)); err != nil {
				return fmt.Errorf("dropping superseded raw row: %w", err)
			}
		}
		for _, d := range plan.CanonicalFromWins {
			if _, err := tx.Exec(ctx, `
				DELETE FROM canonical_prices WHERE ticker = $1 AND trade_date = $2
			`, plan.To, types.Day(d)); err != nil {
				return fmt.Errorf("dropping superseded canonical row: %w", err)
			}
		}

		steps := []struct {
			table string
			drop  string
			move  string
		}{
			{
				"raw_prices",
				`DELETE FROM raw_prices f WHERE f.ticker = $1 AND EXISTS (
					SELECT 1 FROM raw_prices t WHERE t.ticker = $2 AND t.provider = f.provider AND t.trade_date = f.trade_date)`,
				`UPDATE raw_prices SET ticker = $2 WHERE ticker = $1`,
			},
			{
				"canonical_prices",
				`DELETE FROM canonical_prices f WHERE f.ticker = $1 AND EXISTS (
					SELECT 1 FROM canonical_prices t WHERE t.ticker = $2 AND t.trade_date = f.trade_date)`,
				`UPDATE canonical_prices SET ticker = $2 WHERE ticker = $1`,
			},
			{
				"constituent_daily",
				`DELETE FROM constituent_daily f WHERE f.ticker = $1 AND EXISTS (
					SELECT 1 FROM constituent_daily t WHERE t.ticker = $2 AND t.trade_date = f.trade_date)`,
				`UPDATE constituent_daily SET ticker = $2 WHERE ticker = $1`,
			},
			{
				"contribution_daily",
				`DELETE FROM contribution_daily f WHERE f.ticker = $1 AND EXISTS (
					SELECT 1 FROM contribution_daily t WHERE t.ticker = $2 AND t.trade_date = f.trade_date)`,
				`UPDATE contribution_daily SET ticker = $2 WHERE ticker = $1`,
			},
			{
				"index_rebalances",
				`DELETE FROM index_rebalances f WHERE f.ticker = $1 AND EXISTS (
					SELECT 1 FROM index_rebalances t WHERE t.ticker = $2 AND t.rebalance_date = f.rebalance_date)`,
				`UPDATE index_rebalances SET ticker = $2 WHERE ticker = $1`,
			},
		}
		for _, st := range steps {
			if _, err := tx.Exec(ctx, st.drop, plan.From, plan.To); err != nil {
				return fmt.Errorf("resolving %s collisions: %w", st.table, err)
			}
			tag, err := tx.Exec(ctx, st.move, plan.From, plan.To)
			if err != nil {
				return fmt.Errorf("moving %s rows: %w", st.table, err)
			}
			moved += int(tag.RowsAffected())
		}

		var renameID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO ticker_renames (from_ticker, to_ticker, executed_at, rows_moved, collisions)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, plan.From, plan.To, plan.ExecutedAt, moved, len(plan.Collisions)).Scan(&renameID); err != nil {
			return fmt.Errorf("recording rename: %w", err)
		}
		for _, c := range plan.Collisions {
			if _, err := tx.Exec(ctx, `
				INSERT INTO ticker_rename_collisions (rename_id, table_name, key, resolution, resolved_at)
				VALUES ($1, $2, $3, $4, $5)
			`, renameID, c.Table, c.Key, c.Resolution, c.ResolvedAt); err != nil {
				return fmt.Errorf("recording rename collision: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ListRenames returns executed renames, oldest first.
func (s *Store) ListRenames(ctx context.Context) ([]types.TickerRename, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_ticker, to_ticker, executed_at, rows_moved, collisions FROM ticker_renames ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing renames: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TickerRename, error) {
		var r types.TickerRename
		err := row.Scan(&r.FromTicker, &r.ToTicker, &r.ExecutedAt, &r.RowsMoved, &r.Collisions)
		return r, err
	})
}
