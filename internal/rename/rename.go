// Package rename moves a ticker's history onto its successor symbol. It is only
// ever run on request, never as part of ingestion.
package rename

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/reconcile"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Collision resolutions.
const (
	KeepFrom = "from_wins"
	KeepTo   = "to_wins"
)

var (
	// ErrSameTicker is returned when both symbols are equal.
	ErrSameTicker = errors.New("from and to tickers are the same")
	// ErrNothingToRename is returned when the old ticker has no rows.
	ErrNothingToRename = errors.New("ticker has no rows")
)

// Plan is a computed rename. Counts are rows under the old ticker per table.
type Plan struct {
	Apply  store.RenameApply
	Counts map[string]int
	DryRun bool
	// Moved is the number of rows rewritten; zero for a dry run.
	Moved int
}

// Summary renders the plan for the console.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s", p.Apply.From, p.Apply.To)
	for _, table := range tables {
		fmt.Fprintf(&b, " %s=%d", table, p.Counts[table])
	}
	fmt.Fprintf(&b, " collisions=%d", len(p.Apply.Collisions))
	if p.DryRun {
		b.WriteString(" (dry run)")
	}
	return b.String()
}

var tables = []string{"raw_prices", "canonical_prices", "constituent_daily", "contribution_daily", "index_rebalances"}

// Migrator plans and applies renames.
type Migrator struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Migrator.
func New(s store.Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{store: s, logger: logger, now: time.Now}
}

// Run plans the rename of from to to and applies it unless dryRun. Colliding
// price keys keep whichever row ranks higher under the reconciliation order,
// the successor's row on a tie. Colliding calculation and rebalance rows keep
// the successor's row.
func (m *Migrator) Run(ctx context.Context, from, to string, dryRun bool) (*Plan, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" || to == "" {
		return nil, fmt.Errorf("rename needs both tickers")
	}
	if from == to {
		return nil, ErrSameTicker
	}

	fromKeys, err := m.store.TickerKeys(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("listing %s rows: %w", from, err)
	}
	toKeys, err := m.store.TickerKeys(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("listing %s rows: %w", to, err)
	}

	plan := &Plan{
		Apply:  store.RenameApply{From: from, To: to, ExecutedAt: m.now().UTC()},
		DryRun: dryRun,
		Counts: map[string]int{
			"raw_prices":         len(fromKeys.Raw),
			"canonical_prices":   len(fromKeys.Canonical),
			"constituent_daily":  len(fromKeys.Constituents),
			"contribution_daily": len(fromKeys.Contributions),
			"index_rebalances":   len(fromKeys.Rebalances),
		},
	}
	total := 0
	for _, n := range plan.Counts {
		total += n
	}
	if total == 0 {
		return nil, fmt.Errorf("%s: %w", from, ErrNothingToRename)
	}

	if err := m.resolveRaw(ctx, plan, fromKeys.Raw, toKeys.Raw); err != nil {
		return nil, err
	}
	if err := m.resolveCanonical(ctx, plan, fromKeys.Canonical, toKeys.Canonical); err != nil {
		return nil, err
	}
	resolved := plan.Apply.ExecutedAt
	for _, c := range []struct {
		table    string
		from, to []time.Time
	}{
		{"constituent_daily", fromKeys.Constituents, toKeys.Constituents},
		{"contribution_daily", fromKeys.Contributions, toKeys.Contributions},
		{"index_rebalances", fromKeys.Rebalances, toKeys.Rebalances},
	} {
		for _, d := range overlap(c.from, c.to) {
			plan.Apply.Collisions = append(plan.Apply.Collisions, types.RenameCollision{
				Table: c.table, Key: key(from, to, "", d), Resolution: KeepTo, ResolvedAt: resolved,
			})
		}
	}

	logger := m.logger.With("from", from, "to", to)
	if dryRun {
		logger.Info("rename planned", "collisions", len(plan.Apply.Collisions), "dryRun", true)
		return plan, nil
	}
	moved, err := m.store.ApplyRename(ctx, plan.Apply)
	if err != nil {
		return nil, fmt.Errorf("applying rename %s -> %s: %w", from, to, err)
	}
	plan.Moved = moved
	metrics.RenamesApplied.Add(1)
	logger.Info("rename applied", "rowsMoved", moved, "collisions", len(plan.Apply.Collisions))
	return plan, nil
}

func (m *Migrator) resolveRaw(ctx context.Context, plan *Plan, from, to []store.RawKey) error {
	toSet := make(map[store.RawKey]bool, len(to))
	for _, k := range to {
		toSet[normalize(k)] = true
	}
	var clash []store.RawKey
	for _, k := range from {
		if toSet[normalize(k)] {
			clash = append(clash, normalize(k))
		}
	}
	if len(clash) == 0 {
		return nil
	}

	rows, err := m.store.ListRaw(ctx, store.RawFilter{Tickers: []string{plan.Apply.From, plan.Apply.To}})
	if err != nil {
		return fmt.Errorf("loading colliding raw rows: %w", err)
	}
	byKey := make(map[string]types.RawPriceRecord, len(rows))
	for _, r := range rows {
		byKey[r.Ticker+"|"+r.Provider+"|"+types.FormatDate(r.TradeDate)] = r
	}
	for _, k := range clash {
		suffix := "|" + k.Provider + "|" + types.FormatDate(k.TradeDate)
		resolution := KeepTo
		if reconcile.Compare(byKey[plan.Apply.From+suffix], byKey[plan.Apply.To+suffix]) > 0 {
			resolution = KeepFrom
			plan.Apply.RawFromWins = append(plan.Apply.RawFromWins, k)
		}
		plan.Apply.Collisions = append(plan.Apply.Collisions, types.RenameCollision{
			Table:      "raw_prices",
			Key:        key(plan.Apply.From, plan.Apply.To, k.Provider, k.TradeDate),
			Resolution: resolution,
			ResolvedAt: plan.Apply.ExecutedAt,
		})
	}
	return nil
}

func (m *Migrator) resolveCanonical(ctx context.Context, plan *Plan, from, to []time.Time) error {
	for _, d := range overlap(from, to) {
		a, err := m.store.GetCanonical(ctx, plan.Apply.From, d)
		if err != nil {
			return fmt.Errorf("loading canonical %s on %s: %w", plan.Apply.From, types.FormatDate(d), err)
		}
		b, err := m.store.GetCanonical(ctx, plan.Apply.To, d)
		if err != nil {
			return fmt.Errorf("loading canonical %s on %s: %w", plan.Apply.To, types.FormatDate(d), err)
		}
		resolution := KeepTo
		if reconcile.Compare(reconcile.AsCandidate(*a), reconcile.AsCandidate(*b)) > 0 {
			resolution = KeepFrom
			plan.Apply.CanonicalFromWins = append(plan.Apply.CanonicalFromWins, d)
		}
		plan.Apply.Collisions = append(plan.Apply.Collisions, types.RenameCollision{
			Table:      "canonical_prices",
			Key:        key(plan.Apply.From, plan.Apply.To, "", d),
			Resolution: resolution,
			ResolvedAt: plan.Apply.ExecutedAt,
		})
	}
	return nil
}

func normalize(k store.RawKey) store.RawKey {
	k.TradeDate = types.Day(k.TradeDate)
	return k
}

func overlap(a, b []time.Time) []time.Time {
	set := make(map[time.Time]bool, len(b))
	for _, d := range b {
		set[types.Day(d)] = true
	}
	var out []time.Time
	for _, d := range a {
		if set[types.Day(d)] {
			out = append(out, types.Day(d))
		}
	}
	return out
}

func key(from, to, provider string, d time.Time) string {
	if provider == "" {
		return fmt.Sprintf("%s->%s@%s", from, to, types.FormatDate(d))
	}
	return fmt.Sprintf("%s->%s@%s/%s", from, to, types.FormatDate(d), provider)
}
