package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/internal/schedule"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Result is the outcome of a budgeted fetch.
type Result struct {
	Provider string
	Rows     []types.RawPriceRecord
	// CallsUsed counts the calls charged to the quota, retries included.
	CallsUsed int
	// BudgetExhausted is set when the quota ran out before every batch was sent.
	BudgetExhausted bool
	// Deferred lists tickers left for a later invocation.
	Deferred []string
	// Failed lists tickers whose batch failed and were recorded as ERROR rows.
	Failed []string
}

var errQuotaSpent = errors.New("quota spent")

// Budgeted sends batches to a Client only while the provider's persisted quota allows.
type Budgeted struct {
	client    Client
	coord     store.Coordinator
	limits    types.QuotaLimits
	batchSize int
	policy    types.RetryPolicy
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewBudgeted wraps client with cfg's quota, charged through coord.
func NewBudgeted(client Client, coord store.Coordinator, cfg types.ProviderConfig, logger *slog.Logger) *Budgeted {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budgeted{
		client:    client,
		coord:     coord,
		limits:    quota.LimitsFor(cfg),
		batchSize: cfg.BatchSize,
		policy:    schedule.DefaultThrottlePolicy(),
		logger:    logger.With("provider", client.Name()),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetRetryPolicy overrides the throttle retry policy.
func (b *Budgeted) SetRetryPolicy(p types.RetryPolicy) { b.policy = p }

// SetClock overrides the time source used for quota windows and ingestion stamps.
func (b *Budgeted) SetClock(now func() time.Time) { b.now = now }

// Name returns the provider name.
func (b *Budgeted) Name() string { return b.client.Name() }

// Remaining returns the calls still available right now.
func (b *Budgeted) Remaining(ctx context.Context) (int, error) {
	usage, err := b.coord.QuotaUsage(ctx, b.client.Name(), b.now())
	if err != nil {
		return 0, err
	}
	return quota.Remaining(b.limits, usage), nil
}

// Fetch plans needs into batches sized to the remaining budget, largest range
// first, and fetches them. days, when non-nil, restricts rows to those trading
// days and is used to write one ERROR row per ticker and day of a failed batch.
// Provider failures never abort the remaining batches; the returned error is
// reserved for coordinator failures.
func (b *Budgeted) Fetch(ctx context.Context, needs []quota.Need, days []time.Time) (Result, error) {
	res := Result{Provider: b.client.Name()}
	remaining, err := b.Remaining(ctx)
	if err != nil {
		return res, fmt.Errorf("reading quota for %s: %w", res.Provider, err)
	}
	if remaining <= 0 {
		res.BudgetExhausted = true
		for _, n := range needs {
			res.Deferred = append(res.Deferred, n.Ticker)
		}
		metrics.BudgetExhaustions.Add(1)
		b.logger.Info("budget exhausted, no calls made", "remaining", remaining)
		return res, nil
	}

	plan := quota.PlanBatches(needs, b.batchSize, remaining)
	res.Deferred = append(res.Deferred, plan.Deferred...)
	byTicker := make(map[string]types.DateRange, len(needs))
	for _, n := range needs {
		byTicker[n.Ticker] = n.Range
	}
	var daySet map[time.Time]bool
	if days != nil {
		daySet = make(map[time.Time]bool, len(days))
		for _, d := range days {
			daySet[types.Day(d)] = true
		}
	}

	for i, batch := range plan.Batches {
		ingested := b.now().UTC().Truncate(time.Microsecond)
		if !b.client.Healthy() {
			b.logger.Warn("circuit open, recording batch as failed", "tickers", batch.Tickers)
			res.Rows = append(res.Rows, errorRows(res.Provider, batch, byTicker, days, "circuit open", ingested)...)
			res.Failed = append(res.Failed, batch.Tickers...)
			continue
		}

		quotes, calls, fetchErr, err := b.call(ctx, batch)
		res.CallsUsed += calls
		if errors.Is(err, errQuotaSpent) {
			res.BudgetExhausted = true
			for _, rest := range plan.Batches[i:] {
				res.Deferred = append(res.Deferred, rest.Tickers...)
			}
			metrics.BudgetExhaustions.Add(1)
			b.logger.Info("budget exhausted mid-run", "deferredBatches", len(plan.Batches)-i)
			break
		}
		if err != nil {
			return res, err
		}
		if fetchErr != nil {
			metrics.ProviderErrors.Add(1)
			b.logger.Warn("batch failed", "tickers", batch.Tickers, "range", batch.Range.String(),
				"category", Category(fetchErr), "error", fetchErr)
			res.Rows = append(res.Rows, errorRows(res.Provider, batch, byTicker, days, fetchErr.Error(), ingested)...)
			res.Failed = append(res.Failed, batch.Tickers...)
			continue
		}
		res.Rows = append(res.Rows, quoteRows(res.Provider, quotes, byTicker, daySet, ingested)...)
	}

	b.logger.Debug("fetch finished", "calls", res.CallsUsed, "rows", len(res.Rows),
		"failed", len(res.Failed), "deferred", len(res.Deferred))
	return res, nil
}

// call reserves quota and performs one batch, retrying throttled calls per policy.
// Each attempt is charged.
func (b *Budgeted) call(ctx context.Context, batch quota.Batch) ([]Quote, int, error, error) {
	calls := 0
	for attempt := 1; ; attempt++ {
		ok, err := b.coord.ReserveCall(ctx, b.client.Name(), b.limits, b.now())
		if err != nil {
			return nil, calls, nil, fmt.Errorf("reserving call for %s: %w", b.client.Name(), err)
		}
		if !ok {
			return nil, calls, nil, errQuotaSpent
		}
		calls++
		metrics.ProviderCalls.Add(1)

		quotes, fetchErr := b.client.FetchEOD(ctx, batch.Tickers, batch.Range)
		if fetchErr == nil {
			return quotes, calls, nil, nil
		}
		category := Category(fetchErr)
		if category == types.FailureThrottled {
			metrics.ProviderThrottled.Add(1)
		}
		if !schedule.ShouldRetry(b.policy, category, attempt) {
			return nil, calls, fetchErr, nil
		}

		wait := schedule.CalculateBackoff(b.policy, attempt)
		var fe *FetchError
		if errors.As(fetchErr, &fe) && fe.RetryAfter > wait {
			wait = min(fe.RetryAfter, schedule.CalculateBackoff(b.policy, b.policy.MaxAttempts+1))
		}
		b.logger.Info("provider throttled, backing off", "attempt", attempt, "wait", wait)
		if err := b.sleep(ctx, wait); err != nil {
			return nil, calls, fetchErr, nil
		}
	}
}

func errorRows(provider string, batch quota.Batch, ranges map[string]types.DateRange, days []time.Time, msg string, ingested time.Time) []types.RawPriceRecord {
	var out []types.RawPriceRecord
	for _, ticker := range batch.Tickers {
		r := ranges[ticker]
		for _, d := range days {
			d = types.Day(d)
			if !r.Contains(d) {
				continue
			}
			out = append(out, types.RawPriceRecord{
				Provider:   provider,
				Ticker:     ticker,
				TradeDate:  d,
				Status:     types.PriceError,
				Error:      msg,
				IngestedAt: ingested,
			})
		}
	}
	return out
}

func quoteRows(provider string, quotes []Quote, ranges map[string]types.DateRange, days map[time.Time]bool, ingested time.Time) []types.RawPriceRecord {
	out := make([]types.RawPriceRecord, 0, len(quotes))
	for _, q := range quotes {
		r, ok := ranges[q.Ticker]
		if !ok || !r.Contains(q.Date) {
			continue
		}
		if days != nil && !days[q.Date] {
			continue
		}
		row := types.RawPriceRecord{
			Provider:   provider,
			Ticker:     q.Ticker,
			TradeDate:  q.Date,
			Close:      q.Close,
			AdjClose:   q.AdjClose,
			Status:     types.PriceOK,
			IngestedAt: ingested,
		}
		if q.Close == nil && q.AdjClose == nil {
			row.Status = types.PriceError
			row.Error = "quote has no price fields"
		}
		out = append(out, row)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
