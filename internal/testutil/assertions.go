package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// F returns a pointer to v.
func F(v float64) *float64 { return &v }

// Day parses a YYYY-MM-DD date and fails the test on error.
func Day(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := types.ParseDate(s)
	if err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return d
}

// Days parses several dates.
func Days(t testing.TB, ss ...string) []time.Time {
	t.Helper()
	out := make([]time.Time, 0, len(ss))
	for _, s := range ss {
		out = append(out, Day(t, s))
	}
	return out
}

// OK builds an OK raw row with close and adj_close set to price.
func OK(provider, ticker string, day time.Time, price float64, ingested time.Time) types.RawPriceRecord {
	return types.RawPriceRecord{
		Provider:   provider,
		Ticker:     ticker,
		TradeDate:  day,
		Close:      F(price),
		AdjClose:   F(price),
		Status:     types.PriceOK,
		IngestedAt: ingested,
	}
}

// Failed builds an ERROR raw row.
func Failed(provider, ticker string, day time.Time, ingested time.Time) types.RawPriceRecord {
	return types.RawPriceRecord{
		Provider:   provider,
		Ticker:     ticker,
		TradeDate:  day,
		Status:     types.PriceError,
		Error:      "upstream 503",
		IngestedAt: ingested,
	}
}

// SeedCalendar appends trading days to the store.
func SeedCalendar(t testing.TB, s *MemStore, days ...time.Time) {
	t.Helper()
	if _, err := s.AppendTradingDays(context.Background(), days); err != nil {
		t.Fatalf("seeding calendar: %v", err)
	}
}

// SeedPrices writes canonical rows with adj_close=close=price, keyed ticker -> price per day.
func SeedPrices(t testing.TB, s *MemStore, day time.Time, prices map[string]float64) {
	t.Helper()
	for ticker, p := range prices {
		rec := types.CanonicalPriceRecord{
			Ticker:         ticker,
			TradeDate:      day,
			Close:          F(p),
			AdjClose:       F(p),
			NProviders:     1,
			Quality:        types.QualitySingle,
			SourceProvider: "seed",
			SourceIngested: day,
			UpdatedAt:      day,
		}
		if err := s.PutCanonical(context.Background(), rec); err != nil {
			t.Fatalf("seeding canonical: %v", err)
		}
	}
}

// SeedRebalance writes a rebalance event effective on day.
func SeedRebalance(t testing.TB, s *MemStore, day time.Time, shares map[string]float64) {
	t.Helper()
	rows := make([]types.Rebalance, 0, len(shares))
	for ticker, n := range shares {
		rows = append(rows, types.Rebalance{Ticker: ticker, Shares: n})
	}
	if err := s.PutRebalance(context.Background(), day, rows); err != nil {
		t.Fatalf("seeding rebalance: %v", err)
	}
}

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}
