// Package quota implements provider call budgeting: the remaining-budget formula,
// the persisted counter windows, and batch planning against the remaining budget.
package quota

import (
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// Window kinds stored alongside each counter.
const (
	WindowDay    = "day"
	WindowMinute = "minute"
)

// Remaining returns the calls still available to a provider:
// min(daily - buffer - usedToday, minute - minuteUsed). A result <= 0 means the
// budget is exhausted and no call may be made.
func Remaining(limits types.QuotaLimits, usage types.QuotaUsage) int {
	daily := limits.Daily - limits.DailyBuffer - usage.UsedToday
	minute := limits.Minute - usage.MinuteUsed
	if minute < daily {
		return minute
	}
	return daily
}

// Exhausted reports whether no call may be made.
func Exhausted(limits types.QuotaLimits, usage types.QuotaUsage) bool {
	return Remaining(limits, usage) <= 0
}

// DayWindow returns the start of the UTC day containing now.
func DayWindow(now time.Time) time.Time {
	return types.Day(now)
}

// MinuteWindow returns the start of the minute containing now.
func MinuteWindow(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute)
}

// LimitsFor extracts the quota limits from a provider's configuration.
func LimitsFor(p types.ProviderConfig) types.QuotaLimits {
	return types.QuotaLimits{Daily: p.DailyLimit, DailyBuffer: p.DailyBuffer, Minute: p.MinuteLimit}
}

// Need is the date range a single ticker still requires.
type Need struct {
	Ticker string
	Range  types.DateRange
}

// Batch is one provider call: a set of tickers over a shared date range.
type Batch struct {
	Tickers []string
	Range   types.DateRange
}

// Plan is the outcome of batch planning.
type Plan struct {
	Batches []Batch
	// Deferred holds the tickers that did not fit into the remaining budget.
	Deferred []string
}

// PlanBatches orders needs by range length (largest first, ticker name breaks ties),
// groups them into batches of at most batchSize tickers, and keeps only as many
// batches as the remaining budget allows.
func PlanBatches(needs []Need, batchSize, remaining int) Plan {
	if batchSize < 1 {
		batchSize = 1
	}
	sorted := make([]Need, 0, len(needs))
	for _, n := range needs {
		if !n.Range.Empty() {
			sorted = append(sorted, n)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		di, dj := sorted[i].Range.Days(), sorted[j].Range.Days()
		if di != dj {
			return di > dj
		}
		return sorted[i].Ticker < sorted[j].Ticker
	})

	var plan Plan
	for start := 0; start < len(sorted); start += batchSize {
		end := start + batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		group := sorted[start:end]
		if len(plan.Batches) >= remaining {
			for _, n := range group {
				plan.Deferred = append(plan.Deferred, n.Ticker)
			}
			continue
		}
		b := Batch{Range: group[0].Range}
		for _, n := range group {
			b.Tickers = append(b.Tickers, n.Ticker)
			if n.Range.Start.Before(b.Range.Start) {
				b.Range.Start = n.Range.Start
			}
			if n.Range.End.After(b.Range.End) {
				b.Range.End = n.Range.End
			}
		}
		plan.Batches = append(plan.Batches, b)
	}
	return plan
}
