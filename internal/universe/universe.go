// Package universe resolves the constituent universe of the index from the
// rebalance schedule: on any day the members are those of the latest rebalance
// on or before it.
package universe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

type event struct {
	date    time.Time
	members []types.Rebalance
}

// Schedule is an immutable view of the rebalance events.
type Schedule struct {
	events []event
}

// Load reads the rebalance schedule from s.
func Load(ctx context.Context, s store.Store) (*Schedule, error) {
	rows, err := s.ListRebalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rebalance schedule: %w", err)
	}
	return New(rows), nil
}

// New builds a schedule from rebalance rows in any order.
func New(rows []types.Rebalance) *Schedule {
	byDate := make(map[time.Time][]types.Rebalance)
	for _, r := range rows {
		d := types.Day(r.RebalanceDate)
		r.RebalanceDate = d
		byDate[d] = append(byDate[d], r)
	}
	s := &Schedule{events: make([]event, 0, len(byDate))}
	for d, members := range byDate {
		sort.Slice(members, func(i, j int) bool { return members[i].Ticker < members[j].Ticker })
		s.events = append(s.events, event{date: d, members: members})
	}
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].date.Before(s.events[j].date) })
	return s
}

// Empty reports whether the schedule has no events.
func (s *Schedule) Empty() bool { return len(s.events) == 0 }

// First returns the earliest rebalance date, or zero.
func (s *Schedule) First() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.events[0].date
}

// On returns the rebalance effective on day and its members, sorted by ticker.
// ok is false before the first rebalance.
func (s *Schedule) On(day time.Time) (time.Time, []types.Rebalance, bool) {
	day = types.Day(day)
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].date.After(day) })
	if i == 0 {
		return time.Time{}, nil, false
	}
	e := s.events[i-1]
	return e.date, e.members, true
}

// Tickers returns the members active on day, sorted.
func (s *Schedule) Tickers(day time.Time) []string {
	_, members, ok := s.On(day)
	if !ok {
		return nil
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Ticker
	}
	return out
}

// Active maps every ticker that is a member on at least one of days to the
// first and last of those days.
func (s *Schedule) Active(days []time.Time) map[string]types.DateRange {
	out := make(map[string]types.DateRange)
	for _, d := range days {
		d = types.Day(d)
		for _, t := range s.Tickers(d) {
			r, ok := out[t]
			if !ok {
				out[t] = types.DateRange{Start: d, End: d}
				continue
			}
			if d.Before(r.Start) {
				r.Start = d
			}
			if d.After(r.End) {
				r.End = d
			}
			out[t] = r
		}
	}
	return out
}

// Filter restricts a ticker list to those in keep. An empty keep list keeps all.
func Filter(tickers, keep []string) []string {
	if len(keep) == 0 {
		return tickers
	}
	set := make(map[string]bool, len(keep))
	for _, k := range keep {
		set[k] = true
	}
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if set[t] {
			out = append(out, t)
		}
	}
	return out
}
