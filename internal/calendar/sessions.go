package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Sessions answers trading-day questions for one exchange calendar.
type Sessions struct {
	closedDays  map[time.Weekday]bool
	closedDates map[time.Time]bool
}

// NewSessions builds the session rules of cal. A nil calendar, or one without
// days, closes on Saturday and Sunday.
func NewSessions(cal *types.Calendar) (*Sessions, error) {
	s := &Sessions{
		closedDays:  map[time.Weekday]bool{time.Saturday: true, time.Sunday: true},
		closedDates: make(map[time.Time]bool),
	}
	if cal == nil {
		return s, nil
	}
	if len(cal.Days) > 0 {
		s.closedDays = make(map[time.Weekday]bool, len(cal.Days))
		for _, name := range cal.Days {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("unknown weekday %q", name)
			}
			s.closedDays[wd] = true
		}
	}
	if len(s.closedDays) == 7 {
		return nil, fmt.Errorf("calendar closes every weekday")
	}
	for _, ds := range cal.Dates {
		d, err := types.ParseDate(ds)
		if err != nil {
			return nil, err
		}
		s.closedDates[d] = true
	}
	return s, nil
}

// IsTradingDay reports whether the exchange is open on d.
func (s *Sessions) IsTradingDay(d time.Time) bool {
	d = types.Day(d)
	return !s.closedDays[d.Weekday()] && !s.closedDates[d]
}

// Prev returns the last trading day strictly before d.
func (s *Sessions) Prev(d time.Time) time.Time {
	d = types.Day(d).AddDate(0, 0, -1)
	for !s.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// Next returns the first trading day strictly after d.
func (s *Sessions) Next(d time.Time) time.Time {
	d = types.Day(d).AddDate(0, 0, 1)
	for !s.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// Between counts the trading days in (from, to]. It is zero when to is not after from.
func (s *Sessions) Between(from, to time.Time) int {
	from, to = types.Day(from), types.Day(to)
	n := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if s.IsTradingDay(d) {
			n++
		}
	}
	return n
}

// ExpectedLatest is the most recent session whose end-of-day prices should be
// published by now: the last trading day before now's UTC date.
func (s *Sessions) ExpectedLatest(now time.Time) time.Time {
	return s.Prev(now)
}
