package universe

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// File is the on-disk rebalance schedule.
//
//	rebalances:
//	  - date: "2026-01-02"
//	    members:
//	      - {ticker: AAA, shares: 1200}
type File struct {
	Rebalances []FileEvent `yaml:"rebalances"`
}

// FileEvent is one rebalance in a File.
type FileEvent struct {
	Date    string            `yaml:"date"`
	Members []types.Rebalance `yaml:"members"`
}

// Event is a validated rebalance ready to store.
type Event struct {
	Date    time.Time
	Members []types.Rebalance
}

// LoadFile reads and validates a rebalance file. Events are returned in date order.
func LoadFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rebalance file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile validates a rebalance document. Every event needs a date, at least
// one member, unique tickers and positive share counts.
func ParseFile(data []byte) ([]Event, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rebalance file: %w", err)
	}
	if len(f.Rebalances) == 0 {
		return nil, fmt.Errorf("rebalance file has no rebalances")
	}

	seenDates := make(map[time.Time]bool)
	out := make([]Event, 0, len(f.Rebalances))
	for i, fe := range f.Rebalances {
		d, err := types.ParseDate(fe.Date)
		if err != nil {
			return nil, fmt.Errorf("rebalance %d: %w", i, err)
		}
		if seenDates[d] {
			return nil, fmt.Errorf("rebalance %s listed twice", fe.Date)
		}
		seenDates[d] = true
		if len(fe.Members) == 0 {
			return nil, fmt.Errorf("rebalance %s has no members", fe.Date)
		}

		seen := make(map[string]bool, len(fe.Members))
		members := make([]types.Rebalance, 0, len(fe.Members))
		for _, m := range fe.Members {
			ticker := strings.TrimSpace(m.Ticker)
			switch {
			case ticker == "":
				return nil, fmt.Errorf("rebalance %s: member without ticker", fe.Date)
			case seen[ticker]:
				return nil, fmt.Errorf("rebalance %s: ticker %s listed twice", fe.Date, ticker)
			case m.Shares <= 0:
				return nil, fmt.Errorf("rebalance %s: ticker %s has non-positive shares", fe.Date, ticker)
			}
			seen[ticker] = true
			members = append(members, types.Rebalance{RebalanceDate: d, Ticker: ticker, Shares: m.Shares})
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Ticker < members[j].Ticker })
		out = append(out, Event{Date: d, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
