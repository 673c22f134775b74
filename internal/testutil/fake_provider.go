package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Client = (*FakeProvider)(nil)

// FakeProvider is an in-memory provider.Client serving a fixed price table.
type FakeProvider struct {
	mu        sync.Mutex
	name      string
	prices    map[types.PriceKey]float64
	errs      []error
	unhealthy bool
	requests  [][]string
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{name: name, prices: make(map[types.PriceKey]float64)}
}

// Set stores a price served as both close and adj_close.
func (f *FakeProvider) Set(ticker string, day time.Time, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[types.PriceKey{Ticker: ticker, TradeDate: types.Day(day)}] = price
}

// FailNext queues errors returned by the next calls, one per call.
func (f *FakeProvider) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// SetHealthy simulates the circuit breaker state.
func (f *FakeProvider) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = !ok
}

// Calls returns the number of FetchEOD calls made.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns the ticker batches requested, in call order.
func (f *FakeProvider) Requests() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *FakeProvider) Name() string { return f.name }

func (f *FakeProvider) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unhealthy
}

func (f *FakeProvider) FetchEOD(_ context.Context, tickers []string, r types.DateRange) ([]provider.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, append([]string(nil), tickers...))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	want := toSet(tickers)
	var out []provider.Quote
	for k, p := range f.prices {
		if !want[k.Ticker] || !r.Contains(k.TradeDate) {
			continue
		}
		out = append(out, provider.Quote{Ticker: k.Ticker, Date: k.TradeDate, Close: F(p), AdjClose: F(p)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}
