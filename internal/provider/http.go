package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/pkg/types"
)

const maxBodyBytes = 16 << 20

// BreakerSettings controls when a provider's circuit opens.
type BreakerSettings struct {
	FailThreshold uint32        // consecutive failures before opening (default 5)
	Cooldown      time.Duration // how long to stay open before a probe (default 60s)
}

// HTTPClient talks to one EOD provider. Calls are paced to the provider's
// per-minute limit and pass through a circuit breaker.
type HTTPClient struct {
	name    string
	kind    types.ProviderKind
	baseURL string
	apiKey  string
	timeout time.Duration

	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithLimiter replaces the pacing limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(h *HTTPClient) { h.limiter = l }
}

// WithBreaker replaces the default breaker settings.
func WithBreaker(s BreakerSettings) Option {
	return func(h *HTTPClient) { h.breaker = newBreaker(h.name, s) }
}

// NewHTTPClient builds a client for a configured provider.
func NewHTTPClient(cfg types.ProviderConfig, opts ...Option) *HTTPClient {
	perSecond := float64(cfg.MinuteLimit) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	h := &HTTPClient{
		name:    cfg.Name,
		kind:    cfg.Kind,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: config.MustDuration(cfg.Timeout, config.DefaultTimeout),
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		breaker: newBreaker(cfg.Name, BreakerSettings{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func newBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.FailThreshold == 0 {
		s.FailThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 60 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailThreshold
		},
		// Only outages trip the breaker; a rejected symbol or a throttle does not.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch Category(err) {
			case types.FailurePermanent, types.FailureThrottled:
				return true
			}
			return false
		},
	})
}

// Name returns the provider name.
func (h *HTTPClient) Name() string { return h.name }

// Healthy reports whether the breaker currently lets calls through.
func (h *HTTPClient) Healthy() bool {
	return h.breaker.State() != gobreaker.StateOpen
}

// FetchEOD requests end-of-day quotes for tickers over r. Per-ticker providers
// accept exactly one ticker per call.
func (h *HTTPClient) FetchEOD(ctx context.Context, tickers []string, r types.DateRange) ([]Quote, error) {
	if len(tickers) == 0 || r.Empty() {
		return nil, nil
	}
	if h.kind == types.ProviderPerTicker && len(tickers) != 1 {
		return nil, &FetchError{Provider: h.name, Category: types.FailurePermanent,
			Err: fmt.Errorf("per-ticker provider called with %d tickers", len(tickers))}
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Provider: h.name, Category: types.FailureTimeout, Err: err}
	}

	out, err := h.breaker.Execute(func() (interface{}, error) {
		return h.do(ctx, tickers, r)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{Provider: h.name, Category: types.FailureBreaker, Err: err}
		}
		return nil, err
	}
	return out.([]Quote), nil
}

func (h *HTTPClient) do(ctx context.Context, tickers []string, r types.DateRange) ([]Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.requestURL(tickers, r), nil)
	if err != nil {
		return nil, &FetchError{Provider: h.name, Category: types.FailurePermanent, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &FetchError{Provider: h.name, Category: types.FailureTimeout, Err: err}
		}
		return nil, &FetchError{Provider: h.name, Category: types.FailureTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Provider: h.name, Category: types.FailureTransient, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &FetchError{
			Provider:   h.name,
			Category:   classifyHTTPStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("%s", truncate(string(body), 200)),
		}
	}

	var quotes []Quote
	switch h.kind {
	case types.ProviderPerTicker:
		quotes, err = decodePerTicker(tickers[0], body)
	default:
		quotes, err = decodeMultiSymbol(body)
	}
	if err != nil {
		return nil, &FetchError{Provider: h.name, Category: types.FailurePermanent, Err: err}
	}
	return filterQuotes(quotes, tickers, r), nil
}

func (h *HTTPClient) requestURL(tickers []string, r types.DateRange) string {
	q := url.Values{}
	if h.kind == types.ProviderPerTicker {
		q.Set("from", types.FormatDate(r.Start))
		q.Set("to", types.FormatDate(r.End))
		if h.apiKey != "" {
			q.Set("token", h.apiKey)
		}
		return h.baseURL + "/eod/" + url.PathEscape(tickers[0]) + "?" + q.Encode()
	}
	q.Set("symbols", strings.Join(tickers, ","))
	q.Set("date_from", types.FormatDate(r.Start))
	q.Set("date_to", types.FormatDate(r.End))
	q.Set("limit", "1000")
	if h.apiKey != "" {
		q.Set("access_key", h.apiKey)
	}
	return h.baseURL + "/eod?" + q.Encode()
}

type perTickerRow struct {
	Date     string   `json:"date"`
	Close    *float64 `json:"close"`
	AdjClose *float64 `json:"adjClose"`
}

func decodePerTicker(ticker string, body []byte) ([]Quote, error) {
	var rows []perTickerRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding per-ticker response: %w", err)
	}
	out := make([]Quote, 0, len(rows))
	for _, row := range rows {
		d, err := parseQuoteDate(row.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, Quote{Ticker: ticker, Date: d, Close: row.Close, AdjClose: row.AdjClose})
	}
	return out, nil
}

type multiSymbolResponse struct {
	Data []struct {
		Symbol   string   `json:"symbol"`
		Date     string   `json:"date"`
		Close    *float64 `json:"close"`
		AdjClose *float64 `json:"adj_close"`
	} `json:"data"`
}

func decodeMultiSymbol(body []byte) ([]Quote, error) {
	var resp multiSymbolResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding multi-symbol response: %w", err)
	}
	out := make([]Quote, 0, len(resp.Data))
	for _, row := range resp.Data {
		d, err := parseQuoteDate(row.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, Quote{Ticker: row.Symbol, Date: d, Close: row.Close, AdjClose: row.AdjClose})
	}
	return out, nil
}

// parseQuoteDate accepts a bare date or any timestamp that starts with one.
func parseQuoteDate(s string) (time.Time, error) {
	if len(s) < len(types.DateLayout) {
		return time.Time{}, fmt.Errorf("invalid quote date %q", s)
	}
	return types.ParseDate(s[:len(types.DateLayout)])
}

// filterQuotes drops rows outside the request and keeps the last row per key, sorted.
func filterQuotes(quotes []Quote, tickers []string, r types.DateRange) []Quote {
	want := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		want[t] = true
	}
	seen := make(map[types.PriceKey]int)
	out := make([]Quote, 0, len(quotes))
	for _, q := range quotes {
		if !want[q.Ticker] || !r.Contains(q.Date) {
			continue
		}
		k := types.PriceKey{Ticker: q.Ticker, TradeDate: q.Date}
		if i, ok := seen[k]; ok {
			out[i] = q
			continue
		}
		seen[k] = len(out)
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
