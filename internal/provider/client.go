// Package provider fetches end-of-day prices from third-party HTTP providers and
// charges every call against the provider's persisted quota.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// Quote is one end-of-day observation returned by a provider.
type Quote struct {
	Ticker   string
	Date     time.Time
	Close    *float64
	AdjClose *float64
}

// Client is a provider's raw EOD endpoint. One FetchEOD is one billable call.
type Client interface {
	Name() string
	FetchEOD(ctx context.Context, tickers []string, r types.DateRange) ([]Quote, error)
	// Healthy reports false while the provider's circuit breaker is open.
	Healthy() bool
}

// FetchError is a classified provider failure.
type FetchError struct {
	Provider   string
	Category   types.FailureCategory
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Category, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Category returns the failure category of err, TRANSIENT when unclassified.
func Category(err error) types.FailureCategory {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.FailureTimeout
	}
	return types.FailureTransient
}

func classifyHTTPStatus(code int) types.FailureCategory {
	switch {
	case code == http.StatusTooManyRequests:
		return types.FailureThrottled
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return types.FailureTimeout
	case code >= 400 && code < 500:
		return types.FailurePermanent
	default:
		return types.FailureTransient
	}
}
