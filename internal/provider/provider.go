// Package provider defines the upstream market-data adapters and the routing
// policy that picks one for each fetch slice.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"barfill/internal/domain"
)

// MarketDataProvider fetches OHLCV bars from one upstream vendor.
type MarketDataProvider interface {
	// Name returns the provider identifier recorded on bars and runs.
	Name() string

	// FetchBars returns bars for the symbol and timeframe within [from, to),
	// timestamps normalized to the bar-open convention in UTC. Errors are
	// wrapped in *Error with a taxonomy code.
	FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)

	// Supports reports whether the provider can serve the timeframe.
	Supports(tf domain.Timeframe) bool
}

// Error is a classified provider failure. Code is one of the domain error
// codes and drives the worker's retry decision.
type Error struct {
	Code       string
	Provider   string
	RetryAfter time.Duration // nonzero only for rate limits
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a taxonomy code.
func NewError(providerName, code string, err error) *Error {
	return &Error{Code: code, Provider: providerName, Err: err}
}

// NewRateLimitError wraps a 429-style rejection, carrying the vendor's
// suggested backoff when it supplied one.
func NewRateLimitError(providerName string, retryAfter time.Duration, err error) *Error {
	return &Error{Code: domain.ErrCodeRateLimit, Provider: providerName, RetryAfter: retryAfter, Err: err}
}

// Code extracts the taxonomy code from err. Context errors map to TIMEOUT;
// anything unclassified is treated as the provider being unavailable.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.ErrCodeTimeout
	}
	return domain.ErrCodeProviderUnavailable
}

// RetryAfter extracts the vendor backoff hint from err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Terminal reports whether the error code means retrying cannot help.
func Terminal(code string) bool {
	return code == domain.ErrCodeInvalidSymbol
}

// codeForStatus maps an HTTP status to a taxonomy code. Used by both
// adapters.
func codeForStatus(status int) string {
	switch {
	case status == 429:
		return domain.ErrCodeRateLimit
	case status == 400 || status == 404 || status == 422:
		return domain.ErrCodeInvalidSymbol
	case status == 408 || status == 504:
		return domain.ErrCodeTimeout
	default:
		return domain.ErrCodeProviderUnavailable
	}
}
