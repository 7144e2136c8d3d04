package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"barfill/internal/domain"
)

// fakeProvider is a test double with a fixed name and timeframe support set.
type fakeProvider struct {
	name     string
	supports map[domain.Timeframe]bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Supports(tf domain.Timeframe) bool {
	if f.supports == nil {
		return true
	}
	return f.supports[tf]
}

func (f *fakeProvider) FetchBars(context.Context, string, domain.Timeframe, time.Time, time.Time) ([]domain.Bar, error) {
	return nil, nil
}

func TestRouterIntradayToday(t *testing.T) {
	low := &fakeProvider{name: "alpaca"}
	bulk := &fakeProvider{name: "tiingo"}
	r := NewRouter(low, bulk)

	now := time.Date(2025, 6, 11, 18, 0, 0, 0, time.UTC) // Wednesday 14:00 ET

	cases := []struct {
		name  string
		tf    domain.Timeframe
		slice domain.TimeRange
		want  string
	}{
		{
			name:  "intraday slice touching today goes low latency",
			tf:    domain.TimeframeM15,
			slice: domain.TimeRange{Start: now.Add(-4 * time.Hour), End: now},
			want:  "alpaca",
		},
		{
			name:  "historical intraday goes bulk",
			tf:    domain.TimeframeH1,
			slice: domain.TimeRange{Start: now.AddDate(0, 0, -10), End: now.AddDate(0, 0, -9)},
			want:  "tiingo",
		},
		{
			name:  "daily goes bulk even when current",
			tf:    domain.TimeframeD1,
			slice: domain.TimeRange{Start: now.AddDate(0, 0, -30), End: now},
			want:  "tiingo",
		},
		{
			name:  "weekly goes bulk",
			tf:    domain.TimeframeW1,
			slice: domain.TimeRange{Start: now.AddDate(0, -6, 0), End: now},
			want:  "tiingo",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Route(tc.tf, tc.slice, now)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if got.Name() != tc.want {
				t.Errorf("routed to %s, want %s", got.Name(), tc.want)
			}
		})
	}
}

func TestRouterFallback(t *testing.T) {
	low := &fakeProvider{name: "alpaca"}
	now := time.Date(2025, 6, 11, 18, 0, 0, 0, time.UTC)
	histSlice := domain.TimeRange{Start: now.AddDate(0, 0, -30), End: now.AddDate(0, 0, -20)}

	// No bulk provider configured: historical work falls back to low latency.
	r := NewRouter(low, nil)
	got, err := r.Route(domain.TimeframeD1, histSlice, now)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.Name() != "alpaca" {
		t.Errorf("routed to %s, want alpaca fallback", got.Name())
	}

	// Nothing configured at all is an error.
	empty := NewRouter(nil, nil)
	if _, err := empty.Route(domain.TimeframeD1, histSlice, now); err == nil {
		t.Error("expected error with no providers configured")
	}
}

func TestErrorCodeExtraction(t *testing.T) {
	base := errors.New("boom")

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"classified error", NewError("tiingo", domain.ErrCodeInvalidSymbol, base), domain.ErrCodeInvalidSymbol},
		{"wrapped classified error", fmt.Errorf("fetch: %w", NewRateLimitError("alpaca", time.Minute, base)), domain.ErrCodeRateLimit},
		{"deadline", context.DeadlineExceeded, domain.ErrCodeTimeout},
		{"unclassified", base, domain.ErrCodeProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Errorf("Code() = %s, want %s", got, tc.want)
			}
		})
	}

	if got := RetryAfter(fmt.Errorf("x: %w", NewRateLimitError("alpaca", 30*time.Second, base))); got != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", got)
	}
	if RetryAfter(base) != 0 {
		t.Error("RetryAfter on plain error should be 0")
	}
}

func TestCodeForStatus(t *testing.T) {
	cases := map[int]string{
		429: domain.ErrCodeRateLimit,
		404: domain.ErrCodeInvalidSymbol,
		422: domain.ErrCodeInvalidSymbol,
		504: domain.ErrCodeTimeout,
		500: domain.ErrCodeProviderUnavailable,
		503: domain.ErrCodeProviderUnavailable,
	}
	for status, want := range cases {
		if got := codeForStatus(status); got != want {
			t.Errorf("codeForStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestParseTiingoTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-06-11T00:00:00.000Z", time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)},
		{"2025-06-11T13:30:00Z", time.Date(2025, 6, 11, 13, 30, 0, 0, time.UTC)},
		{"2025-06-11", time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parseTiingoTime(tc.in)
		if err != nil {
			t.Errorf("parseTiingoTime(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("parseTiingoTime(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseTiingoTime("last tuesday"); err == nil {
		t.Error("expected error for junk timestamp")
	}
}
