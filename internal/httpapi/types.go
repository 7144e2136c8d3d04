package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"barfill/internal/domain"
)

// EnsureCoverageRequest is the body of POST /api/coverage/{symbol}.
type EnsureCoverageRequest struct {
	Timeframes []string `json:"timeframes"`
	WindowDays int      `json:"window_days"`
	Priority   int      `json:"priority"`
}

// DefinitionView is one registered definition in an EnsureCoverage response.
// RunCounts reports slice progress by status so callers can poll for
// completion.
type DefinitionView struct {
	ID         int64          `json:"id"`
	Symbol     string         `json:"symbol"`
	Timeframe  string         `json:"timeframe"`
	WindowDays int            `json:"window_days"`
	Priority   int            `json:"priority"`
	RunCounts  map[string]int `json:"run_counts"`
}

// EnsureCoverageResponse is the body returned by POST /api/coverage/{symbol}.
type EnsureCoverageResponse struct {
	Definitions []DefinitionView `json:"definitions"`
}

// TimeframeCoverage is the per-timeframe block of a coverage status response.
type TimeframeCoverage struct {
	Timeframe     string         `json:"timeframe"`
	FromTS        *time.Time     `json:"from_ts,omitempty"`
	ToTS          *time.Time     `json:"to_ts,omitempty"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	LastProvider  string         `json:"last_provider,omitempty"`
	RunCounts     map[string]int `json:"run_counts"`
}

// CoverageStatusResponse is the body of GET /api/coverage/{symbol}.
type CoverageStatusResponse struct {
	Symbol     string              `json:"symbol"`
	Timeframes []TimeframeCoverage `json:"timeframes"`
}

// BarView is one OHLCV row in a bars response.
type BarView struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Provider  string          `json:"provider"`
}

// BarsResponse is the body of GET /api/bars/{symbol}.
type BarsResponse struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Bars      []BarView `json:"bars"`
}

func barViews(bars []domain.Bar) []BarView {
	out := make([]BarView, 0, len(bars))
	for _, b := range bars {
		out = append(out, BarView{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			Provider:  b.Provider,
		})
	}
	return out
}
