// Package barfill provides a Go client for the barfill daemon API.
package barfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to a barfill daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client against the given base URL, e.g.
// "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CoverageRequest asks the daemon to keep a symbol covered.
type CoverageRequest struct {
	Timeframes []string `json:"timeframes"`
	WindowDays int      `json:"window_days"`
	Priority   int      `json:"priority"`
}

// Definition is one registered coverage definition. RunCounts reports slice
// progress by status at registration time.
type Definition struct {
	ID         int64          `json:"id"`
	Symbol     string         `json:"symbol"`
	Timeframe  string         `json:"timeframe"`
	WindowDays int            `json:"window_days"`
	Priority   int            `json:"priority"`
	RunCounts  map[string]int `json:"run_counts"`
}

// TimeframeCoverage is one timeframe's block in a coverage status.
type TimeframeCoverage struct {
	Timeframe     string         `json:"timeframe"`
	FromTS        *time.Time     `json:"from_ts"`
	ToTS          *time.Time     `json:"to_ts"`
	LastSuccessAt *time.Time     `json:"last_success_at"`
	LastProvider  string         `json:"last_provider"`
	RunCounts     map[string]int `json:"run_counts"`
}

// CoverageStatus is the daemon's coverage report for one symbol.
type CoverageStatus struct {
	Symbol     string              `json:"symbol"`
	Timeframes []TimeframeCoverage `json:"timeframes"`
}

// Bar is one OHLCV row.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Provider  string          `json:"provider"`
}

// EnsureCoverage registers (or refreshes) coverage for a symbol.
func (c *Client) EnsureCoverage(ctx context.Context, symbol string, req CoverageRequest) ([]Definition, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Definitions []Definition `json:"definitions"`
	}
	err = c.do(ctx, http.MethodPost, "/api/coverage/"+url.PathEscape(symbol), bytes.NewReader(body), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Definitions, nil
}

// GetCoverage returns the coverage status for a symbol.
func (c *Client) GetCoverage(ctx context.Context, symbol string) (*CoverageStatus, error) {
	var status CoverageStatus
	if err := c.do(ctx, http.MethodGet, "/api/coverage/"+url.PathEscape(symbol), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetBars returns stored bars for [from, to).
func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]Bar, error) {
	q := url.Values{
		"timeframe": {timeframe},
		"from":      {from.UTC().Format(time.RFC3339)},
		"to":        {to.UTC().Format(time.RFC3339)},
	}

	var resp struct {
		Bars []Bar `json:"bars"`
	}
	path := "/api/bars/" + url.PathEscape(symbol) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("barfill api: %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := http.StatusText(resp.StatusCode)
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
