package barfill

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:8080")
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.httpClient == nil {
		t.Fatal("expected non-nil httpClient")
	}
}

func TestEnsureCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/coverage/AAPL" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req CoverageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.WindowDays != 30 {
			t.Errorf("window_days = %d, want 30", req.WindowDays)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"definitions": []Definition{{ID: 1, Symbol: "AAPL", Timeframe: "h1", WindowDays: 30}},
		})
	}))
	defer srv.Close()

	defs, err := NewClient(srv.URL).EnsureCoverage(context.Background(), "AAPL", CoverageRequest{
		Timeframes: []string{"h1"},
		WindowDays: 30,
	})
	if err != nil {
		t.Fatalf("EnsureCoverage: %v", err)
	}
	if len(defs) != 1 || defs[0].Symbol != "AAPL" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestGetBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bars/AAPL" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if tf := r.URL.Query().Get("timeframe"); tf != "d1" {
			t.Errorf("timeframe = %s", tf)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"symbol": "AAPL", "timeframe": "d1",
			"bars": []map[string]any{
				{"timestamp": "2025-06-02T00:00:00Z", "open": "100", "high": "105", "low": "99", "close": "104", "volume": 1000, "provider": "tiingo"},
			},
		})
	}))
	defer srv.Close()

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars, err := NewClient(srv.URL).GetBars(context.Background(), "AAPL", "d1", from, from.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bars))
	}
	if bars[0].Close.String() != "104" {
		t.Errorf("close = %s, want 104", bars[0].Close)
	}
}

func TestAPIErrorSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown symbol NOPE"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetCoverage(context.Background(), "NOPE")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "unknown symbol NOPE" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
