// Package httpapi exposes the coverage orchestrator over HTTP: registering
// coverage requests, inspecting coverage status, and reading stored bars.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"barfill/internal/domain"
	"barfill/internal/store"
)

// Coverager is the orchestrator surface the API needs.
type Coverager interface {
	EnsureCoverage(ctx context.Context, symbol string, timeframes []domain.Timeframe, windowDays, priority int) ([]domain.JobDefinition, error)
	ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Bar, error)
}

// Server serves the coverage HTTP API.
type Server struct {
	orch Coverager
	cov  store.CoverageStore
	jobs store.JobStore
	log  *slog.Logger
}

// NewServer creates a Server.
func NewServer(orch Coverager, cov store.CoverageStore, jobs store.JobStore) *Server {
	return &Server{
		orch: orch,
		cov:  cov,
		jobs: jobs,
		log:  slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/coverage/{symbol}", s.handleEnsureCoverage)
	mux.HandleFunc("GET /api/coverage/{symbol}", s.handleCoverageStatus)
	mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleEnsureCoverage registers definitions and schedules missing slices.
func (s *Server) handleEnsureCoverage(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))

	var req EnsureCoverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Timeframes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one timeframe required")
		return
	}

	timeframes := make([]domain.Timeframe, 0, len(req.Timeframes))
	for _, raw := range req.Timeframes {
		tf, err := domain.ParseTimeframe(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		timeframes = append(timeframes, tf)
	}

	defs, err := s.orch.EnsureCoverage(r.Context(), symbol, timeframes, req.WindowDays, req.Priority)
	if err != nil {
		s.log.Error("ensure coverage failed", "symbol", symbol, "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := EnsureCoverageResponse{Definitions: make([]DefinitionView, 0, len(defs))}
	for _, def := range defs {
		view := DefinitionView{
			ID:         def.ID,
			Symbol:     def.Symbol,
			Timeframe:  string(def.Timeframe),
			WindowDays: def.WindowDays,
			Priority:   def.Priority,
			RunCounts:  map[string]int{},
		}
		counts, err := s.jobs.CountRunsByStatus(r.Context(), def.Symbol, def.Timeframe)
		if err != nil {
			s.log.Error("counting runs", "symbol", def.Symbol, "timeframe", def.Timeframe, "err", err)
		}
		for status, n := range counts {
			view.RunCounts[string(status)] = n
		}
		resp.Definitions = append(resp.Definitions, view)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encoding JSON response", "err", err)
	}
}

// handleCoverageStatus reports the cached coverage span and run counts per
// timeframe.
func (s *Server) handleCoverageStatus(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	ctx := r.Context()

	resp := CoverageStatusResponse{Symbol: symbol}
	found := false
	for _, tf := range domain.Timeframes {
		counts, err := s.jobs.CountRunsByStatus(ctx, symbol, tf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		tc := TimeframeCoverage{Timeframe: string(tf), RunCounts: map[string]int{}}
		for status, n := range counts {
			tc.RunCounts[string(status)] = n
		}

		cs, err := s.cov.GetCoverage(ctx, symbol, tf)
		switch {
		case err == nil:
			tc.FromTS = &cs.FromTS
			tc.ToTS = &cs.ToTS
			tc.LastSuccessAt = &cs.LastSuccessAt
			tc.LastProvider = cs.LastProvider
		case !errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		if len(counts) > 0 || err == nil {
			found = true
			resp.Timeframes = append(resp.Timeframes, tc)
		}
	}

	if !found {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	writeJSON(w, resp)
}

// handleBars returns stored bars for ?timeframe=&from=&to= as RFC 3339
// timestamps.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	q := r.URL.Query()

	tf, err := domain.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	bars, err := s.orch.ReadBars(r.Context(), symbol, tf, from, to)
	if err != nil {
		s.log.Error("reading bars failed", "symbol", symbol, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, BarsResponse{
		Symbol:    symbol,
		Timeframe: string(tf),
		Bars:      barViews(bars),
	})
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("required")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		// Bare dates are accepted as UTC midnight.
		t, err = time.Parse("2006-01-02", v)
	}
	return t.UTC(), err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
