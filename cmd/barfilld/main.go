package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barfill/internal/config"
	"barfill/internal/coverage"
	"barfill/internal/domain"
	"barfill/internal/httpapi"
	"barfill/internal/orchestrator"
	"barfill/internal/provider"
	"barfill/internal/resample"
	"barfill/internal/store"
	"barfill/internal/util"
)

func main() {
	cfgFlag := flag.String("config", "", "path to YAML config (overrides BARFILL_CONFIG)")
	flag.Parse()

	cfgPath := "config/barfill.yaml"
	if p := os.Getenv("BARFILL_CONFIG"); p != "" {
		cfgPath = p
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Dual logger: stdout + /tmp log file.
	logFileName := fmt.Sprintf("/tmp/barfilld-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.Create(logFileName)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	w := io.MultiWriter(os.Stdout, logFile)
	util.SetDefault(util.NewLoggerTo(w, cfg.Logging.Level, cfg.Logging.Format))

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	policy, err := resample.ParseSessionPolicy(cfg.Scheduler.Session)
	if err != nil {
		log.Fatalf("invalid scheduler.session: %v", err)
	}
	tracker := coverage.NewTracker(db, db, db, policy)
	if a := cfg.Providers.Alpaca; a.APIKey != "" {
		tracker.SetCalendar(provider.NewTradingCalendar(a.APIKey, a.APISecret, a.BaseURL))
	}

	router := provider.NewRouter(buildProviders(cfg))
	orch := orchestrator.New(db, db, tracker, router, orchestratorOptions(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seedWatchlist(ctx, db, cfg.Watchlist); err != nil {
		log.Fatalf("failed to seed watchlist: %v", err)
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("failed to start orchestrator: %v", err)
	}
	defer orch.Stop()

	api := httpapi.NewServer(orch, db, db)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("barfilld listening", "addr", cfg.Server.Addr(), "logFile", logFileName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "err", err)
	}
}

// buildProviders constructs the configured provider adapters. A provider
// without credentials is left nil and the router falls back to the other.
func buildProviders(cfg *config.Config) (lowLatency, bulk provider.MarketDataProvider) {
	if a := cfg.Providers.Alpaca; a.APIKey != "" {
		limiter := util.NewRateLimiter(a.RateLimitPerMin, a.Burst)
		lowLatency = provider.NewAlpacaProvider(a.APIKey, a.APISecret, a.DataURL, limiter)
	} else {
		slog.Warn("alpaca credentials missing, low-latency provider disabled")
	}
	if t := cfg.Providers.Tiingo; t.APIKey != "" {
		limiter := util.NewRateLimiter(t.RateLimitPerMin, t.Burst)
		bulk = provider.NewTiingoProvider(t.APIKey, t.BaseURL, limiter)
	} else {
		slog.Warn("tiingo credentials missing, bulk provider disabled")
	}
	return lowLatency, bulk
}

func orchestratorOptions(cfg *config.Config) orchestrator.Options {
	maxSlice := make(map[domain.Timeframe]int, len(cfg.Scheduler.MaxSliceHours))
	for tf, hours := range cfg.Scheduler.MaxSliceHours {
		maxSlice[domain.Timeframe(tf)] = hours
	}
	return orchestrator.Options{
		TickInterval:  time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		MaxConcurrent: cfg.Scheduler.MaxConcurrentJobs,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		FetchTimeout:  time.Duration(cfg.Scheduler.FetchTimeoutSeconds) * time.Second,
		BatchSize:     cfg.Scheduler.BatchSize,
		StuckTimeout:  time.Duration(cfg.Scheduler.StuckTimeoutMinutes) * time.Minute,
		MaxSliceHours: maxSlice,
	}
}

// seedWatchlist upserts a definition per configured watchlist entry so the
// first tick starts filling them.
func seedWatchlist(ctx context.Context, jobs store.JobStore, items []config.WatchlistItem) error {
	for _, item := range items {
		for _, raw := range item.Timeframes {
			tf, err := domain.ParseTimeframe(raw)
			if err != nil {
				return fmt.Errorf("watchlist entry %s: %w", item.Symbol, err)
			}
			def := domain.JobDefinition{
				Symbol:     item.Symbol,
				Timeframe:  tf,
				WindowDays: item.WindowDays,
				Priority:   item.Priority,
			}
			if err := jobs.UpsertDefinition(ctx, &def); err != nil {
				return fmt.Errorf("seeding %s/%s: %w", item.Symbol, tf, err)
			}
		}
	}
	if len(items) > 0 {
		slog.Info("watchlist seeded", "entries", len(items))
	}
	return nil
}
