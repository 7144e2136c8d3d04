// Package config loads the barfill YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the barfill daemon.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Logging   Logging         `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watchlist []WatchlistItem `yaml:"watchlist"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the listen address in host:port form.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProvidersConfig holds the upstream market-data providers.
type ProvidersConfig struct {
	Alpaca AlpacaConfig `yaml:"alpaca"`
	Tiingo TiingoConfig `yaml:"tiingo"`
}

// AlpacaConfig holds credentials and limits for the low-latency intraday
// provider.
type AlpacaConfig struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Burst           int    `yaml:"burst"`
}

// TiingoConfig holds credentials and limits for the bulk historical
// provider.
type TiingoConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Burst           int    `yaml:"burst"`
}

// SchedulerConfig controls the orchestrator tick, worker pool, and slice
// sizing.
type SchedulerConfig struct {
	TickSeconds         int            `yaml:"tick_seconds"`
	MaxConcurrentJobs   int            `yaml:"max_concurrent_jobs"`
	StuckTimeoutMinutes int            `yaml:"stuck_timeout_minutes"`
	MaxAttempts         int            `yaml:"max_attempts"`
	FetchTimeoutSeconds int            `yaml:"fetch_timeout_seconds"`
	BatchSize           int            `yaml:"batch_size"`
	Session             string         `yaml:"session"` // "all" or "rth"
	MaxSliceHours       map[string]int `yaml:"max_slice_hours"`
}

// WatchlistItem seeds a JobDefinition at startup.
type WatchlistItem struct {
	Symbol     string   `yaml:"symbol"`
	Timeframes []string `yaml:"timeframes"`
	WindowDays int      `yaml:"window_days"`
	Priority   int      `yaml:"priority"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults fills zero fields with working defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Scheduler.TickSeconds == 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 5
	}
	if cfg.Scheduler.StuckTimeoutMinutes == 0 {
		cfg.Scheduler.StuckTimeoutMinutes = 10
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if cfg.Scheduler.FetchTimeoutSeconds == 0 {
		cfg.Scheduler.FetchTimeoutSeconds = 120
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 1000
	}
	if cfg.Scheduler.Session == "" {
		cfg.Scheduler.Session = "all"
	}
	if cfg.Scheduler.MaxSliceHours == nil {
		cfg.Scheduler.MaxSliceHours = map[string]int{}
	}
	// Intraday slices stay small for provider pagination; daily and weekly
	// ranges go wide.
	defaults := map[string]int{
		"m15": 2,
		"h1":  24,
		"h4":  7 * 24,
		"d1":  180 * 24,
		"w1":  2 * 365 * 24,
	}
	for tf, hours := range defaults {
		if cfg.Scheduler.MaxSliceHours[tf] == 0 {
			cfg.Scheduler.MaxSliceHours[tf] = hours
		}
	}
	if cfg.Providers.Alpaca.RateLimitPerMin == 0 {
		cfg.Providers.Alpaca.RateLimitPerMin = 200
	}
	if cfg.Providers.Tiingo.RateLimitPerMin == 0 {
		cfg.Providers.Tiingo.RateLimitPerMin = 60
	}
	if cfg.Providers.Tiingo.BaseURL == "" {
		cfg.Providers.Tiingo.BaseURL = "https://api.tiingo.com"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Providers.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Providers.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Providers.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Providers.Alpaca.DataURL = v
	}
	if v := os.Getenv("TIINGO_API_KEY"); v != "" {
		cfg.Providers.Tiingo.APIKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxConcurrentJobs = n
		}
	}

	// Canonical Alpaca SDK env vars take highest priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Providers.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Providers.Alpaca.APISecret = v
	}
}
