package provider

import (
	"time"
)

// Location is a configured forecast point. Forecast providers have no real
// station directory; their "stations" are the configured locations.
type Location struct {
	Lat       float64 `yaml:"lat"`
	Lon       float64 `yaml:"lon"`
	Elevation float64 `yaml:"elevation,omitempty"`
}

// Config is the per-provider block of the service configuration. Zero values
// fall back to the defaults applied in RegisterFlagsAndApplyDefaults.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
	// Endpoint overrides the adapter's upstream base URL. Empty means the
	// provider's public endpoint.
	Endpoint string `yaml:"endpoint"`

	Timeout               time.Duration `yaml:"timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	RequestDelay          time.Duration `yaml:"request_delay"`
	ChunkSizeDays         int           `yaml:"chunk_size_days"`
	SplitOnYear           bool          `yaml:"split_on_year"`

	// A hedged duplicate request is launched at HedgeRequestsAt, up to
	// HedgeRequestsUpTo total.
	HedgeRequestsAt   time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int           `yaml:"hedge_requests_up_to"`

	LatestWindow   time.Duration `yaml:"latest_window"`
	ForecastWindow time.Duration `yaml:"forecast_window"`

	Locations map[string]Location `yaml:"locations,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults() {
	if cfg.Timezone == "" {
		cfg.Timezone = "Europe/Rome"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxConcurrentRequests < 1 {
		cfg.MaxConcurrentRequests = 5
	}
	if cfg.RequestDelay == 0 {
		cfg.RequestDelay = time.Second
	}
	if cfg.ChunkSizeDays == 0 {
		cfg.ChunkSizeDays = 365
	}
	if cfg.HedgeRequestsUpTo == 0 {
		cfg.HedgeRequestsUpTo = 2
	}
	if cfg.HedgeRequestsAt == 0 {
		cfg.HedgeRequestsAt = 10 * time.Second
	}
	if cfg.LatestWindow == 0 {
		cfg.LatestWindow = 24 * time.Hour
	}
	if cfg.ForecastWindow == 0 {
		cfg.ForecastWindow = 72 * time.Hour
	}
}
