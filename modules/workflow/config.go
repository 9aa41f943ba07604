package workflow

import "time"

type Config struct {
	// DefaultTimezone is the display zone used when a request does not name
	// one.
	DefaultTimezone string `yaml:"default_timezone"`
	// ResampleMinCoverage is the fraction of a day's expected samples required
	// before a daily aggregate is emitted.
	ResampleMinCoverage float64 `yaml:"resample_min_coverage"`
	// PersistTimeout bounds one background cache write.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults() {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.ResampleMinCoverage == 0 {
		cfg.ResampleMinCoverage = DefaultMinCoverage
	}
	if cfg.PersistTimeout == 0 {
		cfg.PersistTimeout = 2 * time.Minute
	}
}
