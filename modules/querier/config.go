package querier

import (
	"time"

	"github.com/sitscholl/MeteoService/pkg/gapfinder"
)

type Config struct {
	// MinGapDuration coalesces away cache gaps too short to be worth an
	// upstream round trip.
	MinGapDuration time.Duration `yaml:"min_gap_duration"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults() {
	if cfg.MinGapDuration == 0 {
		cfg.MinGapDuration = gapfinder.DefaultMinGapDuration
	}
}
