// Package gapfinder discovers the minimal set of contiguous sub-ranges missing
// from a cached time series relative to the canonical grid of a provider.
package gapfinder

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/pkg/meteo"
)

// DefaultMinGapDuration coalesces away gaps too short to be worth an upstream
// round trip.
const DefaultMinGapDuration = 30 * time.Minute

// Gap is a closed interval of grid instants missing from the cache. Conversion
// to a provider's half-open convention happens in the query manager.
type Gap struct {
	Start time.Time
	End   time.Time
}

type Options struct {
	Inclusive      meteo.Inclusive
	MinGapDuration time.Duration
}

type Finder struct {
	logger log.Logger
}

func New(logger log.Logger) *Finder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Finder{logger: logger}
}

// Find returns the ordered, non-overlapping gaps between start and end at the
// given frequency that the existing instants do not cover. An unparsable
// frequency fails with meteo.ErrBadFrequency. Any internal anomaly falls back
// to the full requested range: the caller must never silently see "no gaps"
// when the computation went wrong.
func (f *Finder) Find(existing []time.Time, start, end time.Time, freq string, opts Options) ([]Gap, error) {
	step, err := meteo.ParseFreq(freq)
	if err != nil {
		return nil, err
	}

	if opts.Inclusive == "" {
		opts.Inclusive = meteo.IncBoth
	}
	if !opts.Inclusive.Valid() {
		level.Warn(f.logger).Log("msg", "invalid inclusive bound, falling back to full range", "inclusive", opts.Inclusive)
		return []Gap{{Start: start, End: end}}, nil
	}
	if opts.MinGapDuration == 0 {
		opts.MinGapDuration = DefaultMinGapDuration
	}

	if end.Before(start) {
		return nil, errors.Errorf("end must be >= start, got %s < %s", end, start)
	}

	grid := meteo.Grid(start, end, step, opts.Inclusive)
	if len(grid) == 0 {
		return nil, nil
	}

	if len(existing) == 0 {
		return []Gap{{Start: grid[0], End: grid[len(grid)-1]}}, nil
	}

	// Compare on the absolute timeline; the zone the cache reported its
	// instants in is irrelevant here.
	have := make(map[int64]struct{}, len(existing))
	for _, t := range existing {
		have[t.Unix()] = struct{}{}
	}

	var missing []time.Time
	for _, t := range grid {
		if _, ok := have[t.Unix()]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	gaps := coalesce(missing, step)

	out := gaps[:0]
	for _, g := range gaps {
		coverage := g.End.Add(step).Sub(g.Start)
		if coverage >= opts.MinGapDuration {
			out = append(out, g)
		}
	}
	return out, nil
}

// coalesce groups ordered missing instants into runs: a and b belong to the
// same gap iff b == a + step.
func coalesce(missing []time.Time, step time.Duration) []Gap {
	if len(missing) == 0 {
		return nil
	}

	var gaps []Gap
	gapStart := missing[0]
	gapEnd := missing[0]
	for _, t := range missing[1:] {
		if t.Equal(gapEnd.Add(step)) {
			gapEnd = t
			continue
		}
		gaps = append(gaps, Gap{Start: gapStart, End: gapEnd})
		gapStart = t
		gapEnd = t
	}
	return append(gaps, Gap{Start: gapStart, End: gapEnd})
}
