package meteo

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrBadFrequency is returned when a provider frequency string cannot be parsed.
var ErrBadFrequency = errors.New("bad frequency")

// Inclusive describes which endpoints of a range a provider treats as part of
// the range.
type Inclusive string

const (
	IncLeft  Inclusive = "left"
	IncRight Inclusive = "right"
	IncBoth  Inclusive = "both"
)

func (i Inclusive) Valid() bool {
	switch i {
	case IncLeft, IncRight, IncBoth:
		return true
	}
	return false
}

var freqRegexp = regexp.MustCompile(`^(\d*)(min|h|d)$`)

// ParseFreq parses a provider frequency notation into a duration. Providers
// describe their native sampling interval the way the upstream APIs document
// them ("10min", "15min", "h", "d"); plain Go durations are accepted as well.
func ParseFreq(freq string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(freq))
	if s == "" {
		return 0, errors.Wrap(ErrBadFrequency, "empty frequency")
	}

	if m := freqRegexp.FindStringSubmatch(s); m != nil {
		n := 1
		if m[1] != "" {
			var err error
			n, err = strconv.Atoi(m[1])
			if err != nil || n < 1 {
				return 0, errors.Wrapf(ErrBadFrequency, "invalid multiplier in %q", freq)
			}
		}
		var unit time.Duration
		switch m[2] {
		case "min":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return time.Duration(n) * unit, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, errors.Wrapf(ErrBadFrequency, "cannot parse %q", freq)
	}
	return d, nil
}

// Floor aligns t to the canonical grid of the given frequency. Alignment is
// done on the absolute timeline so that instants floor identically regardless
// of the zone they are expressed in.
func Floor(t time.Time, freq time.Duration) time.Time {
	return t.Truncate(freq)
}

// Grid returns the ordered canonical grid between start and end at the given
// step. Bounds are floored to the grid first. The inclusive argument selects
// which of the floored endpoints belong to the grid.
func Grid(start, end time.Time, freq time.Duration, inclusive Inclusive) []time.Time {
	if freq <= 0 {
		return nil
	}

	first := Floor(start, freq)
	last := Floor(end, freq)
	if inclusive == IncRight {
		first = first.Add(freq)
	}
	if inclusive == IncLeft {
		last = last.Add(-freq)
	}
	if last.Before(first) {
		return nil
	}

	n := int(last.Sub(first)/freq) + 1
	grid := make([]time.Time, 0, n)
	for t := first; !t.After(last); t = t.Add(freq) {
		grid = append(grid, t)
	}
	return grid
}
