package workflow

import (
	"sort"
	"time"

	"github.com/sitscholl/MeteoService/pkg/meteo"
)

// Per-variable daily aggregation. Accumulation variables sum, peak variables
// take the maximum, wind direction takes the most frequent reading, everything
// else averages.
var (
	sumVariables = map[string]bool{
		"precipitation":   true,
		"solar_radiation": true,
	}
	maxVariables = map[string]bool{
		"wind_gust":  true,
		"irrigation": true,
	}
	modeVariables = map[string]bool{
		"wind_direction": true,
	}
)

// DefaultMinCoverage is the fraction of a day's expected samples that must be
// non-null before a daily aggregate is emitted for a variable.
const DefaultMinCoverage = 0.9

// ResampleDaily aggregates a frame to one record per (day, station, model).
// Days are delimited in the frame's zone, so a day spans midnight to midnight
// local time and DST transition days keep their 23 or 25 hours. A (day,
// variable) cell with insufficient coverage stays NULL; minSize raises the
// sample threshold above the coverage fraction when it is larger.
func ResampleDaily(f *meteo.Frame, step time.Duration, minCoverage float64, minSize int) *meteo.Frame {
	out := meteo.NewFrame(f.Location)
	if f.Empty() || step <= 0 {
		return out
	}
	if minCoverage <= 0 || minCoverage > 1 {
		minCoverage = DefaultMinCoverage
	}

	type bucketKey struct {
		dayUnix int64
		station string
		model   string
	}
	type bucket struct {
		day     time.Time
		station string
		model   string
		samples map[string][]float64
	}

	buckets := map[bucketKey]*bucket{}
	var order []bucketKey
	for _, rec := range f.Records {
		local := rec.Datetime.In(f.Location)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, f.Location)
		k := bucketKey{dayUnix: day.Unix(), station: rec.StationID, model: rec.Model}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{day: day, station: rec.StationID, model: rec.Model, samples: map[string][]float64{}}
			buckets[k] = b
			order = append(order, k)
		}
		for name, v := range rec.Values {
			if v != nil {
				b.samples[name] = append(b.samples[name], *v)
			}
		}
	}

	vars := f.Variables()
	for _, k := range order {
		b := buckets[k]
		// Day length in the frame's zone, not a flat 24h.
		expected := int(b.day.AddDate(0, 0, 1).Sub(b.day) / step)
		if expected < 1 {
			expected = 1
		}
		need := int(float64(expected) * minCoverage)
		if minSize > need {
			need = minSize
		}
		if need < 1 {
			need = 1
		}

		values := make(map[string]*float64, len(vars))
		for _, name := range vars {
			samples := b.samples[name]
			if len(samples) < need {
				values[name] = nil
				continue
			}
			values[name] = meteo.Float(aggregate(name, samples))
		}
		out.Append(meteo.Record{Datetime: b.day, StationID: b.station, Model: b.model, Values: values})
	}
	out.AddVariables(vars...)
	out.Sort()
	return out
}

func aggregate(name string, samples []float64) float64 {
	switch {
	case sumVariables[name]:
		var sum float64
		for _, v := range samples {
			sum += v
		}
		return sum
	case maxVariables[name]:
		max := samples[0]
		for _, v := range samples[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case modeVariables[name]:
		return mode(samples)
	default:
		var sum float64
		for _, v := range samples {
			sum += v
		}
		return sum / float64(len(samples))
	}
}

// mode returns the most frequent sample; ties break toward the smaller value
// so the result does not depend on input order.
func mode(samples []float64) float64 {
	counts := map[float64]int{}
	for _, v := range samples {
		counts[v]++
	}
	keys := make([]float64, 0, len(counts))
	for v := range counts {
		keys = append(keys, v)
	}
	sort.Float64s(keys)

	best, bestCount := keys[0], counts[keys[0]]
	for _, v := range keys[1:] {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}
