package provider

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/pkg/meteo"
)

// CanonicalVariables is the output column catalogue shared by all adapters.
// The value marks integer-typed variables, which must carry whole values.
var CanonicalVariables = map[string]bool{
	"tair_2m":           false,
	"tsoil_25cm":        false,
	"tdry_60cm":         false,
	"twet_60cm":         false,
	"relative_humidity": false,
	"wind_speed":        false,
	"wind_gust":         false,
	"wind_direction":    false,
	"precipitation":     false,
	"irrigation":        true,
	"leaf_wetness":      false,
	"air_pressure":      false,
	"sun_duration":      false,
	"solar_radiation":   false,
	"snow_height":       false,
	"water_level":       false,
	"discharge":         false,
	"cloud_cover":       false,
}

// ValidateFrame enforces the canonical schema on a transformed frame: UTC
// index, non-empty station ids, known variable columns, integer-typed
// variables whole-valued. Violations are contract errors for the task that
// produced the frame, never for the whole request.
func ValidateFrame(f *meteo.Frame) (*meteo.Frame, error) {
	if f == nil || f.Empty() {
		return f, nil
	}

	if f.Location != time.UTC {
		return nil, errors.Wrapf(ErrContract, "frame index zone is %s, want UTC", f.Location)
	}

	for _, v := range f.Variables() {
		if _, ok := CanonicalVariables[v]; !ok {
			return nil, errors.Wrapf(ErrContract, "unknown variable column %q", v)
		}
	}

	for i, r := range f.Records {
		if r.StationID == "" {
			return nil, errors.Wrapf(ErrContract, "record %d has empty station_id", i)
		}
		if r.Datetime.IsZero() {
			return nil, errors.Wrapf(ErrContract, "record %d has zero datetime", i)
		}
		for name, val := range r.Values {
			if val == nil {
				continue
			}
			if CanonicalVariables[name] && *val != math.Trunc(*val) {
				return nil, errors.Wrapf(ErrContract, "variable %q must be integer-valued, got %v", name, *val)
			}
		}
	}
	return f, nil
}
