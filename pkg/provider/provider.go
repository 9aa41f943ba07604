// Package provider defines the uniform contract the query pipeline speaks to
// every upstream meteorological source, plus the shared rate-limited HTTP base
// the concrete adapters are built on.
package provider

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/sitscholl/MeteoService/pkg/meteo"
)

var (
	// ErrNotOpen is returned by fetch calls made outside an Open scope.
	ErrNotOpen = errors.New("provider is not open")
	// ErrUnknownStation is returned when a provider rejects an external id.
	ErrUnknownStation = errors.New("unknown station")
	// ErrMixedFrequency is returned when forecast models of differing native
	// frequency are requested together.
	ErrMixedFrequency = errors.New("mixed model frequencies")
	// ErrContract is returned when a provider response fails canonical schema
	// validation.
	ErrContract = errors.New("provider contract violation")
	// ErrUpstream wraps transient upstream failures (timeouts, 5xx, network).
	ErrUpstream = errors.New("upstream failure")
)

// Descriptor is the static shape of a provider: everything the query pipeline
// needs to know without calling upstream.
type Descriptor struct {
	Name string
	// Freq is the native sampling interval in the provider's own notation,
	// e.g. "10min" or "h".
	Freq      string
	Inclusive meteo.Inclusive
	// CanForecast marks providers whose ranges may extend into the future.
	CanForecast bool
	// CacheData controls whether fetched frames are persisted. Forecasts are
	// volatile and typically skip the cache.
	CacheData      bool
	LatestWindow   time.Duration
	ForecastWindow time.Duration
}

// FetchRequest is one range request against a provider. Concurrency, chunking
// and rate limits are the adapter's business; externally this is a single
// call covering [Start, End] in the provider's endpoint convention.
type FetchRequest struct {
	StationID string
	Start     time.Time
	End       time.Time
	Sensors   []string
	Models    []string
}

// Raw carries a provider-native payload through the fetch→transform pipeline
// together with the station metadata the provider returned alongside it.
type Raw struct {
	Payload any
	Station meteo.StationInfo
}

// CloseFunc releases one Open acquisition.
type CloseFunc func()

// Provider is the adapter contract. Implementations come in two variants:
// observational (chunked by time, model always "") and forecast (model-keyed,
// one upstream request per model).
type Provider interface {
	Descriptor() Descriptor

	// Freq resolves the effective sampling interval for a model selection.
	// Providers whose models disagree on frequency fail with
	// ErrMixedFrequency.
	Freq(models []string) (time.Duration, error)

	// Open enters the adapter's open scope: the shared HTTP client exists
	// between the first Open and the matching last release. Re-entry is
	// refcounted.
	Open(ctx context.Context) (CloseFunc, error)

	ListStations(ctx context.Context) ([]string, error)
	StationInfo(ctx context.Context, stationID string) (meteo.StationInfo, error)
	// Sensors lists the canonical variable names a station reports.
	Sensors(ctx context.Context, stationID string) ([]string, error)

	FetchRaw(ctx context.Context, req FetchRequest) (Raw, error)
	Transform(raw Raw) (*meteo.Frame, error)
	Validate(f *meteo.Frame) (*meteo.Frame, error)

	// Run is the convenience pipeline fetch→transform→validate. A nil frame
	// with nil error means the upstream confirmed it has no data.
	Run(ctx context.Context, req FetchRequest) (*meteo.Frame, error)
}
