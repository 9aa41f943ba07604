package openmeteo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitscholl/MeteoService/pkg/meteo"
	"github.com/sitscholl/MeteoService/pkg/provider"
)

func testOpenMeteo(t *testing.T) *OpenMeteo {
	t.Helper()
	o, err := New(provider.Config{
		Locations: map[string]provider.Location{
			"orchard": {Lat: 46.6, Lon: 11.2, Elevation: 550},
		},
	}, nil)
	require.NoError(t, err)
	return o
}

func TestNewRequiresLocations(t *testing.T) {
	_, err := New(provider.Config{}, nil)
	require.Error(t, err)
}

func TestStationInfo(t *testing.T) {
	o := testOpenMeteo(t)

	info, err := o.StationInfo(context.Background(), "orchard")
	require.NoError(t, err)
	assert.Equal(t, 46.6, *info.Latitude)
	assert.Equal(t, 550.0, *info.Elevation)

	_, err = o.StationInfo(context.Background(), "nowhere")
	require.ErrorIs(t, err, provider.ErrUnknownStation)
}

func TestResolveModels(t *testing.T) {
	models, err := resolveModels(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{defaultModel}, models)

	models, err = resolveModels([]string{"ICON_D2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"icon_d2"}, models)

	_, err = resolveModels([]string{"wrf_homebrew"})
	require.ErrorIs(t, err, provider.ErrContract)
}

func TestResolveSensors(t *testing.T) {
	// default is the full catalogue
	all := resolveSensors(nil)
	assert.Len(t, all, len(hourlyRename))

	params := resolveSensors([]string{"tair_2m", "precipitation"})
	assert.Equal(t, []string{"precipitation", "temperature_2m"}, params)
}

func TestTransform(t *testing.T) {
	o := testOpenMeteo(t)

	blocks := []modelSeries{{
		station: "orchard",
		model:   "meteoswiss_icon_seamless",
		times:   []string{"2024-06-01T00:00", "2024-06-01T01:00"},
		series: map[string][]*float64{
			"temperature_2m": {meteo.Float(15.2), meteo.Float(14.8)},
			"precipitation":  {nil, meteo.Float(0.3)},
		},
	}}

	frame, err := o.Transform(provider.Raw{Payload: blocks})
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())
	assert.Equal(t, time.UTC, frame.Location)

	// naive local midnight in Europe/Rome summer is 22:00 UTC the day before
	first := frame.Records[0]
	assert.True(t, first.Datetime.Equal(time.Date(2024, 5, 31, 22, 0, 0, 0, time.UTC)))
	assert.Equal(t, "orchard", first.StationID)
	assert.Equal(t, "meteoswiss_icon_seamless", first.Model)
	assert.Equal(t, 15.2, *first.Values["tair_2m"])
	assert.Nil(t, first.Values["precipitation"])

	assert.Equal(t, 0.3, *frame.Records[1].Values["precipitation"])
}

func TestTransformMultiModel(t *testing.T) {
	o := testOpenMeteo(t)

	mk := func(model string, v float64) modelSeries {
		return modelSeries{
			station: "orchard",
			model:   model,
			times:   []string{"2024-06-01T00:00"},
			series:  map[string][]*float64{"temperature_2m": {meteo.Float(v)}},
		}
	}

	frame, err := o.Transform(provider.Raw{Payload: []modelSeries{mk("icon_d2", 1), mk("icon_eu", 2)}})
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())
	assert.Equal(t, "icon_d2", frame.Records[0].Model)
	assert.Equal(t, "icon_eu", frame.Records[1].Model)
}

func TestTransformShortSeries(t *testing.T) {
	o := testOpenMeteo(t)

	// value series shorter than the time axis pads with NULL
	blocks := []modelSeries{{
		station: "orchard",
		model:   "icon_d2",
		times:   []string{"2024-06-01T00:00", "2024-06-01T01:00"},
		series:  map[string][]*float64{"temperature_2m": {meteo.Float(1)}},
	}}

	frame, err := o.Transform(provider.Raw{Payload: blocks})
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())
	assert.Nil(t, frame.Records[1].Values["tair_2m"])
}

func TestTransformEmpty(t *testing.T) {
	o := testOpenMeteo(t)

	frame, err := o.Transform(provider.Raw{Payload: []modelSeries{}})
	require.NoError(t, err)
	assert.Nil(t, frame)

	_, err = o.Transform(provider.Raw{Payload: 42})
	require.ErrorIs(t, err, provider.ErrContract)
}

func TestRunValidatesOutput(t *testing.T) {
	o := testOpenMeteo(t)

	blocks := []modelSeries{{
		station: "orchard",
		model:   "icon_d2",
		times:   []string{"2024-06-01T00:00"},
		series:  map[string][]*float64{"temperature_2m": {meteo.Float(1)}},
	}}

	frame, err := o.Transform(provider.Raw{Payload: blocks})
	require.NoError(t, err)
	validated, err := o.Validate(frame)
	require.NoError(t, err)
	assert.Equal(t, frame.Len(), validated.Len())
}

func TestFetchRawAllModelsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	o, err := New(provider.Config{
		Endpoint:     srv.URL,
		RequestDelay: time.Millisecond,
		Locations: map[string]provider.Location{
			"orchard": {Lat: 46.6, Lon: 11.2},
		},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	closeFn, err := o.Open(ctx)
	require.NoError(t, err)
	defer closeFn()

	// an outage across every model must surface as an error, not as an empty
	// frame the caller would treat as confirmed absence
	_, err = o.FetchRaw(ctx, provider.FetchRequest{StationID: "orchard"})
	require.ErrorIs(t, err, provider.ErrUpstream)
}

func TestFetchRawEmptyHourlyBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"hourly":{}}`))
	}))
	t.Cleanup(srv.Close)

	o, err := New(provider.Config{
		Endpoint:     srv.URL,
		RequestDelay: time.Millisecond,
		Locations: map[string]provider.Location{
			"orchard": {Lat: 46.6, Lon: 11.2},
		},
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	closeFn, err := o.Open(ctx)
	require.NoError(t, err)
	defer closeFn()

	// the provider answered with no data: genuine absence, no error
	frame, err := o.Run(ctx, provider.FetchRequest{StationID: "orchard"})
	require.NoError(t, err)
	assert.Nil(t, frame)
}
