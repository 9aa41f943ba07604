package province

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

func testProvince(t *testing.T) *Province {
	t.Helper()
	p, err := New(provider.Config{}, nil)
	require.NoError(t, err)
	return p
}

func TestParseLocalTime(t *testing.T) {
	p := testProvince(t)

	tests := []struct {
		in       string
		expected time.Time
	}{
		// the CEST marker pins the +2h summer offset
		{in: "2024-06-01T12:00:00CEST", expected: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
		// CET pins the +1h winter offset
		{in: "2024-01-15T12:00:00CET", expected: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)},
		// no marker falls back to the configured zone (Europe/Rome, summer)
		{in: "2024-06-01T12:00:00", expected: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ts, err := p.parseLocalTime(tc.in)
			require.NoError(t, err)
			assert.True(t, ts.UTC().Equal(tc.expected), "got %s", ts.UTC())
		})
	}

	_, err := p.parseLocalTime("yesterday")
	require.Error(t, err)
}

func TestTransformPivotsSensors(t *testing.T) {
	p := testProvince(t)

	rows := []rawRow{
		{station: "83200MS", sensor: "LT", date: "2024-06-01T12:00:00CEST", value: meteo.Float(21.5)},
		{station: "83200MS", sensor: "N", date: "2024-06-01T12:00:00CEST", value: meteo.Float(0.2)},
		{station: "83200MS", sensor: "LT", date: "2024-06-01T12:10:00CEST", value: meteo.Float(21.7)},
	}

	frame, err := p.Transform(provider.Raw{Payload: rows})
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())
	assert.Equal(t, time.UTC, frame.Location)

	first := frame.Records[0]
	assert.True(t, first.Datetime.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "83200MS", first.StationID)
	assert.Equal(t, "", first.Model)
	assert.Equal(t, 21.5, *first.Values["tair_2m"])
	assert.Equal(t, 0.2, *first.Values["precipitation"])

	second := frame.Records[1]
	assert.True(t, second.Datetime.Equal(time.Date(2024, 6, 1, 10, 10, 0, 0, time.UTC)))
	assert.Equal(t, 21.7, *second.Values["tair_2m"])
}

func TestTransformFloorsToGrid(t *testing.T) {
	p := testProvince(t)

	// an off-grid observation merges onto the floored instant
	rows := []rawRow{
		{station: "s", sensor: "LT", date: "2024-06-01T12:05:00CEST", value: meteo.Float(1)},
		{station: "s", sensor: "N", date: "2024-06-01T12:00:00CEST", value: meteo.Float(2)},
	}

	frame, err := p.Transform(provider.Raw{Payload: rows})
	require.NoError(t, err)
	require.Equal(t, 1, frame.Len())
	assert.Equal(t, 1.0, *frame.Records[0].Values["tair_2m"])
	assert.Equal(t, 2.0, *frame.Records[0].Values["precipitation"])
}

func TestTransformDropsNullOnlyRecords(t *testing.T) {
	p := testProvince(t)

	rows := []rawRow{
		// non-precipitation columns all null: noise, dropped
		{station: "s", sensor: "LT", date: "2024-06-01T12:00:00CEST", value: nil},
		{station: "s", sensor: "N", date: "2024-06-01T12:00:00CEST", value: meteo.Float(0.5)},
		// precipitation-only instants are legitimate and kept
		{station: "s", sensor: "N", date: "2024-06-01T12:10:00CEST", value: meteo.Float(0.1)},
	}

	frame, err := p.Transform(provider.Raw{Payload: rows})
	require.NoError(t, err)
	require.Equal(t, 1, frame.Len())
	assert.True(t, frame.Records[0].Datetime.Equal(time.Date(2024, 6, 1, 10, 10, 0, 0, time.UTC)))
}

func TestTransformEmpty(t *testing.T) {
	p := testProvince(t)

	frame, err := p.Transform(provider.Raw{Payload: []rawRow{}})
	require.NoError(t, err)
	assert.Nil(t, frame)

	_, err = p.Transform(provider.Raw{Payload: "nonsense"})
	require.ErrorIs(t, err, provider.ErrContract)
}

// upstreamServer serves the station and sensor directories and delegates
// timeseries requests to the given handler.
func upstreamServer(t *testing.T, timeseries http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/stations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"features":[{"properties":{"SCODE":"83200MS","NAME_D":"Latsch","LAT":46.6,"LONG":10.8,"ALT":640}}]}`))
	})
	mux.HandleFunc("/sensors", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"TYPE":"LT"}]`))
	})
	mux.HandleFunc("/timeseries", timeseries)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRawUpstreamOutage(t *testing.T) {
	srv := upstreamServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	p, err := New(provider.Config{Endpoint: srv.URL, RequestDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	closeFn, err := p.Open(ctx)
	require.NoError(t, err)
	defer closeFn()

	// every timeseries call fails: the fetch must error instead of returning
	// an empty result the caller would cache as confirmed absence
	_, err = p.FetchRaw(ctx, provider.FetchRequest{
		StationID: "83200MS",
		Start:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, provider.ErrUpstream)

	frame, err := p.Run(ctx, provider.FetchRequest{
		StationID: "83200MS",
		Start:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, provider.ErrUpstream)
	assert.Nil(t, frame)
}

func TestFetchRawEmptySeries(t *testing.T) {
	srv := upstreamServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	p, err := New(provider.Config{Endpoint: srv.URL, RequestDelay: time.Millisecond}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	closeFn, err := p.Open(ctx)
	require.NoError(t, err)
	defer closeFn()

	// the provider answered and had nothing: genuine absence, no error
	frame, err := p.Run(ctx, provider.FetchRequest{
		StationID: "83200MS",
		Start:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestDescriptor(t *testing.T) {
	p := testProvince(t)

	desc := p.Descriptor()
	assert.Equal(t, Name, desc.Name)
	assert.Equal(t, "10min", desc.Freq)
	assert.Equal(t, meteo.IncBoth, desc.Inclusive)
	assert.False(t, desc.CanForecast)
	assert.True(t, desc.CacheData)

	step, err := p.Freq(nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, step)
}
