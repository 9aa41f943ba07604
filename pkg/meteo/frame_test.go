package meteo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(ts time.Time, station, model string, values map[string]*float64) Record {
	return Record{Datetime: ts, StationID: station, Model: model, Values: values}
}

func TestFrameAppendTracksVariables(t *testing.T) {
	f := NewFrame(time.UTC)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f.Append(rec(ts, "s1", "", map[string]*float64{"tair_2m": Float(1.5)}))
	f.Append(rec(ts.Add(time.Hour), "s1", "", map[string]*float64{"precipitation": nil}))

	assert.Equal(t, []string{"precipitation", "tair_2m"}, f.Variables())
	assert.Equal(t, 2, f.Len())
}

func TestFrameDedupLastWins(t *testing.T) {
	f := NewFrame(time.UTC)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f.Append(rec(ts, "s1", "", map[string]*float64{"tair_2m": Float(1)}))
	f.Append(rec(ts, "s2", "", map[string]*float64{"tair_2m": Float(2)}))
	f.Append(rec(ts, "s1", "", map[string]*float64{"tair_2m": Float(3)}))

	f.DedupLastWins()

	require.Equal(t, 2, f.Len())
	assert.Equal(t, 3.0, *f.Records[0].Values["tair_2m"])
	assert.Equal(t, "s1", f.Records[0].StationID)
	assert.Equal(t, "s2", f.Records[1].StationID)
}

func TestFrameMergeNewerWins(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cached := NewFrame(time.UTC)
	cached.Append(rec(ts, "s1", "", map[string]*float64{"tair_2m": Float(1)}))
	cached.Append(rec(ts.Add(time.Hour), "s1", "", map[string]*float64{"tair_2m": Float(2)}))

	fresh := NewFrame(time.UTC)
	fresh.Append(rec(ts.Add(time.Hour), "s1", "", map[string]*float64{"tair_2m": Float(20), "precipitation": Float(0)}))
	fresh.Append(rec(ts.Add(2*time.Hour), "s1", "", map[string]*float64{"tair_2m": Float(3)}))

	merged := cached.Merge(fresh)

	require.Equal(t, 3, merged.Len())
	assert.Equal(t, 1.0, *merged.Records[0].Values["tair_2m"])
	assert.Equal(t, 20.0, *merged.Records[1].Values["tair_2m"])
	assert.Equal(t, 3.0, *merged.Records[2].Values["tair_2m"])
	assert.Equal(t, []string{"precipitation", "tair_2m"}, merged.Variables())

	// inputs untouched
	assert.Equal(t, 2, cached.Len())
	assert.Equal(t, 2, fresh.Len())
}

func TestFrameMergeDistinctModels(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := NewFrame(time.UTC)
	a.Append(rec(ts, "s1", "model-a", map[string]*float64{"tair_2m": Float(1)}))

	b := NewFrame(time.UTC)
	b.Append(rec(ts, "s1", "model-b", map[string]*float64{"tair_2m": Float(2)}))

	merged := a.Merge(b)
	require.Equal(t, 2, merged.Len())
	assert.Equal(t, "model-a", merged.Records[0].Model)
	assert.Equal(t, "model-b", merged.Records[1].Model)
}

func TestFrameConvertZone(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	f := NewFrame(time.UTC)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	f.Append(rec(ts, "s1", "", map[string]*float64{"tair_2m": Float(1)}))

	f.ConvertZone(rome)

	assert.Equal(t, rome, f.Location)
	assert.Equal(t, 14, f.Records[0].Datetime.Hour())
	// absolute instant unchanged
	assert.True(t, f.Records[0].Datetime.Equal(ts))
}

func TestFrameTimes(t *testing.T) {
	f := NewFrame(time.UTC)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f.Append(rec(ts.Add(time.Hour), "s1", "", nil))
	f.Append(rec(ts, "s1", "", nil))
	f.Append(rec(ts, "s2", "", nil))

	times := f.Times()
	require.Len(t, times, 2)
	assert.True(t, times[0].Equal(ts))
	assert.True(t, times[1].Equal(ts.Add(time.Hour)))
}

func TestFrameSort(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f := NewFrame(time.UTC)
	f.Append(rec(ts.Add(time.Hour), "s1", "", nil))
	f.Append(rec(ts, "s2", "b", nil))
	f.Append(rec(ts, "s2", "a", nil))
	f.Append(rec(ts, "s1", "", nil))

	f.Sort()

	assert.Equal(t, "s1", f.Records[0].StationID)
	assert.Equal(t, "a", f.Records[1].Model)
	assert.Equal(t, "b", f.Records[2].Model)
	assert.True(t, f.Records[3].Datetime.Equal(ts.Add(time.Hour)))
}
