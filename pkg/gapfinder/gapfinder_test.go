package gapfinder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitscholl/MeteoService/pkg/meteo"
)

func hourly(start time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start.Add(time.Duration(i)*time.Hour))
	}
	return out
}

func TestFindNoGaps(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Hour)

	gaps, err := New(nil).Find(hourly(start, 6), start, end, "h", Options{})
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestFindEmptyCache(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Hour)

	gaps, err := New(nil).Find(nil, start, end, "h", Options{})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Start.Equal(start))
	assert.True(t, gaps[0].End.Equal(end))
}

func TestFindGapAtStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Hour)

	// cache covers hours 2..5, hours 0 and 1 missing
	gaps, err := New(nil).Find(hourly(start.Add(2*time.Hour), 4), start, end, "h", Options{})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Start.Equal(start))
	assert.True(t, gaps[0].End.Equal(start.Add(time.Hour)))
}

func TestFindCoalescesRuns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(9 * time.Hour)

	// missing: hours 2,3 and hours 7,8
	existing := []time.Time{
		start, start.Add(time.Hour),
		start.Add(4 * time.Hour), start.Add(5 * time.Hour), start.Add(6 * time.Hour),
		start.Add(9 * time.Hour),
	}

	gaps, err := New(nil).Find(existing, start, end, "h", Options{})
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.True(t, gaps[0].Start.Equal(start.Add(2*time.Hour)))
	assert.True(t, gaps[0].End.Equal(start.Add(3*time.Hour)))
	assert.True(t, gaps[1].Start.Equal(start.Add(7*time.Hour)))
	assert.True(t, gaps[1].End.Equal(start.Add(8*time.Hour)))
}

func TestFindMinGapDurationFilters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(50 * time.Minute)

	// one 10min instant missing, covering 10 minutes of the grid
	existing := []time.Time{
		start, start.Add(10 * time.Minute),
		start.Add(30 * time.Minute), start.Add(40 * time.Minute), start.Add(50 * time.Minute),
	}

	gaps, err := New(nil).Find(existing, start, end, "10min", Options{MinGapDuration: 30 * time.Minute})
	require.NoError(t, err)
	assert.Empty(t, gaps)

	gaps, err = New(nil).Find(existing, start, end, "10min", Options{MinGapDuration: 10 * time.Minute})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Start.Equal(start.Add(20*time.Minute)))
	assert.True(t, gaps[0].End.Equal(start.Add(20*time.Minute)))
}

func TestFindInclusiveBounds(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	// full cover of the closed grid
	existing := hourly(start, 4)

	// left-inclusive: the end instant is not part of the grid
	gaps, err := New(nil).Find(existing[:3], start, end, "h", Options{Inclusive: meteo.IncLeft})
	require.NoError(t, err)
	assert.Empty(t, gaps)

	// right-inclusive: the start instant is not part of the grid
	gaps, err = New(nil).Find(existing[1:], start, end, "h", Options{Inclusive: meteo.IncRight})
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestFindInvalidInclusiveFallsBackToFullRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	gaps, err := New(nil).Find(hourly(start, 4), start, end, "h", Options{Inclusive: "sideways"})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.True(t, gaps[0].Start.Equal(start))
	assert.True(t, gaps[0].End.Equal(end))
}

func TestFindBadFrequency(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := New(nil).Find(nil, start, start.Add(time.Hour), "fortnightly", Options{})
	require.ErrorIs(t, err, meteo.ErrBadFrequency)
}

func TestFindEndBeforeStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := New(nil).Find(nil, start, start.Add(-time.Hour), "h", Options{})
	require.Error(t, err)
}

func TestFindZoneIndependent(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	// cache instants expressed in another zone still cover the grid
	existing := make([]time.Time, 0, 4)
	for _, ts := range hourly(start, 4) {
		existing = append(existing, ts.In(rome))
	}

	gaps, err := New(nil).Find(existing, start, end, "h", Options{})
	require.NoError(t, err)
	assert.Empty(t, gaps)
}
