package provider

import (
	"time"

	"github.com/pkg/errors"
)

// DateRange is one chunk of a split request window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SplitDates splits [start, end] into chunks of at most maxDays, optionally
// breaking additionally at calendar-year boundaries (some observational APIs
// refuse cross-year queries). Chunks are back to back: the next chunk starts
// one step after the previous one ends, so no instant is requested twice.
func SplitDates(start, end time.Time, step time.Duration, maxDays int, splitOnYear bool) ([]DateRange, error) {
	if end.Before(start) {
		return nil, errors.Errorf("start must not be after end, got %s > %s", start, end)
	}
	if maxDays < 1 {
		return nil, errors.Errorf("chunk size must be at least one day, got %d", maxDays)
	}

	var chunks []DateRange
	cur := start
	for !cur.After(end) {
		chunkEnd := cur.AddDate(0, 0, maxDays).Add(-step)

		if splitOnYear {
			nextYear := time.Date(cur.Year()+1, time.January, 1, 0, 0, 0, 0, cur.Location())
			lastOfYear := nextYear.Add(-step)
			if lastOfYear.Before(chunkEnd) {
				chunkEnd = lastOfYear
			}
		}
		if end.Before(chunkEnd) {
			chunkEnd = end
		}
		if chunkEnd.Before(cur) {
			chunkEnd = cur
		}

		chunks = append(chunks, DateRange{Start: cur, End: chunkEnd})
		cur = chunkEnd.Add(step)
	}
	return chunks, nil
}
