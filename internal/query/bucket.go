package query

import "time"

// Bucketer computes local-timezone bucket boundaries for day/week/month
// reduction (spec.md §4.5: "bucket start = local midnight; week starts
// Monday; month starts day 1"). Per spec.md's Design Notes on
// lru_cache-on-closures, a Bucketer is owned by a single query call
// (not a process-wide memoized closure) so a timezone change is picked
// up on the next call, and it memoizes the boundaries of only the last
// 6 distinct timestamps it was asked about within that call.
type Bucketer struct {
	loc         *time.Location
	granularity string

	cache []boundary
}

type boundary struct {
	ts, start, end float64
}

const bucketerCacheSize = 6

func NewBucketer(loc *time.Location, granularity string) *Bucketer {
	return &Bucketer{loc: loc, granularity: granularity}
}

// BoundsFor returns the [start, end) bucket containing epoch second ts.
func (b *Bucketer) BoundsFor(ts float64) (start, end float64) {
	for _, e := range b.cache {
		if e.ts == ts {
			return e.start, e.end
		}
	}
	start, end = b.compute(ts)
	b.cache = append(b.cache, boundary{ts: ts, start: start, end: end})
	if len(b.cache) > bucketerCacheSize {
		b.cache = b.cache[1:]
	}
	return start, end
}

func (b *Bucketer) compute(ts float64) (float64, float64) {
	t := time.Unix(int64(ts), 0).In(b.loc)
	switch b.granularity {
	case "day":
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.loc)
		return float64(start.Unix()), float64(start.AddDate(0, 0, 1).Unix())
	case "week":
		dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.loc)
		// Weekday() has Sunday=0; offset to the preceding Monday.
		offset := (int(t.Weekday()) + 6) % 7
		start := dayStart.AddDate(0, 0, -offset)
		return float64(start.Unix()), float64(start.AddDate(0, 0, 7).Unix())
	case "month":
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, b.loc)
		return float64(start.Unix()), float64(start.AddDate(0, 1, 0).Unix())
	default:
		panic("query: unknown bucket granularity " + b.granularity)
	}
}
