package fetch

import (
	"fmt"
	"time"
)

// Chunk is a [Start, End) slice of a window that never crosses a calendar
// year boundary.
type Chunk struct {
	Start time.Time
	End   time.Time
}

// SplitByYear cuts [start, end) at every January 1st. An empty range
// yields no chunks.
func SplitByYear(start, end time.Time) []Chunk {
	start, end = start.UTC(), end.UTC()
	var out []Chunk
	for cur := start; cur.Before(end); {
		next := time.Date(cur.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC)
		if next.After(end) {
			next = end
		}
		out = append(out, Chunk{Start: cur, End: next})
		cur = next
	}
	return out
}

// FirstDay is the first calendar date covered.
func (c Chunk) FirstDay() string { return c.Start.Format(dateLayout) }

// LastDay is the last calendar date covered, for APIs with inclusive
// date bounds.
func (c Chunk) LastDay() string { return c.End.Add(-time.Nanosecond).Format(dateLayout) }

func (c Chunk) String() string {
	return fmt.Sprintf("%s..%s", c.FirstDay(), c.LastDay())
}
