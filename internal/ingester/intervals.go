package ingester

// IntervalSet tracks half-open block intervals [from, to) in merged, sorted
// form. Discovery records queried windows here; the gap worker asks for the
// complement.
type IntervalSet struct {
	intervals []Interval
}

type Interval struct {
	From int64
	To   int64
}

func NewIntervalSet(intervals ...Interval) *IntervalSet {
	s := &IntervalSet{}
	for _, iv := range intervals {
		s.Add(iv.From, iv.To)
	}
	return s
}

// Add merges [from, to) into the set. Touching intervals coalesce, so
// [0,10)+[10,20) becomes [0,20).
func (s *IntervalSet) Add(from, to int64) {
	if to <= from {
		return
	}

	merged := make([]Interval, 0, len(s.intervals)+1)
	placed := false
	for _, iv := range s.intervals {
		switch {
		case iv.To < from:
			merged = append(merged, iv)
		case to < iv.From:
			if !placed {
				merged = append(merged, Interval{from, to})
				placed = true
			}
			merged = append(merged, iv)
		default:
			if iv.From < from {
				from = iv.From
			}
			if iv.To > to {
				to = iv.To
			}
		}
	}
	if !placed {
		merged = append(merged, Interval{from, to})
	}
	s.intervals = merged
}

// Covers reports whether [from, to) is fully inside one merged interval.
func (s *IntervalSet) Covers(from, to int64) bool {
	if to <= from {
		return true
	}
	for _, iv := range s.intervals {
		if iv.From <= from && to <= iv.To {
			return true
		}
	}
	return false
}

// Complement returns the sub-intervals of [lo, hi) not covered by the set:
// the ranges a gap-fill backfill still has to visit.
func (s *IntervalSet) Complement(lo, hi int64) []Interval {
	var gaps []Interval
	cursor := lo
	for _, iv := range s.intervals {
		if iv.To <= cursor {
			continue
		}
		if iv.From >= hi {
			break
		}
		if iv.From > cursor {
			gaps = append(gaps, Interval{cursor, min64(iv.From, hi)})
		}
		if iv.To > cursor {
			cursor = iv.To
		}
		if cursor >= hi {
			return gaps
		}
	}
	if cursor < hi {
		gaps = append(gaps, Interval{cursor, hi})
	}
	return gaps
}

// Intervals returns the merged intervals in ascending order.
func (s *IntervalSet) Intervals() []Interval {
	out := make([]Interval, len(s.intervals))
	copy(out, s.intervals)
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
