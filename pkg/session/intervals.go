package session

import "sort"

// Interval is a half-open byte range [Lo, Hi).
type Interval struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

func (iv Interval) Len() uint64 {
	if iv.Hi <= iv.Lo {
		return 0
	}
	return iv.Hi - iv.Lo
}

// IntervalSet is a sorted set of disjoint intervals with merge-on-insert.
// It is the verified-range record: a range is inserted exactly once, after
// its chunk proof passed, and is never removed.
type IntervalSet struct {
	ivs []Interval
}

// Insert adds [lo, hi) to the set, merging with any overlapping or
// adjacent intervals.
func (s *IntervalSet) Insert(lo, hi uint64) {
	if hi <= lo {
		return
	}

	// find first interval ending at or after lo
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].Hi >= lo })
	j := i
	for j < len(s.ivs) && s.ivs[j].Lo <= hi {
		if s.ivs[j].Lo < lo {
			lo = s.ivs[j].Lo
		}
		if s.ivs[j].Hi > hi {
			hi = s.ivs[j].Hi
		}
		j++
	}

	merged := make([]Interval, 0, len(s.ivs)-(j-i)+1)
	merged = append(merged, s.ivs[:i]...)
	merged = append(merged, Interval{Lo: lo, Hi: hi})
	merged = append(merged, s.ivs[j:]...)
	s.ivs = merged
}

// Contains reports whether [lo, hi) is fully covered.
func (s *IntervalSet) Contains(lo, hi uint64) bool {
	if hi <= lo {
		return true
	}
	i := sort.Search(len(s.ivs), func(i int) bool { return s.ivs[i].Hi > lo })
	return i < len(s.ivs) && s.ivs[i].Lo <= lo && hi <= s.ivs[i].Hi
}

// Covered returns the total number of bytes in the set.
func (s *IntervalSet) Covered() uint64 {
	var n uint64
	for _, iv := range s.ivs {
		n += iv.Len()
	}
	return n
}

// CoveredWithin returns the number of covered bytes inside [lo, hi).
func (s *IntervalSet) CoveredWithin(lo, hi uint64) uint64 {
	var n uint64
	for _, iv := range s.ivs {
		if iv.Hi <= lo || iv.Lo >= hi {
			continue
		}
		a, b := iv.Lo, iv.Hi
		if a < lo {
			a = lo
		}
		if b > hi {
			b = hi
		}
		n += b - a
	}
	return n
}

// Gaps returns the uncovered sub-ranges of [lo, hi) in ascending order.
func (s *IntervalSet) Gaps(lo, hi uint64) []Interval {
	var gaps []Interval
	cur := lo
	for _, iv := range s.ivs {
		if iv.Hi <= cur {
			continue
		}
		if iv.Lo >= hi {
			break
		}
		if iv.Lo > cur {
			gaps = append(gaps, Interval{Lo: cur, Hi: iv.Lo})
		}
		if iv.Hi > cur {
			cur = iv.Hi
		}
	}
	if cur < hi {
		gaps = append(gaps, Interval{Lo: cur, Hi: hi})
	}
	return gaps
}

// Intervals returns a copy of the set's intervals.
func (s *IntervalSet) Intervals() []Interval {
	out := make([]Interval, len(s.ivs))
	copy(out, s.ivs)
	return out
}

// FromIntervals rebuilds a set from a previously exported interval list.
func FromIntervals(ivs []Interval) *IntervalSet {
	s := &IntervalSet{}
	for _, iv := range ivs {
		s.Insert(iv.Lo, iv.Hi)
	}
	return s
}
