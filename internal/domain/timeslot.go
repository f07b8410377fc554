package domain

import (
	"fmt"
	"slices"
	"time"
)

// TimeSlot is a half-open interval [Start, End).
type TimeSlot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeSlot returns a slot, rejecting empty or inverted intervals.
func NewTimeSlot(start, end time.Time) (TimeSlot, error) {
	s := TimeSlot{Start: start, End: end}
	if !s.Valid() {
		return TimeSlot{}, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidSlot, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return s, nil
}

// Valid reports whether Start < End.
func (s TimeSlot) Valid() bool {
	return s.Start.Before(s.End)
}

// IsZero reports whether both bounds are unset.
func (s TimeSlot) IsZero() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

// Duration returns End - Start.
func (s TimeSlot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether the two half-open intervals share any instant.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Contains reports whether o lies entirely within s.
func (s TimeSlot) Contains(o TimeSlot) bool {
	return !o.Start.Before(s.Start) && !o.End.After(s.End)
}

// Equal compares instants, ignoring location.
func (s TimeSlot) Equal(o TimeSlot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
}

// Intersect returns the overlapping sub-interval of a and b.
func Intersect(a, b TimeSlot) (TimeSlot, bool) {
	if !a.Overlaps(b) {
		return TimeSlot{}, false
	}
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	return TimeSlot{Start: start, End: end}, true
}

// compareSlots orders by start, then shorter duration first.
func compareSlots(a, b TimeSlot) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.End.Compare(b.End)
}

// SortSlots sorts in place by start; ties keep the tighter slot first.
func SortSlots(slots []TimeSlot) {
	slices.SortStableFunc(slots, compareSlots)
}

// NormalizeSlots drops invalid slots, sorts, and merges overlapping ones.
// Adjacent slots ([9,10) and [10,11)) are kept apart.
func NormalizeSlots(slots []TimeSlot) []TimeSlot {
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		if s.Valid() {
			out = append(out, s)
		}
	}
	SortSlots(out)

	merged := out[:0]
	for _, s := range out {
		if n := len(merged); n > 0 && merged[n-1].Overlaps(s) {
			if s.End.After(merged[n-1].End) {
				merged[n-1].End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

type sweepPoint struct {
	at    time.Time
	delta int
}

// IntersectAll returns the intervals lying within every input sequence.
//
// All slots are merged, sorted by start (shorter first on ties) and swept
// while counting how many sequences cover the sweep point; an interval is
// emitted while that count equals len(seqs). An empty sequence anywhere makes
// the result empty.
func IntersectAll(seqs [][]TimeSlot) []TimeSlot {
	if len(seqs) == 0 {
		return nil
	}

	var all []TimeSlot
	for _, seq := range seqs {
		norm := NormalizeSlots(seq)
		if len(norm) == 0 {
			return nil
		}
		all = append(all, norm...)
	}
	SortSlots(all)

	points := make([]sweepPoint, 0, 2*len(all))
	for _, s := range all {
		points = append(points, sweepPoint{at: s.Start, delta: 1}, sweepPoint{at: s.End, delta: -1})
	}
	// Ends before starts at the same instant: [9,10) and [10,11) never overlap.
	slices.SortStableFunc(points, func(a, b sweepPoint) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return a.delta - b.delta
	})

	want := len(seqs)
	coverage := 0
	var openAt time.Time
	var out []TimeSlot
	for _, p := range points {
		before := coverage
		coverage += p.delta
		switch {
		case before < want && coverage == want:
			openAt = p.at
		case before == want && coverage < want:
			if p.at.After(openAt) {
				out = append(out, TimeSlot{Start: openAt, End: p.at})
			}
		}
	}
	return out
}

// Subtract removes every excluded interval from slots.
func Subtract(slots, excluded []TimeSlot) []TimeSlot {
	if len(excluded) == 0 {
		return slices.Clone(slots)
	}
	ex := NormalizeSlots(excluded)

	var out []TimeSlot
	for _, s := range slots {
		cursor := s.Start
		for _, e := range ex {
			if !e.End.After(cursor) || !e.Start.Before(s.End) {
				continue
			}
			if e.Start.After(cursor) {
				out = append(out, TimeSlot{Start: cursor, End: e.Start})
			}
			if e.End.After(cursor) {
				cursor = e.End
			}
		}
		if cursor.Before(s.End) {
			out = append(out, TimeSlot{Start: cursor, End: s.End})
		}
	}
	return out
}

// FilterMinDuration keeps slots at least minimum long.
func FilterMinDuration(slots []TimeSlot, minimum time.Duration) []TimeSlot {
	var out []TimeSlot
	for _, s := range slots {
		if s.Duration() >= minimum {
			out = append(out, s)
		}
	}
	return out
}
