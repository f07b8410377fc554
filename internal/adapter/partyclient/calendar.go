package partyclient

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/xiaot623/huddle/internal/domain"
)

// Calendar answers availability for an in-process party.
type Calendar interface {
	Availability(ctx context.Context, window domain.TimeSlot) ([]domain.TimeSlot, error)
}

// StaticCalendar is a fixed list of free slots.
type StaticCalendar []domain.TimeSlot

func (c StaticCalendar) Availability(_ context.Context, window domain.TimeSlot) ([]domain.TimeSlot, error) {
	return clipSlots(c, window), nil
}

// Calendar hours offered by generated calendars.
const (
	firstHour = 8
	lastHour  = 20
)

// GeneratedCalendar is a week of random one-hour free slots between 08:00 and
// 20:00, the same seed always producing the same week.
type GeneratedCalendar struct {
	slots []domain.TimeSlot
}

// NewGeneratedCalendar builds days of calendar starting at the day of start.
// perDay is capped at the number of hours available in a day.
func NewGeneratedCalendar(seed uint64, start time.Time, days, perDay int) *GeneratedCalendar {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	hours := lastHour - firstHour
	if perDay > hours {
		perDay = hours
	}

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	var slots []domain.TimeSlot
	for d := 0; d < days; d++ {
		for _, h := range rng.Perm(hours)[:perDay] {
			begin := day.AddDate(0, 0, d).Add(time.Duration(firstHour+h) * time.Hour)
			slots = append(slots, domain.TimeSlot{Start: begin, End: begin.Add(time.Hour)})
		}
	}
	domain.SortSlots(slots)
	return &GeneratedCalendar{slots: slots}
}

func (c *GeneratedCalendar) Availability(_ context.Context, window domain.TimeSlot) ([]domain.TimeSlot, error) {
	return clipSlots(c.slots, window), nil
}

// Slots returns every generated slot.
func (c *GeneratedCalendar) Slots() []domain.TimeSlot {
	out := make([]domain.TimeSlot, len(c.slots))
	copy(out, c.slots)
	return out
}

func clipSlots(slots []domain.TimeSlot, window domain.TimeSlot) []domain.TimeSlot {
	var out []domain.TimeSlot
	for _, s := range slots {
		if in, ok := domain.Intersect(s, window); ok {
			out = append(out, in)
		}
	}
	return out
}

// SplitByDay cuts window at midnight boundaries in its own location.
func SplitByDay(window domain.TimeSlot) []domain.TimeSlot {
	var days []domain.TimeSlot
	cur := window.Start
	for cur.Before(window.End) {
		next := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, cur.Location()).AddDate(0, 0, 1)
		if next.After(window.End) {
			next = window.End
		}
		days = append(days, domain.TimeSlot{Start: cur, End: next})
		cur = next
	}
	return days
}
