// Package venue holds reservations at bookable places.
package venue

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/xiaot623/huddle/internal/domain"
)

// Venue is a place that accepts reservations for time slots.
//
// Reserve is idempotent per key: repeating a confirmed request returns the
// same reservation ID. A slot overlapping another key's reservation is a
// conflict. Errors mean the venue could not be reached and the request may
// be retried with the same key.
type Venue interface {
	ID() string
	Reserve(ctx context.Context, req domain.BookingRequest) (domain.ReserveStatus, string, error)
	Release(ctx context.Context, slot domain.TimeSlot, key string) error
	Reservations(ctx context.Context, window domain.TimeSlot) ([]domain.Reservation, error)
}

func newReservationID() string {
	return "res_" + uuid.New().String()[:8]
}

func sortReservations(rs []domain.Reservation) {
	slices.SortFunc(rs, func(a, b domain.Reservation) int {
		if c := a.Slot.Start.Compare(b.Slot.Start); c != 0 {
			return c
		}
		return a.Slot.End.Compare(b.Slot.End)
	})
}
