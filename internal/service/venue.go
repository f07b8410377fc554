package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/huddle/internal/domain"
)

// ListReservations lists a venue's reservations overlapping window; an
// invalid window lists all of them.
func (s *Service) ListReservations(ctx context.Context, venueID string, window domain.TimeSlot) ([]domain.Reservation, error) {
	v, err := s.venues.Get(venueID)
	if err != nil {
		return nil, err
	}
	reservations, err := v.Reservations(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return reservations, nil
}
