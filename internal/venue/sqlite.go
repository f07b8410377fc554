package venue

import (
	"context"
	"fmt"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/repository"
)

// SQL is a venue whose reservations live in the coordinator's store.
type SQL struct {
	id    string
	store repository.Store
}

// NewSQL creates a venue backed by store.
func NewSQL(id string, store repository.Store) *SQL {
	return &SQL{id: id, store: store}
}

func (v *SQL) ID() string { return v.id }

func (v *SQL) Reserve(ctx context.Context, req domain.BookingRequest) (domain.ReserveStatus, string, error) {
	status, r, err := v.store.ReserveSlot(ctx, &domain.Reservation{
		ReservationID:  newReservationID(),
		VenueID:        v.id,
		Slot:           req.Slot,
		IdempotencyKey: req.IdempotencyKey,
		Name:           req.Name,
	})
	if err != nil {
		return domain.ReserveFailed, "", fmt.Errorf("failed to reserve slot: %w", err)
	}
	if status != domain.ReserveConfirmed {
		return status, "", nil
	}
	return status, r.ReservationID, nil
}

func (v *SQL) Release(ctx context.Context, _ domain.TimeSlot, key string) error {
	if _, err := v.store.ReleaseReservation(ctx, v.id, key); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

func (v *SQL) Reservations(ctx context.Context, window domain.TimeSlot) ([]domain.Reservation, error) {
	return v.store.ListReservations(ctx, v.id, window)
}
