package venue

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/huddle/internal/domain"
)

// Memory is an in-process venue.
type Memory struct {
	id string

	mu    sync.Mutex
	byKey map[string]domain.Reservation
}

// NewMemory creates an empty in-process venue.
func NewMemory(id string) *Memory {
	return &Memory{id: id, byKey: make(map[string]domain.Reservation)}
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Reserve(ctx context.Context, req domain.BookingRequest) (domain.ReserveStatus, string, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReserveFailed, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.byKey[req.IdempotencyKey]; ok {
		return domain.ReserveConfirmed, r.ReservationID, nil
	}
	for _, r := range m.byKey {
		if r.Slot.Overlaps(req.Slot) {
			return domain.ReserveConflict, "", nil
		}
	}

	r := domain.Reservation{
		ReservationID:  newReservationID(),
		VenueID:        m.id,
		Slot:           req.Slot,
		IdempotencyKey: req.IdempotencyKey,
		Name:           req.Name,
		CreatedAt:      time.Now(),
	}
	m.byKey[req.IdempotencyKey] = r
	return domain.ReserveConfirmed, r.ReservationID, nil
}

func (m *Memory) Release(_ context.Context, _ domain.TimeSlot, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, key)
	return nil
}

func (m *Memory) Reservations(_ context.Context, window domain.TimeSlot) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Reservation
	for _, r := range m.byKey {
		if !window.Valid() || r.Slot.Overlaps(window) {
			out = append(out, r)
		}
	}
	sortReservations(out)
	return out, nil
}
