// Package booking commits reservations exactly once per idempotency key.
package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/venue"
)

// keyNamespace scopes idempotency keys derived by IdempotencyKey.
var keyNamespace = uuid.MustParse("6f1c2a8e-4f0b-5d7a-9c3e-2b8d1e4a7f60")

// IdempotencyKey derives the booking key for slot within a session.
// The same session and slot always yield the same key.
func IdempotencyKey(sessionID string, slot domain.TimeSlot) string {
	name := fmt.Sprintf("%s|%d|%d", sessionID, slot.Start.UnixMilli(), slot.End.UnixMilli())
	return uuid.NewSHA1(keyNamespace, []byte(name)).String()
}

// Finalizer serializes check-then-commit per venue.
// Bookings at different venues never wait on each other.
type Finalizer struct {
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New creates a finalizer.
func New(logger *zap.Logger) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{logger: logger, locks: make(map[string]chan struct{})}
}

func (f *Finalizer) venueLock(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock, ok := f.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		f.locks[id] = lock
	}
	return lock
}

// Book reserves req.Slot at v.
//
// Repeating a request with the same key returns the same result. A FAILED
// result is safe to retry with the same key.
func (f *Finalizer) Book(ctx context.Context, v venue.Venue, req domain.BookingRequest) domain.BookingResult {
	result := domain.BookingResult{Slot: req.Slot}
	if !req.Slot.Valid() {
		result.Status = domain.BookingFailed
		result.Reason = domain.ErrInvalidSlot.Error()
		return result
	}
	if req.IdempotencyKey == "" {
		result.Status = domain.BookingFailed
		result.Reason = "missing idempotency key"
		return result
	}

	lock := f.venueLock(v.ID())
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		result.Status = domain.BookingFailed
		result.Reason = fmt.Sprintf("%s: %v", domain.ErrBookingFailed, ctx.Err())
		return result
	}
	defer func() { <-lock }()

	start := time.Now()
	status, reservationID, err := v.Reserve(ctx, req)
	if err != nil {
		status = domain.ReserveFailed
	}

	switch status {
	case domain.ReserveConfirmed:
		result.Status = domain.BookingConfirmed
		result.ReservationID = reservationID
	case domain.ReserveConflict:
		result.Status = domain.BookingConflict
		result.Reason = domain.ErrBookingConflict.Error()
	default:
		result.Status = domain.BookingFailed
		result.Reason = domain.ErrBookingFailed.Error()
		if err != nil {
			result.Reason = fmt.Sprintf("%s: %v", domain.ErrBookingFailed, err)
		}
	}

	f.logger.Info("booking attempted",
		zap.String("venue_id", v.ID()),
		zap.String("slot", req.Slot.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("status", string(result.Status)),
		zap.String("reservation_id", result.ReservationID),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return result
}

// Release undoes a reservation made under key. Releasing an unknown key is
// not an error.
func (f *Finalizer) Release(ctx context.Context, v venue.Venue, slot domain.TimeSlot, key string) error {
	lock := f.venueLock(v.ID())
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	if err := v.Release(ctx, slot, key); err != nil {
		return fmt.Errorf("failed to release %s at %s: %w", slot, v.ID(), err)
	}
	f.logger.Info("reservation released", zap.String("venue_id", v.ID()), zap.String("idempotency_key", key))
	return nil
}
