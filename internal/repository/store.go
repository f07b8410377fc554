// Package repository persists parties, sessions, events and reservations.
package repository

import (
	"context"

	"github.com/xiaot623/huddle/internal/domain"
)

// Store defines the persistence interface used by the coordinator.
type Store interface {
	// Party operations
	RegisterParty(ctx context.Context, party *domain.Party) error
	GetParty(ctx context.Context, partyID domain.PartyID) (*domain.Party, error)
	ListParties(ctx context.Context) ([]domain.Party, error)

	// Session operations
	CreateSession(ctx context.Context, session *domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	UpdateSessionStage(ctx context.Context, sessionID string, stage domain.Stage) error
	UpdateSessionCompleted(ctx context.Context, sessionID string, stage domain.Stage, booked *domain.TimeSlot, errData []byte) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, sessionID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Reservation operations
	ReserveSlot(ctx context.Context, r *domain.Reservation) (domain.ReserveStatus, *domain.Reservation, error)
	ReleaseReservation(ctx context.Context, venueID, idempotencyKey string) (bool, error)
	ListReservations(ctx context.Context, venueID string, window domain.TimeSlot) ([]domain.Reservation, error)

	Close() error
}
