// Package domain defines the core domain models for the coordinator.
package domain

// OutcomeStatus represents how a party finished one round.
type OutcomeStatus string

const (
	OutcomeAnswered OutcomeStatus = "ANSWERED"
	OutcomeTimedOut OutcomeStatus = "TIMED_OUT"
	OutcomeErrored  OutcomeStatus = "ERRORED"
)

// ReconcileStatus represents the status of a reconciliation.
type ReconcileStatus string

const (
	ReconcileFeasible   ReconcileStatus = "FEASIBLE"
	ReconcileInfeasible ReconcileStatus = "INFEASIBLE"
	ReconcileIncomplete ReconcileStatus = "INCOMPLETE"
)

// BookingStatus represents the status of a booking attempt.
type BookingStatus string

const (
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingConflict  BookingStatus = "CONFLICT"
	BookingFailed    BookingStatus = "FAILED"
)

// Stage represents the stage of a scheduling session.
type Stage string

const (
	StageGathering            Stage = "GATHERING"
	StageReconciling          Stage = "RECONCILING"
	StageAwaitingConfirmation Stage = "AWAITING_CONFIRMATION"
	StageBooking              Stage = "BOOKING"
	StageCompleted            Stage = "COMPLETED"
	StageAbandoned            Stage = "ABANDONED"
	StageInfeasible           Stage = "INFEASIBLE"
)

// Terminal reports whether no further transitions leave the stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageAbandoned, StageInfeasible:
		return true
	}
	return false
}

// DeliveryMode represents how a party delivers its answer.
type DeliveryMode string

const (
	DeliverySingleShot DeliveryMode = "single"
	DeliveryStreaming  DeliveryMode = "stream"
)

// EventType represents the type of a session event.
type EventType string

const (
	EventTypePartialOffer       EventType = "partial_offer"
	EventTypeRoundClosed        EventType = "round_closed"
	EventTypeCandidatesProposed EventType = "candidates_proposed"
	EventTypeAwaitingDecision   EventType = "awaiting_decision"
	EventTypeBooked             EventType = "booked"
	EventTypeInfeasible         EventType = "infeasible"
	EventTypeAbandoned          EventType = "abandoned"

	// Decision events, emitted in order with the session's own events.
	EventTypeSessionStarted    EventType = "session_started"
	EventTypeCandidateAccepted EventType = "candidate_accepted"
	EventTypeCandidateRejected EventType = "candidate_rejected"
	EventTypeSessionCancelled  EventType = "session_cancelled"
)

// Terminal reports whether the event ends a session's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventTypeBooked, EventTypeInfeasible, EventTypeAbandoned:
		return true
	}
	return false
}

// ReserveStatus is the answer a venue gives to a reservation attempt.
type ReserveStatus string

const (
	ReserveConfirmed ReserveStatus = "confirmed"
	ReserveConflict  ReserveStatus = "conflict"
	ReserveFailed    ReserveStatus = "failed"
)
