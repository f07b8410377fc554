package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPartyTimeout    = errors.New("party timed out")
	ErrPartyError      = errors.New("party error")
	ErrIncomplete      = errors.New("quorum not met")
	ErrInfeasible      = errors.New("no common slot")
	ErrBookingConflict = errors.New("booking conflict")
	ErrBookingFailed   = errors.New("booking failed")
	ErrSessionTimeout  = errors.New("session timed out")
	ErrCancelled       = errors.New("session cancelled")

	ErrNotFound        = errors.New("not found")
	ErrInvalidSlot     = errors.New("invalid slot")
	ErrInvalidStage    = errors.New("operation not allowed in current stage")
	ErrBookingInFlight = errors.New("booking in flight")
)

// PartyError is a transport or protocol failure reported for one party.
type PartyError struct {
	PartyID PartyID
	Code    string
	Message string
	Err     error
}

func (e *PartyError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("party %s: %s: %s", e.PartyID, e.Code, e.Message)
	}
	return fmt.Sprintf("party %s: %s", e.PartyID, e.Message)
}

// Is makes every PartyError match ErrPartyError.
func (e *PartyError) Is(target error) bool {
	return target == ErrPartyError
}

func (e *PartyError) Unwrap() error {
	return e.Err
}
