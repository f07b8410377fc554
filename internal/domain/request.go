package domain

// AvailabilityRequest is the body sent to a remote party.
type AvailabilityRequest struct {
	RequestID string  `json:"request_id"`
	PartyID   PartyID `json:"party_id"`
	Query     Query   `json:"query"`
}

// StartSessionRequest represents the request to start a scheduling attempt.
type StartSessionRequest struct {
	Window         TimeSlot  `json:"window"`
	Parties        []PartyID `json:"parties,omitempty"` // empty means every registered party
	VenueID        string    `json:"venue_id,omitempty"`
	Name           string    `json:"name,omitempty"` // reservation name
	MinSlotMinutes int       `json:"min_slot_minutes,omitempty"`
}

// StartSessionResponse represents the response after starting a session.
type StartSessionResponse struct {
	SessionID string    `json:"session_id"`
	Stage     Stage     `json:"stage"`
	Parties   []PartyID `json:"parties"`
}

// AcceptRequest accepts one slot; a zero slot means the recommended one.
type AcceptRequest struct {
	Slot TimeSlot `json:"slot"`
}

// RejectRequest rejects slots; none means every offered candidate.
type RejectRequest struct {
	Slots []TimeSlot `json:"slots,omitempty"`
}

// SessionEvent is one entry of a session's event stream.
type SessionEvent struct {
	Type       EventType             `json:"type"`
	SessionID  string                `json:"session_id"`
	Ts         int64                 `json:"ts"` // Unix milliseconds
	Stage      Stage                 `json:"stage"`
	PartyID    PartyID               `json:"party_id,omitempty"`
	Offer      *AvailabilityOffer    `json:"offer,omitempty"`
	Round      *Round                `json:"round,omitempty"`
	Result     *ReconciliationResult `json:"result,omitempty"`
	Candidates []TimeSlot            `json:"candidates,omitempty"`
	Slot       *TimeSlot             `json:"slot,omitempty"`
	Booking    *BookingResult        `json:"booking,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}
