package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// PartyID identifies a remote party.
type PartyID string

// Query is what a party is asked about.
type Query struct {
	Window TimeSlot `json:"window"`
}

// AvailabilityOffer is one party's answer for one round.
type AvailabilityOffer struct {
	PartyID PartyID    `json:"party_id"`
	Slots   []TimeSlot `json:"slots"`
	AsOf    time.Time  `json:"as_of"`
}

// RoundOutcome is the terminal result of asking one party in one round.
type RoundOutcome struct {
	PartyID  PartyID            `json:"party_id"`
	Status   OutcomeStatus      `json:"status"`
	Offer    *AvailabilityOffer `json:"offer,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Attempts int                `json:"attempts"`
}

// Answered builds an ANSWERED outcome.
func Answered(offer AvailabilityOffer) RoundOutcome {
	return RoundOutcome{PartyID: offer.PartyID, Status: OutcomeAnswered, Offer: &offer, Attempts: 1}
}

// TimedOut builds a TIMED_OUT outcome.
func TimedOut(id PartyID) RoundOutcome {
	return RoundOutcome{PartyID: id, Status: OutcomeTimedOut, Reason: ErrPartyTimeout.Error(), Attempts: 1}
}

// Errored builds an ERRORED outcome.
func Errored(id PartyID, reason string) RoundOutcome {
	return RoundOutcome{PartyID: id, Status: OutcomeErrored, Reason: reason, Attempts: 1}
}

// Round is one fan-out attempt across all configured parties.
// A Round is immutable once built; accessors return copies.
type Round struct {
	id        string
	startedAt time.Time
	deadline  time.Time
	closedAt  time.Time
	outcomes  map[PartyID]RoundOutcome
}

// NewRound closes a round over the given outcomes.
func NewRound(id string, startedAt, deadline, closedAt time.Time, outcomes []RoundOutcome) Round {
	m := make(map[PartyID]RoundOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.PartyID] = o
	}
	return Round{id: id, startedAt: startedAt, deadline: deadline, closedAt: closedAt, outcomes: m}
}

func (r Round) ID() string           { return r.id }
func (r Round) StartedAt() time.Time { return r.startedAt }
func (r Round) Deadline() time.Time  { return r.deadline }
func (r Round) ClosedAt() time.Time  { return r.closedAt }
func (r Round) Len() int             { return len(r.outcomes) }

// Parties returns party IDs in sorted order.
func (r Round) Parties() []PartyID {
	return slices.Sorted(maps.Keys(r.outcomes))
}

// Outcome returns the outcome recorded for id.
func (r Round) Outcome(id PartyID) (RoundOutcome, bool) {
	o, ok := r.outcomes[id]
	return o, ok
}

// Outcomes returns all outcomes sorted by party ID.
func (r Round) Outcomes() []RoundOutcome {
	out := make([]RoundOutcome, 0, len(r.outcomes))
	for _, id := range r.Parties() {
		out = append(out, r.outcomes[id])
	}
	return out
}

// roundJSON is the wire form of a Round.
type roundJSON struct {
	RoundID   string         `json:"round_id"`
	StartedAt time.Time      `json:"started_at"`
	Deadline  time.Time      `json:"deadline"`
	ClosedAt  time.Time      `json:"closed_at"`
	Outcomes  []RoundOutcome `json:"outcomes"`
}

func (r Round) MarshalJSON() ([]byte, error) {
	return json.Marshal(roundJSON{
		RoundID:   r.id,
		StartedAt: r.startedAt,
		Deadline:  r.deadline,
		ClosedAt:  r.closedAt,
		Outcomes:  r.Outcomes(),
	})
}

func (r *Round) UnmarshalJSON(data []byte) error {
	var v roundJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = NewRound(v.RoundID, v.StartedAt, v.Deadline, v.ClosedAt, v.Outcomes)
	return nil
}

// ReconciliationResult is the outcome of reconciling one round.
type ReconciliationResult struct {
	Status      ReconcileStatus `json:"status"`
	Candidates  []TimeSlot      `json:"candidates"`
	Recommended *TimeSlot       `json:"recommended,omitempty"`
	Answered    []PartyID       `json:"answered"`
	Missing     []PartyID       `json:"missing"`
	Reason      string          `json:"reason,omitempty"`
}

// BookingRequest asks a venue to hold a slot.
type BookingRequest struct {
	VenueID        string   `json:"venue_id"`
	Slot           TimeSlot `json:"slot"`
	IdempotencyKey string   `json:"idempotency_key"`
	Name           string   `json:"name,omitempty"`
}

// BookingResult is the answer to a BookingRequest.
type BookingResult struct {
	Status        BookingStatus `json:"status"`
	Slot          TimeSlot      `json:"slot"`
	ReservationID string        `json:"reservation_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// Party is a registered remote party.
type Party struct {
	PartyID   PartyID      `json:"party_id"`
	Name      string       `json:"name"`
	Endpoint  string       `json:"endpoint"`
	Mode      DeliveryMode `json:"mode"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Reservation is a committed hold on a venue.
type Reservation struct {
	ReservationID  string    `json:"reservation_id"`
	VenueID        string    `json:"venue_id"`
	Slot           TimeSlot  `json:"slot"`
	IdempotencyKey string    `json:"idempotency_key"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionRecord is the persisted summary of a scheduling attempt.
type SessionRecord struct {
	SessionID  string          `json:"session_id"`
	VenueID    string          `json:"venue_id"`
	Window     TimeSlot        `json:"window"`
	Parties    []PartyID       `json:"parties"`
	Stage      Stage           `json:"stage"`
	BookedSlot *TimeSlot       `json:"booked_slot,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// Event represents a stored session event for replay.
type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Ts        int64           `json:"ts"` // Unix milliseconds
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
