package ws

import "github.com/xiaot623/huddle/internal/domain"

// Message types from client to server
const (
	TypeAccept = "accept"
	TypeReject = "reject"
	TypeCancel = "cancel"
)

// Message types from server to client
const (
	TypeHelloAck = "hello_ack"
	TypeEvent    = "event"
	TypeAck      = "ack"
	TypeError    = "error"
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRejected       = "rejected"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// DecisionMessage is sent by a client to accept, reject or cancel.
type DecisionMessage struct {
	BaseMessage
	Slot  domain.TimeSlot   `json:"slot,omitempty"`
	Slots []domain.TimeSlot `json:"slots,omitempty"`
}

// HelloAckMessage is sent once the connection is bound to its session.
type HelloAckMessage struct {
	BaseMessage
	Session any `json:"session"`
}

// EventMessage carries one live session event.
type EventMessage struct {
	BaseMessage
	Event domain.SessionEvent `json:"event"`
}

// AckMessage confirms a decision was applied.
type AckMessage struct {
	BaseMessage
	Decision string `json:"decision"`
}

// ErrorMessage is sent when a message could not be applied.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEventMessage wraps ev for delivery.
func NewEventMessage(ev domain.SessionEvent) EventMessage {
	return EventMessage{
		BaseMessage: BaseMessage{Type: TypeEvent, Ts: ev.Ts, SessionID: ev.SessionID},
		Event:       ev,
	}
}
