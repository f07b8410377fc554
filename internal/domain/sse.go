package domain

// SSE event names used by streaming parties.
const (
	SSEEventPartial = "partial"
	SSEEventFinal   = "final"
	SSEEventDone    = "done"
	SSEEventError   = "error"
)

// ErrorEventData is the data for an error SSE event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
