package partyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaot623/huddle/internal/domain"
)

// HTTPTransport reaches a party over HTTP at {endpoint}/availability.
// Streaming parties answer with SSE; single-shot parties answer with JSON.
type HTTPTransport struct {
	endpoint   string
	mode       domain.DeliveryMode
	httpClient *http.Client
	limiter    *rate.Limiter
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.httpClient = c }
}

// WithRateLimit caps outgoing requests per second to this party.
func WithRateLimit(perSecond float64) HTTPOption {
	return func(t *HTTPTransport) {
		if perSecond > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewHTTPTransport creates a transport for the party at endpoint.
func NewHTTPTransport(endpoint string, mode domain.DeliveryMode, opts ...HTTPOption) *HTTPTransport {
	if mode == "" {
		mode = domain.DeliverySingleShot
	}
	t := &HTTPTransport{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		mode:     mode,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // per-request deadlines come from ctx
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *HTTPTransport) Mode() domain.DeliveryMode { return t.mode }

// Send posts req and waits for the party's final offer.
func (t *HTTPTransport) Send(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return domain.AvailabilityOffer{}, ctx.Err()
			}
			return domain.AvailabilityOffer{}, t.partyErr(req.PartyID, "rate_limited", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.AvailabilityOffer{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/availability", bytes.NewReader(body))
	if err != nil {
		return domain.AvailabilityOffer{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if t.mode == domain.DeliveryStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AvailabilityOffer{}, ctx.Err()
		}
		return domain.AvailabilityOffer{}, t.partyErr(req.PartyID, "transport", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.AvailabilityOffer{}, &domain.PartyError{
			PartyID: req.PartyID,
			Code:    "http_status",
			Message: fmt.Sprintf("party returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))),
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readStream(ctx, req.PartyID, resp.Body, partial)
	}

	var offer domain.AvailabilityOffer
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		if ctx.Err() != nil {
			return domain.AvailabilityOffer{}, ctx.Err()
		}
		return domain.AvailabilityOffer{}, t.partyErr(req.PartyID, "malformed_payload", err)
	}
	return offer, nil
}

// readStream consumes partial, final, done and error events.
// The first final or done ends the stream; anything after it is ignored.
// A done without a final yields the union of all partials.
func (t *HTTPTransport) readStream(ctx context.Context, id domain.PartyID, body io.Reader, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
	var (
		final    *domain.AvailabilityOffer
		done     bool
		partials []domain.TimeSlot
		lastAsOf time.Time
	)

	err := parseSSE(body, func(event SSEEvent) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch event.Event {
		case domain.SSEEventPartial:
			offer, err := ParseOfferEvent(event.Data)
			if err != nil {
				return t.partyErr(id, "malformed_payload", err)
			}
			partials = append(partials, offer.Slots...)
			lastAsOf = offer.AsOf
			if partial != nil {
				partial(*offer)
			}
		case domain.SSEEventFinal:
			offer, err := ParseOfferEvent(event.Data)
			if err != nil {
				return t.partyErr(id, "malformed_payload", err)
			}
			final = offer
			return errStreamDone
		case domain.SSEEventDone:
			done = true
			return errStreamDone
		case domain.SSEEventError:
			errEvt, err := ParseErrorEvent(event.Data)
			if err != nil {
				return t.partyErr(id, "malformed_payload", err)
			}
			return &domain.PartyError{PartyID: id, Code: errEvt.Code, Message: errEvt.Message}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		if ctx.Err() != nil {
			return domain.AvailabilityOffer{}, ctx.Err()
		}
		return domain.AvailabilityOffer{}, err
	}

	switch {
	case final != nil:
		return *final, nil
	case done:
		return domain.AvailabilityOffer{PartyID: id, Slots: domain.NormalizeSlots(partials), AsOf: lastAsOf}, nil
	}
	return domain.AvailabilityOffer{}, &domain.PartyError{
		PartyID: id,
		Code:    "stream_truncated",
		Message: "stream ended without final or done",
	}
}

func (t *HTTPTransport) partyErr(id domain.PartyID, code string, err error) error {
	return &domain.PartyError{PartyID: id, Code: code, Message: err.Error(), Err: err}
}

var errStreamDone = errors.New("stream done")

// ForParty builds the HTTP client for a registered party.
func ForParty(p domain.Party, opts ...HTTPOption) Party {
	return Party{ID: p.PartyID, Transport: NewHTTPTransport(p.Endpoint, p.Mode, opts...)}
}
