// Package partyclient sends availability requests to remote parties.
//
// Every party is reached through a Transport; Request wraps a Transport with
// the deadline and outcome classification shared by all of them, so callers
// never branch on which kind of party they are talking to.
package partyclient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/huddle/internal/domain"
)

// PartialFunc receives streamed partial offers as they arrive.
type PartialFunc func(partyID domain.PartyID, offer domain.AvailabilityOffer)

// Transport delivers one request to one party.
// Single-shot transports never call partial.
type Transport interface {
	Mode() domain.DeliveryMode
	Send(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error)
}

// TransportFunc adapts a function to Transport as a single-shot party.
type TransportFunc func(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error)

func (f TransportFunc) Mode() domain.DeliveryMode { return domain.DeliverySingleShot }

func (f TransportFunc) Send(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
	return f(ctx, req, partial)
}

// Party pairs a party ID with the transport that reaches it.
type Party struct {
	ID        domain.PartyID
	Transport Transport
}

// Request asks one party for availability within query.Window and
// classifies the result. It never retries.
//
// Answers arriving after deadline are discarded as TIMED_OUT, even when the
// transport is still running when the deadline elapses. Transport and
// payload failures are ERRORED. Offered slots are normalized and clipped to
// the query window.
func Request(ctx context.Context, party Party, query domain.Query, deadline time.Time, onPartial PartialFunc) domain.RoundOutcome {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	req := domain.AvailabilityRequest{
		RequestID: "req_" + uuid.New().String()[:8],
		PartyID:   party.ID,
		Query:     query,
	}

	partial := func(offer domain.AvailabilityOffer) {
		if onPartial == nil || ctx.Err() != nil {
			return
		}
		onPartial(party.ID, clip(party.ID, offer, query.Window))
	}

	type result struct {
		offer domain.AvailabilityOffer
		err   error
	}
	results := make(chan result, 1)
	go func() {
		offer, err := party.Transport.Send(ctx, req, partial)
		results <- result{offer: offer, err: err}
	}()

	var offer domain.AvailabilityOffer
	var err error
	select {
	case r := <-results:
		offer, err = r.offer, r.err
	case <-ctx.Done():
		// A transport that ignores ctx must not hold the round open.
		err = ctx.Err()
	}
	if err != nil {
		if isTimeout(ctx, err) {
			return domain.TimedOut(party.ID)
		}
		return domain.Errored(party.ID, err.Error())
	}
	if time.Now().After(deadline) {
		return domain.TimedOut(party.ID)
	}
	return domain.Answered(clip(party.ID, offer, query.Window))
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrPartyTimeout) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func clip(id domain.PartyID, offer domain.AvailabilityOffer, window domain.TimeSlot) domain.AvailabilityOffer {
	out := domain.AvailabilityOffer{PartyID: id, AsOf: offer.AsOf}
	if out.AsOf.IsZero() {
		out.AsOf = time.Now()
	}
	for _, s := range domain.NormalizeSlots(offer.Slots) {
		if !window.Valid() {
			out.Slots = append(out.Slots, s)
			continue
		}
		if in, ok := domain.Intersect(s, window); ok {
			out.Slots = append(out.Slots, in)
		}
	}
	return out
}
