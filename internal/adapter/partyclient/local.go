package partyclient

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/huddle/internal/domain"
)

// Local is an in-process party answering from a Calendar.
// In streaming mode it emits one partial per day of the window.
type Local struct {
	calendar Calendar
	mode     domain.DeliveryMode
	latency  time.Duration
}

// LocalOption configures a Local party.
type LocalOption func(*Local)

// WithStreaming makes the party deliver per-day partials.
func WithStreaming() LocalOption {
	return func(l *Local) { l.mode = domain.DeliveryStreaming }
}

// WithLatency delays every answer, and every partial, by d.
func WithLatency(d time.Duration) LocalOption {
	return func(l *Local) { l.latency = d }
}

// NewLocal creates an in-process party.
func NewLocal(cal Calendar, opts ...LocalOption) *Local {
	l := &Local{calendar: cal, mode: domain.DeliverySingleShot}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Mode() domain.DeliveryMode { return l.mode }

func (l *Local) Send(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
	window := req.Query.Window
	if l.mode != domain.DeliveryStreaming {
		if err := l.wait(ctx); err != nil {
			return domain.AvailabilityOffer{}, err
		}
		slots, err := l.calendar.Availability(ctx, window)
		if err != nil {
			return domain.AvailabilityOffer{}, &domain.PartyError{PartyID: req.PartyID, Code: "calendar", Message: err.Error(), Err: err}
		}
		return domain.AvailabilityOffer{PartyID: req.PartyID, Slots: slots, AsOf: time.Now()}, nil
	}

	var all []domain.TimeSlot
	for _, day := range SplitByDay(window) {
		if err := l.wait(ctx); err != nil {
			return domain.AvailabilityOffer{}, err
		}
		slots, err := l.calendar.Availability(ctx, day)
		if err != nil {
			return domain.AvailabilityOffer{}, &domain.PartyError{PartyID: req.PartyID, Code: "calendar", Message: err.Error(), Err: err}
		}
		if len(slots) == 0 {
			continue
		}
		all = append(all, slots...)
		if partial != nil {
			partial(domain.AvailabilityOffer{PartyID: req.PartyID, Slots: slots, AsOf: time.Now()})
		}
	}
	return domain.AvailabilityOffer{PartyID: req.PartyID, Slots: domain.NormalizeSlots(all), AsOf: time.Now()}, nil
}

func (l *Local) wait(ctx context.Context) error {
	if l.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("local party: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
