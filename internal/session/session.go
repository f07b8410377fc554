// Package session drives one scheduling attempt from fan-out to booking.
//
// A Session is owned by a single goroutine. Callers talk to it through
// Accept, Reject and Cancel, which are delivered as decisions and answered
// by that goroutine, and observe it through Events and Snapshot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/booking"
	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/fanout"
	"github.com/xiaot623/huddle/internal/reconcile"
	"github.com/xiaot623/huddle/internal/venue"
)

// Config tunes one session.
type Config struct {
	Window          domain.TimeSlot
	Venue           venue.Venue
	ReservationName string
	MinSlotDuration time.Duration

	RoundTimeout time.Duration
	PartyRetry   fanout.RetryPolicy
	RoundRetries int

	BookingRetries    int
	BookingRetryDelay time.Duration
	BookingTimeout    time.Duration

	SessionTimeout time.Duration
}

// DefaultConfig returns the default tunables; Window and Venue are unset.
func DefaultConfig() Config {
	return Config{
		MinSlotDuration:   30 * time.Minute,
		RoundTimeout:      30 * time.Second,
		PartyRetry:        fanout.DefaultRetryPolicy(),
		RoundRetries:      2,
		BookingRetries:    2,
		BookingRetryDelay: 200 * time.Millisecond,
		BookingTimeout:    10 * time.Second,
		SessionTimeout:    10 * time.Minute,
	}
}

// Engines are the collaborators a session drives.
type Engines struct {
	Coordinator *fanout.Coordinator
	Reconciler  *reconcile.Engine
	Finalizer   *booking.Finalizer
	Logger      *zap.Logger
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID  string                       `json:"session_id"`
	Stage      domain.Stage                 `json:"stage"`
	Window     domain.TimeSlot              `json:"window"`
	VenueID    string                       `json:"venue_id"`
	Parties    []domain.PartyID             `json:"parties"`
	Rounds     int                          `json:"rounds"`
	Round      *domain.Round                `json:"round,omitempty"`
	Result     *domain.ReconciliationResult `json:"result,omitempty"`
	Candidates []domain.TimeSlot            `json:"candidates,omitempty"`
	Booking    *domain.BookingResult        `json:"booking,omitempty"`
	BookedSlot *domain.TimeSlot             `json:"booked_slot,omitempty"`
	Reason     string                       `json:"reason,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	EndedAt    *time.Time                   `json:"ended_at,omitempty"`
}

type decisionKind int

const (
	decisionAccept decisionKind = iota
	decisionReject
	decisionCancel
)

type decision struct {
	kind  decisionKind
	slot  domain.TimeSlot
	slots []domain.TimeSlot
	reply chan error
}

// Session is one scheduling attempt.
type Session struct {
	id      string
	cfg     Config
	engines Engines
	parties []partyclient.Party
	logger  *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan domain.SessionEvent
	decisions chan decision
	done      chan struct{}

	mu   sync.RWMutex
	snap Snapshot

	// Owned by the run goroutine.
	exclude    []domain.TimeSlot
	roundsLeft int
	expired    bool
}

// Start validates the request and launches the session goroutine.
// The caller must drain Events until it is closed.
func Start(ctx context.Context, id string, parties []partyclient.Party, cfg Config, engines Engines) (*Session, error) {
	if !cfg.Window.Valid() {
		return nil, fmt.Errorf("window %s: %w", cfg.Window, domain.ErrInvalidSlot)
	}
	if len(parties) == 0 {
		return nil, errors.New("at least one party is required")
	}
	if cfg.Venue == nil {
		return nil, errors.New("venue is required")
	}
	if engines.Coordinator == nil || engines.Reconciler == nil || engines.Finalizer == nil {
		return nil, errors.New("coordinator, reconciler and finalizer are required")
	}
	seen := make(map[domain.PartyID]bool, len(parties))
	ids := make([]domain.PartyID, 0, len(parties))
	for _, p := range parties {
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate party %q", p.ID)
		}
		seen[p.ID] = true
		ids = append(ids, p.ID)
	}
	if engines.Logger == nil {
		engines.Logger = zap.NewNop()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultConfig().SessionTimeout
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultConfig().RoundTimeout
	}
	if cfg.BookingTimeout <= 0 {
		cfg.BookingTimeout = DefaultConfig().BookingTimeout
	}
	if cfg.ReservationName == "" {
		cfg.ReservationName = id
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:         id,
		cfg:        cfg,
		engines:    engines,
		parties:    parties,
		logger:     engines.Logger.With(zap.String("session_id", id)),
		ctx:        sctx,
		cancel:     cancel,
		events:     make(chan domain.SessionEvent, 64),
		decisions:  make(chan decision),
		done:       make(chan struct{}),
		roundsLeft: cfg.RoundRetries,
		snap: Snapshot{
			SessionID: id,
			Stage:     domain.StageGathering,
			Window:    cfg.Window,
			VenueID:   cfg.Venue.ID(),
			Parties:   ids,
			CreatedAt: time.Now(),
		},
	}
	go s.run()
	return s, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Events streams session events. It is closed after the terminal event.
func (s *Session) Events() <-chan domain.SessionEvent { return s.events }

// Done is closed once the session reached a terminal stage.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Accept confirms slot for booking. A zero slot accepts the recommended
// candidate. The slot must lie within an offered candidate.
func (s *Session) Accept(ctx context.Context, slot domain.TimeSlot) error {
	return s.decide(ctx, decision{kind: decisionAccept, slot: slot})
}

// Reject discards slots and reconciles the same round again without them.
// No slots rejects every offered candidate.
func (s *Session) Reject(ctx context.Context, slots ...domain.TimeSlot) error {
	return s.decide(ctx, decision{kind: decisionReject, slots: slots})
}

// Cancel abandons the session. It is refused while a booking is in flight.
func (s *Session) Cancel(ctx context.Context) error {
	return s.decide(ctx, decision{kind: decisionCancel})
}

func (s *Session) decide(ctx context.Context, d decision) error {
	d.reply = make(chan error, 1)
	select {
	case s.decisions <- d:
	case <-s.done:
		return fmt.Errorf("session %s is %s: %w", s.id, s.Snapshot().Stage, domain.ErrInvalidStage)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-d.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	timeout := time.NewTimer(s.cfg.SessionTimeout)
	defer timeout.Stop()

	s.logger.Info("session started",
		zap.Int("parties", len(s.parties)),
		zap.String("window", s.cfg.Window.String()),
		zap.String("venue_id", s.cfg.Venue.ID()),
	)

	var (
		round domain.Round
		slot  domain.TimeSlot
	)
	stage := domain.StageGathering
	for !stage.Terminal() {
		if s.ctx.Err() != nil {
			stage = s.end(domain.StageAbandoned, domain.ErrCancelled.Error())
			break
		}
		switch stage {
		case domain.StageGathering:
			stage, round = s.gather(timeout.C)
		case domain.StageReconciling:
			stage = s.reconcile(round, timeout.C)
		case domain.StageAwaitingConfirmation:
			stage, slot = s.await(timeout.C)
		case domain.StageBooking:
			stage = s.book(slot, timeout.C)
		}
	}
}

func (s *Session) gather(timeout <-chan time.Time) (domain.Stage, domain.Round) {
	s.setStage(domain.StageGathering)

	roundCtx, cancelRound := context.WithCancel(s.ctx)
	defer cancelRound()

	deadline := time.Now().Add(s.cfg.RoundTimeout)
	query := domain.Query{Window: s.cfg.Window}
	rounds := make(chan domain.Round, 1)
	go func() {
		rounds <- s.engines.Coordinator.RunRound(roundCtx, s.parties, query, deadline, s.cfg.PartyRetry, s.onPartial)
	}()

	closeRound := func(round domain.Round) {
		s.update(func(snap *Snapshot) {
			snap.Round = &round
			snap.Rounds++
		})
	}

	for {
		select {
		case round := <-rounds:
			closeRound(round)
			s.emit(domain.SessionEvent{Type: domain.EventTypeRoundClosed, Round: &round})
			return domain.StageReconciling, round

		case d := <-s.decisions:
			if d.kind != decisionCancel {
				d.reply <- s.stageError()
				continue
			}
			cancelRound()
			closeRound(<-rounds)
			s.emitCancelled()
			d.reply <- nil
			return s.end(domain.StageAbandoned, domain.ErrCancelled.Error()), domain.Round{}

		case <-timeout:
			s.expired = true
			cancelRound()
			round := <-rounds
			closeRound(round)
			return s.end(domain.StageAbandoned, domain.ErrSessionTimeout.Error()), round
		}
	}
}

func (s *Session) onPartial(id domain.PartyID, offer domain.AvailabilityOffer) {
	s.emit(domain.SessionEvent{Type: domain.EventTypePartialOffer, PartyID: id, Offer: &offer})
}

func (s *Session) reconcile(round domain.Round, timeout <-chan time.Time) domain.Stage {
	select {
	case <-timeout:
		s.expired = true
		return s.end(domain.StageAbandoned, domain.ErrSessionTimeout.Error())
	default:
	}
	s.setStage(domain.StageReconciling)

	result, err := s.engines.Reconciler.Reconcile(s.ctx, round, reconcile.Options{
		MinimumSlotDuration: s.cfg.MinSlotDuration,
		Exclude:             s.exclude,
	})
	if err != nil {
		s.logger.Error("reconcile failed", zap.Error(err))
		return s.end(domain.StageAbandoned, err.Error())
	}
	s.update(func(snap *Snapshot) {
		snap.Result = &result
		snap.Candidates = result.Candidates
	})

	switch result.Status {
	case domain.ReconcileFeasible:
		s.emit(domain.SessionEvent{
			Type:       domain.EventTypeCandidatesProposed,
			Result:     &result,
			Candidates: result.Candidates,
		})
		return domain.StageAwaitingConfirmation

	case domain.ReconcileIncomplete:
		if s.roundsLeft > 0 {
			s.roundsLeft--
			s.logger.Info("quorum not met, starting another round",
				zap.Strings("missing", partyStrings(result.Missing)),
				zap.Int("rounds_left", s.roundsLeft),
			)
			return domain.StageGathering
		}
		return s.end(domain.StageInfeasible, fmt.Sprintf("%s: %s", domain.ErrIncomplete, result.Reason))

	default:
		return s.end(domain.StageInfeasible, domain.ErrInfeasible.Error())
	}
}

func (s *Session) await(timeout <-chan time.Time) (domain.Stage, domain.TimeSlot) {
	s.setStage(domain.StageAwaitingConfirmation)
	snap := s.Snapshot()
	s.emit(domain.SessionEvent{
		Type:       domain.EventTypeAwaitingDecision,
		Result:     snap.Result,
		Candidates: snap.Candidates,
	})

	for {
		select {
		case d := <-s.decisions:
			switch d.kind {
			case decisionAccept:
				slot, err := s.validateAccept(d.slot, snap.Candidates)
				if err != nil {
					d.reply <- err
					continue
				}
				s.emit(domain.SessionEvent{Type: domain.EventTypeCandidateAccepted, Slot: &slot})
				d.reply <- nil
				return domain.StageBooking, slot

			case decisionReject:
				rejected := d.slots
				if len(rejected) == 0 {
					rejected = snap.Candidates
				}
				s.exclude = append(s.exclude, rejected...)
				s.emit(domain.SessionEvent{Type: domain.EventTypeCandidateRejected, Candidates: rejected})
				d.reply <- nil
				return domain.StageReconciling, domain.TimeSlot{}

			case decisionCancel:
				s.emitCancelled()
				d.reply <- nil
				return s.end(domain.StageAbandoned, domain.ErrCancelled.Error()), domain.TimeSlot{}
			}

		case <-timeout:
			s.expired = true
			return s.end(domain.StageAbandoned, domain.ErrSessionTimeout.Error()), domain.TimeSlot{}

		case <-s.ctx.Done():
			return s.end(domain.StageAbandoned, domain.ErrCancelled.Error()), domain.TimeSlot{}
		}
	}
}

func (s *Session) validateAccept(slot domain.TimeSlot, candidates []domain.TimeSlot) (domain.TimeSlot, error) {
	if slot.IsZero() {
		if len(candidates) == 0 {
			return domain.TimeSlot{}, fmt.Errorf("no candidate to accept: %w", domain.ErrInvalidSlot)
		}
		return candidates[0], nil
	}
	if !slot.Valid() {
		return domain.TimeSlot{}, fmt.Errorf("slot %s: %w", slot, domain.ErrInvalidSlot)
	}
	if slot.Duration() < s.cfg.MinSlotDuration {
		return domain.TimeSlot{}, fmt.Errorf("slot %s shorter than %s: %w", slot, s.cfg.MinSlotDuration, domain.ErrInvalidSlot)
	}
	for _, c := range candidates {
		if c.Contains(slot) {
			return slot, nil
		}
	}
	return domain.TimeSlot{}, fmt.Errorf("slot %s is not within any candidate: %w", slot, domain.ErrInvalidSlot)
}

func (s *Session) book(slot domain.TimeSlot, timeout <-chan time.Time) domain.Stage {
	s.setStage(domain.StageBooking)

	req := domain.BookingRequest{
		VenueID:        s.cfg.Venue.ID(),
		Slot:           slot,
		IdempotencyKey: booking.IdempotencyKey(s.id, slot),
		Name:           s.cfg.ReservationName,
	}
	if req.Name == "" {
		req.Name = s.id
	}

	for attempt := 0; ; attempt++ {
		result := s.attemptBooking(req, timeout)
		s.update(func(snap *Snapshot) { snap.Booking = &result })

		switch result.Status {
		case domain.BookingConfirmed:
			s.update(func(snap *Snapshot) { snap.BookedSlot = &slot })
			return s.end(domain.StageCompleted, "")

		case domain.BookingConflict:
			if s.expired {
				return s.end(domain.StageAbandoned, domain.ErrSessionTimeout.Error())
			}
			s.logger.Info("booking conflict, re-offering", zap.String("slot", slot.String()))
			s.exclude = append(s.exclude, slot)
			return domain.StageReconciling
		}

		if attempt < s.cfg.BookingRetries && !s.expired {
			s.logger.Warn("booking failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.String("reason", result.Reason),
			)
			s.pauseBooking(s.cfg.BookingRetryDelay<<attempt, timeout)
			continue
		}

		relCtx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.BookingTimeout)
		if err := s.engines.Finalizer.Release(relCtx, s.cfg.Venue, slot, req.IdempotencyKey); err != nil {
			s.logger.Warn("failed to release abandoned booking", zap.Error(err))
		}
		cancel()

		reason := result.Reason
		if s.expired {
			reason = domain.ErrSessionTimeout.Error()
		}
		return s.end(domain.StageAbandoned, reason)
	}
}

// attemptBooking runs one booking on a context detached from session
// cancellation and answers decisions while it is in flight.
func (s *Session) attemptBooking(req domain.BookingRequest, timeout <-chan time.Time) domain.BookingResult {
	results := make(chan domain.BookingResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.BookingTimeout)
		defer cancel()
		results <- s.engines.Finalizer.Book(ctx, s.cfg.Venue, req)
	}()

	for {
		select {
		case result := <-results:
			return result
		case d := <-s.decisions:
			s.refuseWhileBooking(d)
		case <-timeout:
			s.expired = true
			timeout = nil
		}
	}
}

// pauseBooking waits out the delay between booking attempts and keeps
// answering decisions meanwhile.
func (s *Session) pauseBooking(delay time.Duration, timeout <-chan time.Time) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case d := <-s.decisions:
			s.refuseWhileBooking(d)
		case <-timeout:
			s.expired = true
			timeout = nil
		}
	}
}

func (s *Session) refuseWhileBooking(d decision) {
	if d.kind == decisionCancel {
		d.reply <- fmt.Errorf("session %s: %w", s.id, domain.ErrBookingInFlight)
		return
	}
	d.reply <- s.stageError()
}

func (s *Session) end(stage domain.Stage, reason string) domain.Stage {
	now := time.Now()
	s.update(func(snap *Snapshot) {
		snap.Stage = stage
		snap.Reason = reason
		snap.EndedAt = &now
	})

	snap := s.Snapshot()
	ev := domain.SessionEvent{
		Round:      snap.Round,
		Result:     snap.Result,
		Candidates: snap.Candidates,
		Booking:    snap.Booking,
		Slot:       snap.BookedSlot,
		Reason:     reason,
	}
	switch stage {
	case domain.StageCompleted:
		ev.Type = domain.EventTypeBooked
	case domain.StageInfeasible:
		ev.Type = domain.EventTypeInfeasible
	default:
		ev.Type = domain.EventTypeAbandoned
	}
	s.emit(ev)

	s.logger.Info("session ended",
		zap.String("stage", string(stage)),
		zap.String("reason", reason),
		zap.Int("rounds", snap.Rounds),
	)
	return stage
}

func (s *Session) emit(ev domain.SessionEvent) {
	snap := s.Snapshot()
	ev.SessionID = s.id
	ev.Stage = snap.Stage
	ev.Ts = time.Now().UnixMilli()
	s.events <- ev
}

// emitCancelled records a caller's cancel ahead of the terminal event.
func (s *Session) emitCancelled() {
	s.emit(domain.SessionEvent{Type: domain.EventTypeSessionCancelled, Reason: domain.ErrCancelled.Error()})
}

func (s *Session) setStage(stage domain.Stage) {
	s.update(func(snap *Snapshot) { snap.Stage = stage })
}

func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
}

func (s *Session) stageError() error {
	return fmt.Errorf("session %s is %s: %w", s.id, s.Snapshot().Stage, domain.ErrInvalidStage)
}

func partyStrings(ids []domain.PartyID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
