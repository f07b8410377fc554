package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/booking"
	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/fanout"
	"github.com/xiaot623/huddle/internal/reconcile"
	"github.com/xiaot623/huddle/internal/venue"
)

var day = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

func slot(h1, m1, h2, m2 int) domain.TimeSlot {
	return domain.TimeSlot{
		Start: day.Add(time.Duration(h1)*time.Hour + time.Duration(m1)*time.Minute),
		End:   day.Add(time.Duration(h2)*time.Hour + time.Duration(m2)*time.Minute),
	}
}

func local(id string, slots ...domain.TimeSlot) partyclient.Party {
	return partyclient.Party{ID: domain.PartyID(id), Transport: partyclient.NewLocal(partyclient.StaticCalendar(slots))}
}

// The 09:00–11:00 scenario parties.
func scenarioParties() []partyclient.Party {
	return []partyclient.Party{
		local("A", slot(9, 0, 10, 0)),
		local("B", slot(9, 30, 11, 0)),
		local("C", slot(8, 0, 9, 45)),
	}
}

func testEngines() Engines {
	logger := zap.NewNop()
	return Engines{
		Coordinator: fanout.New(logger),
		Reconciler:  reconcile.NewEngine(nil, logger),
		Finalizer:   booking.New(logger),
		Logger:      logger,
	}
}

func testConfig(v venue.Venue) Config {
	return Config{
		Window:            slot(9, 0, 11, 0),
		Venue:             v,
		MinSlotDuration:   15 * time.Minute,
		RoundTimeout:      500 * time.Millisecond,
		PartyRetry:        fanout.RetryPolicy{MaxRetries: 0, BaseDelay: 10 * time.Millisecond},
		RoundRetries:      1,
		BookingRetries:    1,
		BookingRetryDelay: time.Millisecond,
		BookingTimeout:    time.Second,
		SessionTimeout:    5 * time.Second,
	}
}

func start(t *testing.T, id string, parties []partyclient.Party, cfg Config) *Session {
	t.Helper()
	s, err := Start(context.Background(), id, parties, cfg, testEngines())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.cancel()
		for range s.Events() {
		}
	})
	return s
}

// waitFor reads events until one of type typ arrives and returns it along
// with every event seen before it.
func waitFor(t *testing.T, s *Session, typ domain.EventType) (domain.SessionEvent, []domain.SessionEvent) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	var seen []domain.SessionEvent
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev, seen
			}
			if ev.Type.Terminal() {
				t.Fatalf("got %s (%s) while waiting for %s", ev.Type, ev.Reason, typ)
			}
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case _, ok := <-s.Events():
		assert.False(t, ok, "no events after the terminal one")
	case <-time.After(time.Second):
		t.Fatal("event stream not closed")
	}
	<-s.Done()
}

func TestSessionBooksCommonSlot(t *testing.T) {
	v := venue.NewMemory("jam-spot")
	s := start(t, "sess_ok", scenarioParties(), testConfig(v))

	proposed, before := waitFor(t, s, domain.EventTypeCandidatesProposed)
	require.Len(t, before, 1)
	assert.Equal(t, domain.EventTypeRoundClosed, before[0].Type)
	assert.Equal(t, 3, before[0].Round.Len())
	assert.Equal(t, []domain.TimeSlot{slot(9, 30, 9, 45)}, proposed.Candidates)
	assert.Equal(t, domain.ReconcileFeasible, proposed.Result.Status)

	awaiting, _ := waitFor(t, s, domain.EventTypeAwaitingDecision)
	assert.Equal(t, domain.StageAwaitingConfirmation, awaiting.Stage)

	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))

	booked, before := waitFor(t, s, domain.EventTypeBooked)
	require.Len(t, before, 1)
	assert.Equal(t, domain.EventTypeCandidateAccepted, before[0].Type)
	require.NotNil(t, before[0].Slot)
	assert.True(t, before[0].Slot.Equal(slot(9, 30, 9, 45)))
	assert.Equal(t, domain.StageCompleted, booked.Stage)
	require.NotNil(t, booked.Slot)
	assert.True(t, booked.Slot.Equal(slot(9, 30, 9, 45)))
	require.NotNil(t, booked.Booking)
	assert.Equal(t, domain.BookingConfirmed, booked.Booking.Status)
	assert.NotEmpty(t, booked.Booking.ReservationID)
	assert.NotNil(t, booked.Round)
	assert.NotNil(t, booked.Result)
	assertClosed(t, s)

	snap := s.Snapshot()
	assert.Equal(t, domain.StageCompleted, snap.Stage)
	assert.Equal(t, 1, snap.Rounds)
	require.NotNil(t, snap.EndedAt)

	list, err := v.Reservations(context.Background(), slot(9, 0, 11, 0))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, booking.IdempotencyKey("sess_ok", slot(9, 30, 9, 45)), list[0].IdempotencyKey)
	assert.Equal(t, "sess_ok", list[0].Name)

	err = s.Cancel(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidStage)
}

func TestSessionMinimumDurationInfeasible(t *testing.T) {
	cfg := testConfig(venue.NewMemory("jam-spot"))
	cfg.MinSlotDuration = 30 * time.Minute
	s := start(t, "sess_short", scenarioParties(), cfg)

	ev, _ := waitFor(t, s, domain.EventTypeInfeasible)
	assert.Equal(t, domain.StageInfeasible, ev.Stage)
	assert.Equal(t, domain.ErrInfeasible.Error(), ev.Reason)
	assert.Equal(t, domain.ReconcileInfeasible, ev.Result.Status)
	assert.Nil(t, ev.Slot)
	assertClosed(t, s)
}

func TestSessionRetriesIncompleteRound(t *testing.T) {
	var calls atomic.Int32
	// B sleeps through the first round and answers the second.
	b := partyclient.Party{ID: "B", Transport: partyclient.TransportFunc(func(ctx context.Context, req domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return domain.AvailabilityOffer{}, ctx.Err()
		}
		return domain.AvailabilityOffer{PartyID: req.PartyID, Slots: []domain.TimeSlot{slot(9, 30, 11, 0)}}, nil
	})}
	parties := []partyclient.Party{local("A", slot(9, 0, 10, 0)), b, local("C", slot(8, 0, 9, 45))}

	cfg := testConfig(venue.NewMemory("jam-spot"))
	cfg.RoundTimeout = 100 * time.Millisecond
	s := start(t, "sess_retry", parties, cfg)

	first, _ := waitFor(t, s, domain.EventTypeRoundClosed)
	out, ok := first.Round.Outcome("B")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeTimedOut, out.Status)

	second, _ := waitFor(t, s, domain.EventTypeRoundClosed)
	assert.NotEqual(t, first.Round.ID(), second.Round.ID())

	proposed, _ := waitFor(t, s, domain.EventTypeCandidatesProposed)
	assert.Equal(t, []domain.TimeSlot{slot(9, 30, 9, 45)}, proposed.Candidates)
	assert.Equal(t, 2, s.Snapshot().Rounds)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSessionIncompleteExhaustsRounds(t *testing.T) {
	silent := partyclient.Party{ID: "B", Transport: partyclient.TransportFunc(func(ctx context.Context, _ domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		return domain.AvailabilityOffer{}, errors.New("connection refused")
	})}
	cfg := testConfig(venue.NewMemory("jam-spot"))
	cfg.RoundRetries = 1
	s := start(t, "sess_incomplete", []partyclient.Party{local("A", slot(9, 0, 10, 0)), silent}, cfg)

	ev, seen := waitFor(t, s, domain.EventTypeInfeasible)
	rounds := 0
	for _, e := range seen {
		if e.Type == domain.EventTypeRoundClosed {
			rounds++
		}
	}
	assert.Equal(t, 2, rounds)
	assert.Contains(t, ev.Reason, domain.ErrIncomplete.Error())
	assert.Equal(t, domain.ReconcileIncomplete, ev.Result.Status)
	assert.Equal(t, []domain.PartyID{"B"}, ev.Result.Missing)
}

func TestSessionRejectOnlyCandidate(t *testing.T) {
	s := start(t, "sess_reject", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	waitFor(t, s, domain.EventTypeAwaitingDecision)

	require.NoError(t, s.Reject(context.Background()))

	ev, _ := waitFor(t, s, domain.EventTypeInfeasible)
	assert.Equal(t, domain.StageInfeasible, ev.Stage)
	assert.Equal(t, 1, s.Snapshot().Rounds, "rejection re-reconciles the same round")
}

func TestSessionRejectReoffersRemaining(t *testing.T) {
	parties := []partyclient.Party{
		local("A", slot(9, 0, 10, 0), slot(10, 30, 11, 0)),
		local("B", slot(9, 0, 11, 0)),
	}
	s := start(t, "sess_reoffer", parties, testConfig(venue.NewMemory("jam-spot")))
	waitFor(t, s, domain.EventTypeAwaitingDecision)

	require.NoError(t, s.Reject(context.Background(), slot(9, 0, 10, 0)))

	proposed, _ := waitFor(t, s, domain.EventTypeCandidatesProposed)
	assert.Equal(t, []domain.TimeSlot{slot(10, 30, 11, 0)}, proposed.Candidates)
}

func TestSessionAcceptValidation(t *testing.T) {
	s := start(t, "sess_validate", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	waitFor(t, s, domain.EventTypeAwaitingDecision)

	ctx := context.Background()
	assert.ErrorIs(t, s.Accept(ctx, slot(8, 0, 9, 0)), domain.ErrInvalidSlot)
	assert.ErrorIs(t, s.Accept(ctx, slot(9, 30, 9, 35)), domain.ErrInvalidSlot)
	assert.ErrorIs(t, s.Accept(ctx, slot(9, 45, 9, 30)), domain.ErrInvalidSlot)
	assert.Equal(t, domain.StageAwaitingConfirmation, s.Snapshot().Stage)

	require.NoError(t, s.Accept(ctx, slot(9, 30, 9, 45)))
	waitFor(t, s, domain.EventTypeBooked)
}

func TestSessionConflictReoffers(t *testing.T) {
	v := venue.NewMemory("jam-spot")
	_, _, err := v.Reserve(context.Background(), domain.BookingRequest{Slot: slot(9, 30, 10, 0), IdempotencyKey: "someone-else"})
	require.NoError(t, err)

	parties := []partyclient.Party{
		local("A", slot(9, 0, 10, 0), slot(10, 30, 11, 0)),
		local("B", slot(9, 0, 11, 0)),
	}
	s := start(t, "sess_conflict", parties, testConfig(v))
	proposed, _ := waitFor(t, s, domain.EventTypeCandidatesProposed)
	require.Len(t, proposed.Candidates, 2)

	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))

	reoffered, _ := waitFor(t, s, domain.EventTypeCandidatesProposed)
	assert.Equal(t, []domain.TimeSlot{slot(10, 30, 11, 0)}, reoffered.Candidates)
	snap := s.Snapshot()
	require.NotNil(t, snap.Booking)
	assert.Equal(t, domain.BookingConflict, snap.Booking.Status)

	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))
	booked, _ := waitFor(t, s, domain.EventTypeBooked)
	assert.True(t, booked.Slot.Equal(slot(10, 30, 11, 0)))
}

func TestSessionConcurrentBookingsSameSlot(t *testing.T) {
	v := venue.NewMemory("jam-spot")
	engines := testEngines()

	sessions := make([]*Session, 2)
	for i, id := range []string{"sess_one", "sess_two"} {
		s, err := Start(context.Background(), id, scenarioParties(), testConfig(v), engines)
		require.NoError(t, err)
		sessions[i] = s
	}
	for _, s := range sessions {
		waitFor(t, s, domain.EventTypeAwaitingDecision)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))
		}()
	}
	wg.Wait()

	var stages []domain.Stage
	for _, s := range sessions {
		for range s.Events() {
		}
		stages = append(stages, s.Snapshot().Stage)
	}
	assert.ElementsMatch(t, []domain.Stage{domain.StageCompleted, domain.StageInfeasible}, stages)
}

// blockingVenue holds every reservation until release is closed.
type blockingVenue struct {
	*venue.Memory
	entered chan struct{}
	release chan struct{}
}

func newBlockingVenue() *blockingVenue {
	return &blockingVenue{Memory: venue.NewMemory("jam-spot"), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (v *blockingVenue) Reserve(ctx context.Context, req domain.BookingRequest) (domain.ReserveStatus, string, error) {
	select {
	case v.entered <- struct{}{}:
	default:
	}
	<-v.release
	return v.Memory.Reserve(ctx, req)
}

func TestSessionCancelRefusedWhileBooking(t *testing.T) {
	v := newBlockingVenue()
	s := start(t, "sess_inflight", scenarioParties(), testConfig(v))
	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))
	<-v.entered

	assert.Equal(t, domain.StageBooking, s.Snapshot().Stage)
	assert.ErrorIs(t, s.Cancel(context.Background()), domain.ErrBookingInFlight)
	assert.ErrorIs(t, s.Accept(context.Background(), domain.TimeSlot{}), domain.ErrInvalidStage)

	close(v.release)
	waitFor(t, s, domain.EventTypeBooked)
}

func TestSessionTimeoutWaitsForBooking(t *testing.T) {
	v := newBlockingVenue()
	cfg := testConfig(v)
	cfg.SessionTimeout = 300 * time.Millisecond
	s := start(t, "sess_slow_booking", scenarioParties(), cfg)
	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))
	<-v.entered

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, domain.StageBooking, s.Snapshot().Stage)

	close(v.release)
	booked, _ := waitFor(t, s, domain.EventTypeBooked)
	assert.Equal(t, domain.StageCompleted, booked.Stage)
}

// failingVenue never confirms and counts releases.
type failingVenue struct {
	*venue.Memory
	reserves atomic.Int32
	releases atomic.Int32
}

func (v *failingVenue) Reserve(context.Context, domain.BookingRequest) (domain.ReserveStatus, string, error) {
	v.reserves.Add(1)
	return domain.ReserveFailed, "", errors.New("venue unreachable")
}

func (v *failingVenue) Release(ctx context.Context, slot domain.TimeSlot, key string) error {
	v.releases.Add(1)
	return v.Memory.Release(ctx, slot, key)
}

func TestSessionBookingFailureAbandons(t *testing.T) {
	v := &failingVenue{Memory: venue.NewMemory("jam-spot")}
	cfg := testConfig(v)
	cfg.BookingRetries = 2
	s := start(t, "sess_failed", scenarioParties(), cfg)
	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))

	ev, _ := waitFor(t, s, domain.EventTypeAbandoned)
	assert.Equal(t, domain.StageAbandoned, ev.Stage)
	assert.Contains(t, ev.Reason, "venue unreachable")
	require.NotNil(t, ev.Booking)
	assert.Equal(t, domain.BookingFailed, ev.Booking.Status)
	assert.Equal(t, int32(3), v.reserves.Load())
	assert.Equal(t, int32(1), v.releases.Load())
}

func TestSessionCancelRefusedBetweenBookingRetries(t *testing.T) {
	v := &failingVenue{Memory: venue.NewMemory("jam-spot")}
	cfg := testConfig(v)
	cfg.BookingRetryDelay = time.Second
	s := start(t, "sess_retry_pause", scenarioParties(), cfg)
	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Accept(context.Background(), domain.TimeSlot{}))
	require.Eventually(t, func() bool { return v.reserves.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	begin := time.Now()
	assert.ErrorIs(t, s.Cancel(ctx), domain.ErrBookingInFlight)
	assert.Less(t, time.Since(begin), 300*time.Millisecond)
	assert.Equal(t, domain.StageBooking, s.Snapshot().Stage)

	ev, _ := waitFor(t, s, domain.EventTypeAbandoned)
	assert.Contains(t, ev.Reason, "venue unreachable")
	assert.Equal(t, int32(2), v.reserves.Load())
}

func TestSessionCancelWhileAwaiting(t *testing.T) {
	s := start(t, "sess_cancel", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	waitFor(t, s, domain.EventTypeAwaitingDecision)

	require.NoError(t, s.Cancel(context.Background()))

	ev, before := waitFor(t, s, domain.EventTypeAbandoned)
	require.Len(t, before, 1)
	assert.Equal(t, domain.EventTypeSessionCancelled, before[0].Type)
	assert.Equal(t, domain.ErrCancelled.Error(), ev.Reason)
	require.NotNil(t, ev.Result)
	assert.Len(t, ev.Result.Candidates, 1)
	assertClosed(t, s)

	assert.ErrorIs(t, s.Accept(context.Background(), domain.TimeSlot{}), domain.ErrInvalidStage)
}

func TestSessionCancelWhileGathering(t *testing.T) {
	slow := partyclient.Party{ID: "slow", Transport: partyclient.NewLocal(partyclient.StaticCalendar{slot(9, 0, 10, 0)}, partyclient.WithLatency(time.Minute))}
	s := start(t, "sess_gathering", []partyclient.Party{local("A", slot(9, 0, 10, 0)), slow}, testConfig(venue.NewMemory("jam-spot")))

	assert.ErrorIs(t, s.Accept(context.Background(), domain.TimeSlot{}), domain.ErrInvalidStage)
	require.NoError(t, s.Cancel(context.Background()))

	ev, _ := waitFor(t, s, domain.EventTypeAbandoned)
	assert.Equal(t, domain.ErrCancelled.Error(), ev.Reason)
}

func TestSessionTimesOutAwaitingDecision(t *testing.T) {
	cfg := testConfig(venue.NewMemory("jam-spot"))
	cfg.SessionTimeout = 100 * time.Millisecond
	s := start(t, "sess_timeout", scenarioParties(), cfg)

	ev, _ := waitFor(t, s, domain.EventTypeAbandoned)
	assert.Equal(t, domain.ErrSessionTimeout.Error(), ev.Reason)
	assert.Equal(t, domain.StageAbandoned, s.Snapshot().Stage)
}

func TestSessionForwardsPartialOffers(t *testing.T) {
	streamer := partyclient.Party{ID: "A", Transport: partyclient.NewLocal(partyclient.StaticCalendar{slot(9, 0, 10, 0)}, partyclient.WithStreaming())}
	s := start(t, "sess_partials", []partyclient.Party{streamer, local("B", slot(9, 30, 11, 0))}, testConfig(venue.NewMemory("jam-spot")))

	_, before := waitFor(t, s, domain.EventTypeRoundClosed)
	require.Len(t, before, 1)
	assert.Equal(t, domain.EventTypePartialOffer, before[0].Type)
	assert.Equal(t, domain.PartyID("A"), before[0].PartyID)
	assert.Equal(t, []domain.TimeSlot{slot(9, 0, 10, 0)}, before[0].Offer.Slots)
}

func TestStartValidation(t *testing.T) {
	engines := testEngines()
	cfg := testConfig(venue.NewMemory("jam-spot"))

	bad := cfg
	bad.Window = slot(11, 0, 9, 0)
	_, err := Start(context.Background(), "s", scenarioParties(), bad, engines)
	assert.ErrorIs(t, err, domain.ErrInvalidSlot)

	_, err = Start(context.Background(), "s", nil, cfg, engines)
	assert.Error(t, err)

	_, err = Start(context.Background(), "s", []partyclient.Party{local("A"), local("A")}, cfg, engines)
	assert.ErrorContains(t, err, "duplicate party")

	noVenue := cfg
	noVenue.Venue = nil
	_, err = Start(context.Background(), "s", scenarioParties(), noVenue, engines)
	assert.Error(t, err)
}
