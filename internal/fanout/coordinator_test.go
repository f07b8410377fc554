package fanout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/domain"
)

var day = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

var query = domain.Query{Window: domain.TimeSlot{Start: at(9, 0), End: at(11, 0)}}

func answering(slots ...domain.TimeSlot) partyclient.Transport {
	return partyclient.NewLocal(partyclient.StaticCalendar(slots))
}

func failing(calls *atomic.Int32, failures int32) partyclient.Transport {
	return partyclient.TransportFunc(func(ctx context.Context, req domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		if calls.Add(1) <= failures {
			return domain.AvailabilityOffer{}, &domain.PartyError{PartyID: req.PartyID, Code: "transport", Message: "connection refused"}
		}
		return domain.AvailabilityOffer{PartyID: req.PartyID, Slots: []domain.TimeSlot{{Start: at(9, 0), End: at(10, 0)}}}, nil
	})
}

func hanging() partyclient.Transport {
	return partyclient.TransportFunc(func(ctx context.Context, _ domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		<-ctx.Done()
		return domain.AvailabilityOffer{}, ctx.Err()
	})
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Millisecond}
}

func TestRunRoundAllAnswer(t *testing.T) {
	c := New(zap.NewNop())
	parties := []partyclient.Party{
		{ID: "b", Transport: answering(domain.TimeSlot{Start: at(9, 30), End: at(11, 0)})},
		{ID: "a", Transport: answering(domain.TimeSlot{Start: at(9, 0), End: at(10, 0)})},
	}

	round := c.RunRound(context.Background(), parties, query, time.Now().Add(time.Second), fastRetry(), nil)

	require.Equal(t, 2, round.Len())
	assert.Equal(t, []domain.PartyID{"a", "b"}, round.Parties())
	for _, o := range round.Outcomes() {
		assert.Equal(t, domain.OutcomeAnswered, o.Status)
		assert.Equal(t, 1, o.Attempts)
	}
	assert.False(t, round.ClosedAt().Before(round.StartedAt()))
}

func TestRunRoundTimesOutSlowParty(t *testing.T) {
	c := New(zap.NewNop())
	parties := []partyclient.Party{
		{ID: "a", Transport: answering(domain.TimeSlot{Start: at(9, 0), End: at(10, 0)})},
		{ID: "b", Transport: hanging()},
	}

	start := time.Now()
	round := c.RunRound(context.Background(), parties, query, start.Add(50*time.Millisecond), fastRetry(), nil)

	assert.Less(t, time.Since(start), time.Second)
	b, ok := round.Outcome("b")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeTimedOut, b.Status)
	assert.Equal(t, 1, b.Attempts)

	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeAnswered, a.Status)
}

func TestRunRoundClosesAtDeadlineWhenTransportIgnoresContext(t *testing.T) {
	c := New(zap.NewNop())
	stuck := partyclient.TransportFunc(func(_ context.Context, req domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		time.Sleep(2 * time.Second)
		return domain.AvailabilityOffer{PartyID: req.PartyID}, nil
	})
	parties := []partyclient.Party{
		{ID: "a", Transport: answering(domain.TimeSlot{Start: at(9, 0), End: at(10, 0)})},
		{ID: "b", Transport: stuck},
	}

	start := time.Now()
	round := c.RunRound(context.Background(), parties, query, start.Add(100*time.Millisecond), fastRetry(), nil)

	assert.Less(t, time.Since(start), time.Second)
	a, ok := round.Outcome("a")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeAnswered, a.Status)
	b, ok := round.Outcome("b")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeTimedOut, b.Status)
}

func TestRunRoundRetriesErrors(t *testing.T) {
	var calls atomic.Int32
	c := New(zap.NewNop())
	parties := []partyclient.Party{{ID: "a", Transport: failing(&calls, 1)}}

	round := c.RunRound(context.Background(), parties, query, time.Now().Add(time.Second), fastRetry(), nil)

	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeAnswered, a.Status)
	assert.Equal(t, 2, a.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunRoundGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := New(zap.NewNop())
	parties := []partyclient.Party{{ID: "a", Transport: failing(&calls, 100)}}

	round := c.RunRound(context.Background(), parties, query, time.Now().Add(time.Second), fastRetry(), nil)

	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeErrored, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Contains(t, a.Reason, "connection refused")
}

func TestRunRoundKeepsErrorWhenBackoffOutlivesDeadline(t *testing.T) {
	var calls atomic.Int32
	c := New(zap.NewNop())
	parties := []partyclient.Party{{ID: "a", Transport: failing(&calls, 100)}}
	retry := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second}

	start := time.Now()
	round := c.RunRound(context.Background(), parties, query, start.Add(100*time.Millisecond), retry, nil)

	assert.Less(t, time.Since(start), time.Second)
	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeErrored, a.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunRoundDoesNotRetryTimeouts(t *testing.T) {
	var calls atomic.Int32
	slow := partyclient.TransportFunc(func(ctx context.Context, _ domain.AvailabilityRequest, _ func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		calls.Add(1)
		<-ctx.Done()
		return domain.AvailabilityOffer{}, domain.ErrPartyTimeout
	})
	c := New(zap.NewNop())

	round := c.RunRound(context.Background(), []partyclient.Party{{ID: "a", Transport: slow}}, query, time.Now().Add(30*time.Millisecond), fastRetry(), nil)

	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeTimedOut, a.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRunRoundForwardsPartialsUntilClose(t *testing.T) {
	streaming := partyclient.TransportFunc(func(ctx context.Context, req domain.AvailabilityRequest, partial func(domain.AvailabilityOffer)) (domain.AvailabilityOffer, error) {
		offer := domain.AvailabilityOffer{PartyID: req.PartyID, Slots: []domain.TimeSlot{{Start: at(9, 0), End: at(9, 30)}}}
		partial(offer)
		partial(offer)
		return offer, nil
	})

	var got atomic.Int32
	c := New(zap.NewNop())
	round := c.RunRound(context.Background(), []partyclient.Party{{ID: "a", Transport: streaming}}, query, time.Now().Add(time.Second), fastRetry(),
		func(domain.PartyID, domain.AvailabilityOffer) { got.Add(1) })

	assert.EqualValues(t, 2, got.Load())
	a, _ := round.Outcome("a")
	assert.Equal(t, domain.OutcomeAnswered, a.Status)
}

func TestRunRoundCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(zap.NewNop())
	start := time.Now()
	round := c.RunRound(ctx, []partyclient.Party{{ID: "a", Transport: hanging()}}, query, start.Add(time.Minute), fastRetry(), nil)

	assert.Less(t, time.Since(start), time.Second)
	a, _ := round.Outcome("a")
	assert.NotEqual(t, domain.OutcomeAnswered, a.Status)
}

func TestBackoffDoubles(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 500*time.Millisecond, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Zero(t, RetryPolicy{}.Backoff(3))
}
