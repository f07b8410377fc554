// Package fanout runs one availability round across many parties.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/domain"
)

// RetryPolicy bounds per-party retries within one round.
// Only ERRORED outcomes are retried; a timeout is final for the round.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy returns two retries starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond}
}

// Backoff returns the delay before retry number attempt+1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	return p.BaseDelay << attempt
}

// Coordinator fans requests out to parties under a shared deadline.
type Coordinator struct {
	logger *zap.Logger
}

// New creates a coordinator.
func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{logger: logger}
}

// RunRound asks every party concurrently and returns the closed Round once
// every party task has finished. Parties still pending at deadline are
// TIMED_OUT, or ERRORED if they were backing off after an error. Partials
// are forwarded to onPartial until the round closes and dropped afterwards.
func (c *Coordinator) RunRound(ctx context.Context, parties []partyclient.Party, query domain.Query, deadline time.Time, retry RetryPolicy, onPartial partyclient.PartialFunc) domain.Round {
	roundID := "round_" + uuid.New().String()[:8]
	startedAt := time.Now()

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var (
		mu     sync.RWMutex
		closed bool
	)
	forward := func(id domain.PartyID, offer domain.AvailabilityOffer) {
		if onPartial == nil {
			return
		}
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		onPartial(id, offer)
	}

	// Each task writes only its own index.
	outcomes := make([]domain.RoundOutcome, len(parties))
	var g errgroup.Group
	for i, p := range parties {
		outcomes[i] = domain.TimedOut(p.ID)
		outcomes[i].Attempts = 0
		g.Go(func() error {
			outcomes[i] = c.askParty(ctx, p, query, deadline, retry, forward)
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	closed = true
	mu.Unlock()

	round := domain.NewRound(roundID, startedAt, deadline, time.Now(), outcomes)
	c.logger.Info("round closed",
		zap.String("round_id", roundID),
		zap.Int("parties", round.Len()),
		zap.Duration("elapsed", time.Since(startedAt)),
	)
	return round
}

func (c *Coordinator) askParty(ctx context.Context, p partyclient.Party, query domain.Query, deadline time.Time, retry RetryPolicy, onPartial partyclient.PartialFunc) domain.RoundOutcome {
	var out domain.RoundOutcome
	for attempt := 0; ; attempt++ {
		out = partyclient.Request(ctx, p, query, deadline, onPartial)
		out.Attempts = attempt + 1

		c.logger.Debug("party outcome",
			zap.String("party_id", string(p.ID)),
			zap.String("status", string(out.Status)),
			zap.Int("attempt", out.Attempts),
			zap.String("reason", out.Reason),
		)

		if out.Status != domain.OutcomeErrored || attempt >= retry.MaxRetries || ctx.Err() != nil {
			return out
		}

		delay := retry.Backoff(attempt)
		if delay >= time.Until(deadline) {
			return out
		}
		if !sleep(ctx, delay) {
			return out
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
