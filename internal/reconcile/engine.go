// Package reconcile turns a closed round into candidate slots.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
)

// Options tune one reconciliation.
type Options struct {
	MinimumSlotDuration time.Duration
	Exclude             []domain.TimeSlot
}

// Engine reconciles rounds under a quorum policy.
type Engine struct {
	quorum QuorumPolicy
	logger *zap.Logger
}

// NewEngine creates an engine. A nil policy requires every party.
func NewEngine(quorum QuorumPolicy, logger *zap.Logger) *Engine {
	if quorum == nil {
		quorum = RequireAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{quorum: quorum, logger: logger}
}

// Reconcile intersects the offers of the answering parties.
//
// The result depends only on the round, the policy and opts. An unmet quorum
// is INCOMPLETE, never INFEASIBLE. The only error is a policy failure.
func (e *Engine) Reconcile(ctx context.Context, round domain.Round, opts Options) (domain.ReconciliationResult, error) {
	result := domain.ReconciliationResult{
		Answered: []domain.PartyID{},
		Missing:  []domain.PartyID{},
	}

	var offers [][]domain.TimeSlot
	for _, o := range round.Outcomes() {
		if o.Status == domain.OutcomeAnswered && o.Offer != nil {
			result.Answered = append(result.Answered, o.PartyID)
			offers = append(offers, o.Offer.Slots)
			continue
		}
		result.Missing = append(result.Missing, o.PartyID)
	}

	if len(result.Answered) == 0 {
		result.Status = domain.ReconcileIncomplete
		result.Reason = "no party answered"
		return result, nil
	}

	ok, reason, err := e.quorum.Satisfied(ctx, QuorumInput{
		Parties:  round.Parties(),
		Answered: result.Answered,
		Missing:  result.Missing,
	})
	if err != nil {
		return domain.ReconciliationResult{}, fmt.Errorf("failed to evaluate quorum: %w", err)
	}
	if !ok {
		result.Status = domain.ReconcileIncomplete
		result.Reason = reason
		return result, nil
	}

	candidates := domain.IntersectAll(offers)
	candidates = domain.Subtract(candidates, opts.Exclude)
	candidates = domain.FilterMinDuration(candidates, opts.MinimumSlotDuration)

	if len(candidates) == 0 {
		result.Status = domain.ReconcileInfeasible
		result.Reason = domain.ErrInfeasible.Error()
		e.logger.Debug("reconciled", zap.String("round_id", round.ID()), zap.String("status", string(result.Status)))
		return result, nil
	}

	result.Status = domain.ReconcileFeasible
	result.Candidates = candidates
	recommended := candidates[0]
	result.Recommended = &recommended
	e.logger.Debug("reconciled",
		zap.String("round_id", round.ID()),
		zap.String("status", string(result.Status)),
		zap.Int("candidates", len(candidates)),
	)
	return result, nil
}
