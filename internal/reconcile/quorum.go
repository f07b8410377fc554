package reconcile

import (
	"context"
	"fmt"

	"github.com/xiaot623/huddle/internal/domain"
)

// QuorumInput is what a quorum policy decides on.
type QuorumInput struct {
	Parties  []domain.PartyID
	Answered []domain.PartyID
	Missing  []domain.PartyID
}

// QuorumPolicy decides whether enough parties answered to reconcile.
type QuorumPolicy interface {
	Satisfied(ctx context.Context, in QuorumInput) (bool, string, error)
}

// RequireAll is met only when every party answered.
type RequireAll struct{}

func (RequireAll) Satisfied(_ context.Context, in QuorumInput) (bool, string, error) {
	if len(in.Missing) > 0 {
		return false, fmt.Sprintf("%d of %d parties did not answer", len(in.Missing), len(in.Parties)), nil
	}
	return true, "", nil
}

// RequireAtLeast is met when at least N parties answered.
type RequireAtLeast int

func (n RequireAtLeast) Satisfied(_ context.Context, in QuorumInput) (bool, string, error) {
	if len(in.Answered) < int(n) {
		return false, fmt.Sprintf("%d answered, %d required", len(in.Answered), int(n)), nil
	}
	return true, "", nil
}
