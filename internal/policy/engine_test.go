package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/reconcile"
)

func input(answered, missing []domain.PartyID) reconcile.QuorumInput {
	all := append(append([]domain.PartyID{}, answered...), missing...)
	return reconcile.QuorumInput{Parties: all, Answered: answered, Missing: missing}
}

func TestDefaultPolicyModes(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	twoOfThree := input([]domain.PartyID{"a", "b"}, []domain.PartyID{"c"})
	oneOfThree := input([]domain.PartyID{"a"}, []domain.PartyID{"b", "c"})
	allThree := input([]domain.PartyID{"a", "b", "c"}, nil)
	none := input(nil, []domain.PartyID{"a", "b"})

	tests := []struct {
		name string
		mode string
		min  int
		in   reconcile.QuorumInput
		want bool
	}{
		{"all met", ModeAll, 0, allThree, true},
		{"all unmet", ModeAll, 0, twoOfThree, false},
		{"empty mode is all", "", 0, twoOfThree, false},
		{"majority met", ModeMajority, 0, twoOfThree, true},
		{"majority unmet", ModeMajority, 0, oneOfThree, false},
		{"at least met", ModeAtLeast, 2, twoOfThree, true},
		{"at least unmet", ModeAtLeast, 2, oneOfThree, false},
		{"any met", ModeAny, 0, oneOfThree, true},
		{"any with none", ModeAny, 0, none, false},
		{"unknown mode", "quorum-of-one", 0, allThree, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason, err := NewQuorum(engine, tt.mode, tt.min).Satisfied(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestNewEngineRejectsInvalidPolicy(t *testing.T) {
	_, err := NewEngine(context.Background(), "package quorum\n\ndecision = {")
	assert.Error(t, err)
}

func TestNewEngineFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorum.rego")
	custom := `
package quorum

default decision = "incomplete"

decision = "proceed" {
	count(input.answered) >= 1
	not input.missing[_] == "vip"
}
`
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o644))

	ctx := context.Background()
	engine, err := NewEngineFromFile(ctx, path)
	require.NoError(t, err)
	q := NewQuorum(engine, "custom", 0)

	ok, _, err := q.Satisfied(ctx, input([]domain.PartyID{"vip"}, []domain.PartyID{"x"}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = q.Satisfied(ctx, input([]domain.PartyID{"x"}, []domain.PartyID{"vip"}))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewEngineFromFile(ctx, filepath.Join(t.TempDir(), "missing.rego"))
	assert.Error(t, err)
}

func TestQuorumDrivesReconcile(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngineFromFile(ctx, "")
	require.NoError(t, err)

	e := reconcile.NewEngine(NewQuorum(engine, ModeMajority, 0), nil)
	round := domain.NewRound("r", time.Time{}, time.Time{}, time.Time{}, []domain.RoundOutcome{
		domain.Answered(domain.AvailabilityOffer{PartyID: "a"}),
		domain.TimedOut("b"),
		domain.TimedOut("c"),
	})

	res, err := e.Reconcile(ctx, round, reconcile.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileIncomplete, res.Status)
}
