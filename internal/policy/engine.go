// Package policy evaluates Rego quorum policies with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/huddle/internal/reconcile"
)

// Decisions returned by a quorum policy.
const (
	DecisionProceed    = "proceed"
	DecisionIncomplete = "incomplete"
)

// Quorum modes understood by DefaultPolicy.
const (
	ModeAll      = "all"
	ModeMajority = "majority"
	ModeAtLeast  = "at_least"
	ModeAny      = "any"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The module must define data.quorum.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.quorum.decision"),
		rego.Module("quorum.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewEngineFromFile loads the policy module at path, or DefaultPolicy when
// path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate runs the policy.
// Returns: decision (proceed, incomplete), reason (optional), error
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionIncomplete, "policy produced no decision", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}
	return DecisionIncomplete, fmt.Sprintf("unexpected decision type %T", val), nil
}

// Quorum adapts an Engine to reconcile.QuorumPolicy with a fixed mode.
type Quorum struct {
	engine *Engine
	mode   string
	min    int
}

// NewQuorum binds mode and minimum to engine. An empty mode means all.
func NewQuorum(engine *Engine, mode string, minimum int) *Quorum {
	if mode == "" {
		mode = ModeAll
	}
	return &Quorum{engine: engine, mode: mode, min: minimum}
}

func (q *Quorum) Satisfied(ctx context.Context, in reconcile.QuorumInput) (bool, string, error) {
	input := map[string]interface{}{
		"mode":     q.mode,
		"min":      q.min,
		"parties":  ids(in.Parties),
		"answered": ids(in.Answered),
		"missing":  ids(in.Missing),
	}

	decision, reason, err := q.engine.Evaluate(ctx, input)
	if err != nil {
		return false, "", err
	}
	if decision == DecisionProceed {
		return true, "", nil
	}
	if reason == "" {
		reason = fmt.Sprintf("quorum %q not met: %d of %d answered", q.mode, len(in.Answered), len(in.Parties))
	}
	return false, reason, nil
}

func ids[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package quorum

default decision = "incomplete"

total = count(input.parties)

answered = count(input.answered)

decision = "proceed" {
	input.mode == "all"
	answered > 0
	answered == total
}

decision = "proceed" {
	input.mode == "majority"
	answered * 2 > total
}

decision = "proceed" {
	input.mode == "at_least"
	answered > 0
	answered >= input.min
}

decision = "proceed" {
	input.mode == "any"
	answered > 0
}
`
