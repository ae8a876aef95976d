package optimizers

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/logging"
)

// Operator names the mutation applied to produce a child candidate.
type Operator string

const (
	OpRewriteInstruction Operator = "rewrite_instruction"
	OpAddConstraint      Operator = "add_constraint"
	OpPruneContext       Operator = "prune_redundant_context"
	OpCrossover          Operator = "crossover"
)

// MutationConfig controls the reflective mutation engine.
type MutationConfig struct {
	// ChildrenBudget caps children per generation; sample efficiency is a
	// design goal, not unbounded trial-and-error.
	ChildrenBudget int
	// ExplorationRate is the probability of picking a random operator
	// instead of the one suggested by reflection feedback.
	ExplorationRate float64
	Seed            int64
}

// DefaultMutationConfig returns the documented defaults.
func DefaultMutationConfig() MutationConfig {
	return MutationConfig{
		ChildrenBudget:  4,
		ExplorationRate: 0.2,
		Seed:            time.Now().UnixNano(),
	}
}

// Engine turns a parent candidate plus reflection feedback into child
// candidates. Failure summarization is the Reflector's job; the engine
// consumes only its typed output.
type Engine struct {
	mu        sync.Mutex
	cfg       MutationConfig
	rng       *rand.Rand
	reflector core.Reflector
}

// NewEngine creates a mutation engine.
func NewEngine(reflector core.Reflector, cfg MutationConfig) (*Engine, error) {
	if reflector == nil {
		return nil, errors.New(errors.InvalidInput, "mutation engine requires a reflector")
	}
	if cfg.ChildrenBudget <= 0 {
		return nil, errors.New(errors.InvalidInput, "children budget must be positive")
	}
	return &Engine{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		reflector: reflector,
	}, nil
}

// ExplorationRate returns the current exploration rate.
func (e *Engine) ExplorationRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.ExplorationRate
}

// SetExplorationRate adjusts the exploration rate; the stagnation controller
// raises it when the frontier stops moving.
func (e *Engine) SetExplorationRate(rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	e.cfg.ExplorationRate = rate
}

// Propose generates up to budget children from a parent and its execution
// trace. The frontier supplies crossover partners. Returns zero children
// when reflection yields nothing actionable and every operator is a no-op.
func (e *Engine) Propose(ctx context.Context, parent *core.Candidate, trace []core.ResponseRecord, frontier []*core.Candidate, budget int) ([]*core.Candidate, error) {
	logger := logging.GetLogger()

	if parent == nil {
		return nil, errors.New(errors.InvalidInput, "parent candidate is required")
	}
	if budget > e.cfg.ChildrenBudget {
		budget = e.cfg.ChildrenBudget
	}
	if budget <= 0 {
		return nil, nil
	}

	feedback, err := e.reflector.Reflect(ctx, parent, trace)
	if err != nil {
		return nil, errors.Wrap(err, errors.ExecutionFailed, "reflection failed")
	}

	var children []*core.Candidate
	for i := 0; i < budget; i++ {
		fb := pickFeedback(feedback, i)
		op := e.chooseOperator(fb, frontier)

		child := e.apply(op, parent, fb, frontier)
		if child == nil {
			continue
		}
		children = append(children, child)
		logger.Debug(ctx, "proposed child %s via %s from parent %s", child.ID, op, parent.ID)
	}
	return children, nil
}

func pickFeedback(feedback []core.ReflectionFeedback, i int) *core.ReflectionFeedback {
	if len(feedback) == 0 {
		return nil
	}
	return &feedback[i%len(feedback)]
}

// chooseOperator maps a failure category to its natural operator, with an
// exploration chance of picking any operator uniformly.
func (e *Engine) chooseOperator(fb *core.ReflectionFeedback, frontier []*core.Candidate) Operator {
	operators := []Operator{OpRewriteInstruction, OpAddConstraint, OpPruneContext, OpCrossover}

	e.mu.Lock()
	explore := e.rng.Float64() < e.cfg.ExplorationRate
	randomOp := operators[e.rng.Intn(len(operators))]
	e.mu.Unlock()

	if explore || fb == nil {
		if randomOp == OpCrossover && len(frontier) < 2 {
			return OpRewriteInstruction
		}
		return randomOp
	}

	switch fb.Category {
	case core.FailureMissingConstraint:
		return OpAddConstraint
	case core.FailureOverLongContext:
		return OpPruneContext
	case core.FailureWrongFormat, core.FailureHallucination:
		return OpRewriteInstruction
	default:
		if len(frontier) >= 2 {
			return OpCrossover
		}
		return OpRewriteInstruction
	}
}

func (e *Engine) apply(op Operator, parent *core.Candidate, fb *core.ReflectionFeedback, frontier []*core.Candidate) *core.Candidate {
	var payload string
	parents := []string{parent.ID}

	switch op {
	case OpRewriteInstruction:
		payload = rewriteInstruction(parent.Payload, fb)
	case OpAddConstraint:
		payload = addConstraint(parent.Payload, fb)
	case OpPruneContext:
		payload = pruneContext(parent.Payload)
	case OpCrossover:
		partner := e.crossoverPartner(parent, frontier)
		if partner == nil {
			return nil
		}
		payload = crossover(parent.Payload, partner.Payload)
		parents = append(parents, partner.ID)
	}

	if payload == "" || payload == parent.Payload {
		return nil
	}

	return &core.Candidate{
		ID:         uuid.New().String(),
		Payload:    payload,
		ParentIDs:  parents,
		Generation: parent.Generation + 1,
		Status:     core.StatusActive,
		Operator:   string(op),
		CreatedAt:  time.Now(),
	}
}

func (e *Engine) crossoverPartner(parent *core.Candidate, frontier []*core.Candidate) *core.Candidate {
	var pool []*core.Candidate
	for _, c := range frontier {
		if c.ID != parent.ID {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return pool[e.rng.Intn(len(pool))]
}

// rewriteInstruction replaces the leading instruction line, steering it with
// the suggested fix when the reflector provided one.
func rewriteInstruction(payload string, fb *core.ReflectionFeedback) string {
	lines := strings.Split(payload, "\n")
	if len(lines) == 0 {
		return payload
	}

	rewritten := lines[0]
	if fb != nil && fb.SuggestedFix != "" {
		rewritten = fb.SuggestedFix
	} else {
		rewritten = "Be precise and complete: " + strings.TrimSpace(lines[0])
	}
	lines[0] = rewritten
	return strings.Join(lines, "\n")
}

// addConstraint appends an explicit constraint derived from the feedback.
func addConstraint(payload string, fb *core.ReflectionFeedback) string {
	constraint := "Always satisfy every stated requirement before answering."
	if fb != nil {
		if fb.SuggestedFix != "" {
			constraint = fb.SuggestedFix
		} else if fb.Detail != "" {
			constraint = fb.Detail
		}
	}
	return payload + "\nConstraint: " + constraint
}

// pruneContext drops duplicate and blank lines, the cheap mechanical form of
// trimming over-long context.
func pruneContext(payload string) string {
	lines := strings.Split(payload, "\n")
	seen := make(map[string]bool)
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// crossover merges two frontier members: the head of one payload with the
// tail of the other.
func crossover(a, b string) string {
	aLines := strings.Split(a, "\n")
	bLines := strings.Split(b, "\n")

	head := aLines[:(len(aLines)+1)/2]
	tail := bLines[len(bLines)/2:]

	merged := append(append([]string{}, head...), tail...)
	return strings.Join(merged, "\n")
}
