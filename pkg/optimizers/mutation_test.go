package optimizers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
)

// stubReflector returns canned feedback regardless of the trace.
type stubReflector struct {
	feedback []core.ReflectionFeedback
	err      error
}

func (s *stubReflector) Reflect(ctx context.Context, c *core.Candidate, trace []core.ResponseRecord) ([]core.ReflectionFeedback, error) {
	return s.feedback, s.err
}

func deterministicEngine(t *testing.T, feedback []core.ReflectionFeedback) *Engine {
	t.Helper()
	cfg := DefaultMutationConfig()
	cfg.ExplorationRate = 0 // Feedback category drives operator choice
	cfg.Seed = 1
	engine, err := NewEngine(&stubReflector{feedback: feedback}, cfg)
	require.NoError(t, err)
	return engine
}

func parentCandidate(payload string) *core.Candidate {
	return &core.Candidate{ID: "parent-1", Payload: payload, Generation: 3}
}

func TestProposeAddConstraintFromMissingConstraint(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureMissingConstraint, SuggestedFix: "Cite the source for every claim."},
	})

	parent := parentCandidate("Answer the question.")
	children, err := engine.Propose(context.Background(), parent, nil, nil, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, string(OpAddConstraint), child.Operator)
	assert.Equal(t, "Answer the question.\nConstraint: Cite the source for every claim.", child.Payload)
	assert.Equal(t, []string{"parent-1"}, child.ParentIDs)
	assert.Equal(t, 4, child.Generation)
	assert.NotEmpty(t, child.ID)
}

func TestProposeRewriteFromWrongFormat(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureWrongFormat, SuggestedFix: "Respond with a single JSON object."},
	})

	parent := parentCandidate("Answer freely.\nUse the provided context.")
	children, err := engine.Propose(context.Background(), parent, nil, nil, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)

	assert.Equal(t, string(OpRewriteInstruction), children[0].Operator)
	assert.Equal(t, "Respond with a single JSON object.\nUse the provided context.", children[0].Payload)
}

func TestProposePrunesRedundantContext(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureOverLongContext},
	})

	parent := parentCandidate("Summarize the report.\n\nBe concise.\nBe concise.")
	children, err := engine.Propose(context.Background(), parent, nil, nil, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)

	assert.Equal(t, string(OpPruneContext), children[0].Operator)
	assert.Equal(t, "Summarize the report.\nBe concise.", children[0].Payload)
}

func TestProposeNoOpOperatorYieldsNoChild(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureOverLongContext},
	})

	// Nothing to prune: the operator is a no-op and the child is dropped.
	parent := parentCandidate("Summarize the report.")
	children, err := engine.Propose(context.Background(), parent, nil, nil, 1)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestProposeCrossoverRecordsBothParents(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureOther},
	})

	parent := parentCandidate("First line A.\nSecond line A.")
	partner := &core.Candidate{ID: "partner-1", Payload: "First line B.\nSecond line B."}
	frontier := []*core.Candidate{parent, partner}

	children, err := engine.Propose(context.Background(), parent, nil, frontier, 1)
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, string(OpCrossover), child.Operator)
	require.Len(t, child.ParentIDs, 2)
	assert.Equal(t, "parent-1", child.ParentIDs[0])
	assert.Equal(t, "partner-1", child.ParentIDs[1])
	assert.Contains(t, child.Payload, "First line A.")
	assert.Contains(t, child.Payload, "Second line B.")
}

func TestProposeRespectsBudget(t *testing.T) {
	engine := deterministicEngine(t, []core.ReflectionFeedback{
		{Category: core.FailureMissingConstraint, Detail: "must not invent fields"},
	})

	parent := parentCandidate("Extract the entities.")
	children, err := engine.Propose(context.Background(), parent, nil, nil, 10)
	require.NoError(t, err)

	// Budget is capped by the configured ChildrenBudget.
	assert.LessOrEqual(t, len(children), DefaultMutationConfig().ChildrenBudget)
	assert.NotEmpty(t, children)
	for _, c := range children {
		assert.True(t, strings.Contains(c.Payload, "Constraint:"))
	}
}

func TestProposeReflectorErrorPropagates(t *testing.T) {
	cfg := DefaultMutationConfig()
	engine, err := NewEngine(&stubReflector{err: assert.AnError}, cfg)
	require.NoError(t, err)

	_, err = engine.Propose(context.Background(), parentCandidate("x"), nil, nil, 1)
	assert.Error(t, err)
}

func TestSetExplorationRateClamps(t *testing.T) {
	engine := deterministicEngine(t, nil)

	engine.SetExplorationRate(1.7)
	assert.Equal(t, 1.0, engine.ExplorationRate())

	engine.SetExplorationRate(-0.3)
	assert.Equal(t, 0.0, engine.ExplorationRate())
}

func TestNewEngineRejectsBadInput(t *testing.T) {
	_, err := NewEngine(nil, DefaultMutationConfig())
	assert.Error(t, err)

	cfg := DefaultMutationConfig()
	cfg.ChildrenBudget = 0
	_, err = NewEngine(&stubReflector{}, cfg)
	assert.Error(t, err)
}
