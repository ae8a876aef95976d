package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCandidateRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cand := &core.Candidate{
		ID:         "cand-1",
		Payload:    "Extract every entity.",
		ParentIDs:  []string{"seed-1"},
		Generation: 2,
		Metrics:    core.Metrics{"accuracy": 0.8, "cost": 0.05},
		Status:     core.StatusActive,
		Operator:   "add_constraint",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.SaveCandidate(ctx, cand))

	loaded, err := store.LoadCandidate(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, cand.Payload, loaded.Payload)
	assert.Equal(t, cand.ParentIDs, loaded.ParentIDs)
	assert.Equal(t, cand.Generation, loaded.Generation)
	assert.Equal(t, cand.Metrics, loaded.Metrics)
	assert.Equal(t, core.StatusActive, loaded.Status)
	assert.Equal(t, "add_constraint", loaded.Operator)
}

func TestSaveCandidateUpserts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cand := &core.Candidate{ID: "cand-1", Payload: "v1", Status: core.StatusActive, CreatedAt: time.Now()}
	require.NoError(t, store.SaveCandidate(ctx, cand))

	cand.Status = core.StatusDominated
	cand.Metrics = core.Metrics{"accuracy": 0.4}
	require.NoError(t, store.SaveCandidate(ctx, cand))

	loaded, err := store.LoadCandidate(ctx, "cand-1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDominated, loaded.Status)
	assert.Equal(t, 0.4, loaded.Metrics["accuracy"])
}

func TestLoadCandidateNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.LoadCandidate(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ResourceNotFound))
}

func TestResponsesAreAppendOnly(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := &core.ResponseRecord{
		ID:        "resp-1",
		SubjectID: "cand-1",
		ItemID:    "item-1",
		Score:     1.0,
		Correct:   true,
		Timestamp: time.Now(),
		LatencyMS: 12,
		CostUSD:   0.002,
	}
	require.NoError(t, store.AppendResponse(ctx, rec))

	// Same id again is a conflict, never an overwrite.
	rec.Score = 0.0
	assert.Error(t, store.AppendResponse(ctx, rec))

	got, err := store.QueryResponses(ctx, core.ResponseFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Score)
	assert.True(t, got[0].Correct)
	assert.False(t, got[0].NoResponse)
	assert.Equal(t, int64(12), got[0].LatencyMS)
}

func TestQueryResponsesFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	seed := []core.ResponseRecord{
		{ID: "r1", SubjectID: "s1", ItemID: "i1", Correct: true, Timestamp: base},
		{ID: "r2", SubjectID: "s1", ItemID: "i2", Timestamp: base.Add(10 * time.Minute)},
		{ID: "r3", SubjectID: "s2", ItemID: "i1", Correct: true, Timestamp: base.Add(20 * time.Minute)},
		{ID: "r4", SubjectID: "s3", ItemID: "i3", Timestamp: base.Add(30 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, store.AppendResponse(ctx, &seed[i]))
	}

	bySubject, err := store.QueryResponses(ctx, core.ResponseFilter{SubjectIDs: []string{"s1"}})
	require.NoError(t, err)
	assert.Len(t, bySubject, 2)

	byItem, err := store.QueryResponses(ctx, core.ResponseFilter{ItemIDs: []string{"i1"}})
	require.NoError(t, err)
	assert.Len(t, byItem, 2)

	since, err := store.QueryResponses(ctx, core.ResponseFilter{Since: base.Add(15 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	combined, err := store.QueryResponses(ctx, core.ResponseFilter{
		SubjectIDs: []string{"s1", "s2"},
		ItemIDs:    []string{"i1"},
	})
	require.NoError(t, err)
	require.Len(t, combined, 2)
	assert.Equal(t, "r1", combined[0].ID)
	assert.Equal(t, "r3", combined[1].ID)
}

func TestAbilityHistory(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := &core.AbilityEstimate{
		SubjectID:         "cand-1",
		Theta:             -0.4,
		StdErr:            0.6,
		CI95:              [2]float64{-1.58, 0.78},
		ItemsAdministered: 5,
		LowConfidence:     true,
		SnapshotVersion:   1,
	}
	second := &core.AbilityEstimate{
		SubjectID:         "cand-1",
		Theta:             0.2,
		StdErr:            0.28,
		CI95:              [2]float64{-0.35, 0.75},
		ItemsAdministered: 14,
		SnapshotVersion:   2,
	}
	require.NoError(t, store.SaveAbility(ctx, first))
	require.NoError(t, store.SaveAbility(ctx, second))

	history, err := store.LoadAbilities(ctx, "cand-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, -0.4, history[0].Theta)
	assert.True(t, history[0].LowConfidence)
	assert.Equal(t, [2]float64{-0.35, 0.75}, history[1].CI95)
	assert.Equal(t, int64(2), history[1].SnapshotVersion)

	other, err := store.LoadAbilities(ctx, "cand-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSnapshotCheckpointRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	bank, err := irt.NewBank([]*irt.Item{
		{ID: "i1", Payload: "task one", Difficulty: -0.5, Discrimination: 1.2, Domain: "extraction"},
		{ID: "i2", Payload: "task two", Difficulty: 0.8, Discrimination: 1.6, Guessing: 0.1, Domain: "reasoning"},
	})
	require.NoError(t, err)
	snap := bank.Snapshot()

	require.NoError(t, store.SaveSnapshot(ctx, snap))
	// Re-checkpointing the same version is idempotent.
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	items, err := store.LoadSnapshotItems(ctx, snap.Version())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "i1", items[0].ID)
	assert.Equal(t, -0.5, items[0].Difficulty)
	assert.Equal(t, 0.1, items[1].Guessing)
	assert.Equal(t, "reasoning", items[1].Domain)

	_, err = store.LoadSnapshotItems(ctx, 99)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ResourceNotFound))
}

func TestRejectsInvalidInput(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveCandidate(ctx, nil))
	assert.Error(t, store.SaveCandidate(ctx, &core.Candidate{}))
	assert.Error(t, store.AppendResponse(ctx, &core.ResponseRecord{}))
	assert.Error(t, store.SaveAbility(ctx, &core.AbilityEstimate{}))
}
