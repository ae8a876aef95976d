package core

import (
	"context"
	"time"
)

// GenerationSummary describes one completed mutate/evaluate generation.
type GenerationSummary struct {
	Generation      int       `json:"generation"`
	FrontierSize    int       `json:"frontier_size"`
	BestMetrics     Metrics   `json:"best_metrics"`
	ChildrenCreated int       `json:"children_created"`
	EvaluationsRun  int       `json:"evaluations_run"`
	Improved        bool      `json:"improved"`
	Timestamp       time.Time `json:"timestamp"`
}

// CalibrationReport describes the outcome of one calibration run.
type CalibrationReport struct {
	SnapshotVersion int64     `json:"snapshot_version"`
	ItemsRefit      int       `json:"items_refit"`
	HoldoutItems    int       `json:"holdout_items"`
	HoldoutSubjects int       `json:"holdout_subjects"`
	Discrepancy     float64   `json:"discrepancy"`
	Threshold       float64   `json:"threshold"`
	Committed       bool      `json:"committed"`
	MisfitItemIDs   []string  `json:"misfit_item_ids,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// OverfitAlert is emitted when a calibration run is rejected and reverted.
type OverfitAlert struct {
	Discrepancy       float64   `json:"discrepancy"`
	Threshold         float64   `json:"threshold"`
	RevertedToVersion int64     `json:"reverted_to_version"`
	Timestamp         time.Time `json:"timestamp"`
}

// FinalReport is always produced at the end of a run, annotated with validity
// flags rather than silently presenting unvalidated numbers.
type FinalReport struct {
	BestCandidate  *Candidate       `json:"best_candidate,omitempty"`
	BestAbility    *AbilityEstimate `json:"best_ability,omitempty"`
	Generations    int              `json:"generations"`
	EvaluationsRun int              `json:"evaluations_run"`
	TotalCostUSD   float64          `json:"total_cost_usd"`
	FrontierSize   int              `json:"frontier_size"`
	Converged      bool             `json:"converged"`
	ValidityFlags  []string         `json:"validity_flags,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Reporter receives structured events from the core. Implementations forward
// them to a CLI, dashboard, or log; the core defines no wire protocol.
type Reporter interface {
	GenerationCompleted(ctx context.Context, s GenerationSummary)
	CalibrationCompleted(ctx context.Context, r CalibrationReport)
	OverfitDetected(ctx context.Context, a OverfitAlert)
	RunCompleted(ctx context.Context, r FinalReport)
}

// NopReporter discards all events.
type NopReporter struct{}

func (NopReporter) GenerationCompleted(context.Context, GenerationSummary) {}
func (NopReporter) CalibrationCompleted(context.Context, CalibrationReport) {}
func (NopReporter) OverfitDetected(context.Context, OverfitAlert) {}
func (NopReporter) RunCompleted(context.Context, FinalReport) {}
