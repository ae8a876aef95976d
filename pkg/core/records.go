package core

import (
	"time"

	"github.com/XiaoConstantine/fluidopt/pkg/errors"
)

// Direction says whether larger or smaller values of an objective are better.
type Direction int

const (
	Maximize Direction = iota
	Minimize
)

// ObjectiveSpec declares one tracked objective of the optimization run.
type ObjectiveSpec struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// Metrics is a candidate's metric vector, keyed by objective name.
type Metrics map[string]float64

// Validate checks that every declared objective has a value.
func (m Metrics) Validate(objectives []ObjectiveSpec) error {
	for _, obj := range objectives {
		if _, ok := m[obj.Name]; !ok {
			return errors.WithFields(
				errors.New(errors.ValidationFailed, "metric vector incomplete"),
				errors.Fields{"missing_objective": obj.Name})
		}
	}
	return nil
}

// Clone returns an independent copy of the metric vector.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CandidateStatus tracks a candidate's archive lifecycle.
type CandidateStatus string

const (
	StatusActive    CandidateStatus = "active"
	StatusDominated CandidateStatus = "dominated"
	StatusArchived  CandidateStatus = "archived"
)

// Candidate is a prompt/configuration candidate produced by the mutation engine.
type Candidate struct {
	ID         string          `json:"id"`
	Payload    string          `json:"payload"`
	ParentIDs  []string        `json:"parent_ids,omitempty"`
	Generation int             `json:"generation"`
	Metrics    Metrics         `json:"metrics,omitempty"`
	Status     CandidateStatus `json:"status"`
	Operator   string          `json:"operator,omitempty"` // Mutation operator that produced it
	CreatedAt  time.Time       `json:"created_at"`
}

// ResponseRecord is one scored administration of an item to a subject.
// Records are append-only: once written they are never mutated, only aggregated.
type ResponseRecord struct {
	ID         string    `json:"id"`
	SubjectID  string    `json:"subject_id"`
	ItemID     string    `json:"item_id"`
	Score      float64   `json:"score"` // In [0,1]
	Correct    bool      `json:"correct"`
	NoResponse bool      `json:"no_response"` // Timed out or failed after retries
	Timestamp  time.Time `json:"timestamp"`
	LatencyMS  int64     `json:"latency_ms"`
	CostUSD    float64   `json:"cost_usd"`
}

// AbilityEstimate is a subject's estimated ability on the item bank's scale,
// computed against a single frozen item-parameter snapshot.
type AbilityEstimate struct {
	SubjectID         string     `json:"subject_id"`
	Theta             float64    `json:"theta"`
	StdErr            float64    `json:"std_err"`
	CI95              [2]float64 `json:"ci95"`
	ItemsAdministered int        `json:"items_administered"`
	LowConfidence     bool       `json:"low_confidence"`
	SnapshotVersion   int64      `json:"snapshot_version"`
}
