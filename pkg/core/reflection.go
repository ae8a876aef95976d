package core

import (
	"context"
)

// FailureCategory classifies why a candidate failed on an item.
type FailureCategory string

const (
	FailureMissingConstraint FailureCategory = "missing_constraint"
	FailureOverLongContext   FailureCategory = "over_long_context"
	FailureWrongFormat       FailureCategory = "wrong_format"
	FailureHallucination     FailureCategory = "hallucination"
	FailureOther             FailureCategory = "other"
)

// ReflectionFeedback is one structured observation about a candidate's
// execution trace. The mutation engine consumes only these typed fields,
// never raw free-text control flow.
type ReflectionFeedback struct {
	Category     FailureCategory `json:"category"`
	Detail       string          `json:"detail,omitempty"`
	SuggestedFix string          `json:"suggested_fix,omitempty"`
	ItemIDs      []string        `json:"item_ids,omitempty"` // Items exhibiting the failure
}

// Reflector summarizes a candidate's failures into categorized feedback.
// It is an opaque external capability (typically LLM-backed); the core only
// depends on this contract.
type Reflector interface {
	Reflect(ctx context.Context, candidate *Candidate, trace []ResponseRecord) ([]ReflectionFeedback, error)
}
