package core

import (
	"context"
)

// Outcome is the harness's verdict for one (candidate, item) evaluation.
type Outcome struct {
	Score     float64 `json:"score"` // In [0,1]
	Correct   bool    `json:"correct"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMS int64   `json:"latency_ms"`
}

// EvaluationHarness scores a candidate payload against an item payload.
//
// The core never implements the scoring call itself: implementations may call
// an LLM over HTTP, run a local function, or replay recorded outcomes. Failures
// are reported as errors carrying the ExecutionFailed or Timeout codes from
// pkg/errors. Implementations must honor ctx cancellation and deadlines.
type EvaluationHarness interface {
	Evaluate(ctx context.Context, candidatePayload, itemPayload string) (*Outcome, error)
}

// HarnessFunc adapts a plain function to the EvaluationHarness interface.
type HarnessFunc func(ctx context.Context, candidatePayload, itemPayload string) (*Outcome, error)

func (f HarnessFunc) Evaluate(ctx context.Context, candidatePayload, itemPayload string) (*Outcome, error) {
	return f(ctx, candidatePayload, itemPayload)
}
