package irt

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/logging"
)

// SessionConfig controls one adaptive-test session.
type SessionConfig struct {
	MinItems    int
	MaxItems    int
	TargetSE    float64
	PriorTheta  float64
	EvalTimeout time.Duration
	MaxRetries  int
	Backoff     time.Duration
	Estimator   EstimatorConfig
	Selector    SelectorConfig
}

// DefaultSessionConfig returns the documented defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MinItems:    5,
		MaxItems:    30,
		TargetSE:    0.3,
		PriorTheta:  0.0,
		EvalTimeout: 30 * time.Second,
		MaxRetries:  2,
		Backoff:     500 * time.Millisecond,
		Estimator:   DefaultEstimatorConfig(),
		Selector:    DefaultSelectorConfig(),
	}
}

// SessionResult is the persisted outcome of one session.
type SessionResult struct {
	SessionID string
	Ability   core.AbilityEstimate
	Responses []core.ResponseRecord
	TotalCost float64
}

// Session runs one adaptive test for a single subject against a frozen item
// snapshot. Item selection and theta updates are strictly sequential: each
// selection depends on the prior response. Independent sessions for different
// subjects may run concurrently; they share nothing but the immutable
// snapshot.
type Session struct {
	id        string
	subjectID string
	payload   string // Candidate payload handed to the harness
	snap      *Snapshot
	harness   core.EvaluationHarness
	selector  *Selector
	cfg       SessionConfig
}

// NewSession binds a subject and candidate payload to the given snapshot.
func NewSession(subjectID, payload string, snap *Snapshot, harness core.EvaluationHarness, cfg SessionConfig) *Session {
	return &Session{
		id:        uuid.New().String(),
		subjectID: subjectID,
		payload:   payload,
		snap:      snap,
		harness:   harness,
		selector:  NewSelector(cfg.Selector),
		cfg:       cfg,
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Run administers items until the stopping rule fires: at least MinItems with
// SE at or below TargetSE, or MaxItems administered, or the snapshot is
// exhausted. The returned ability estimate is the final one of the session.
func (s *Session) Run(ctx context.Context) (*SessionResult, error) {
	logger := logging.GetLogger()
	ctx = logging.WithSubjectID(ctx, s.subjectID)
	ctx = logging.WithSessionID(ctx, s.id)

	administered := make(map[string]bool)
	var responses []Response
	var records []core.ResponseRecord
	totalCost := 0.0

	ability := core.AbilityEstimate{
		SubjectID:       s.subjectID,
		Theta:           s.cfg.PriorTheta,
		SnapshotVersion: s.snap.Version(),
		LowConfidence:   true,
	}

	for len(administered) < s.cfg.MaxItems {
		if err := errors.CheckContext(ctx, "adaptive session"); err != nil {
			return nil, err
		}

		var item *Item
		if len(administered) == 0 {
			item = s.selector.SelectFirst(s.snap, s.cfg.PriorTheta)
		} else {
			item = s.selector.SelectNext(s.snap, ability.Theta, administered)
		}
		if item == nil {
			logger.Debug(ctx, "item pool exhausted after %d items", len(administered))
			break
		}

		record := s.administer(ctx, item)
		administered[item.ID] = true
		records = append(records, record)
		totalCost += record.CostUSD
		responses = append(responses, Response{Item: item, Correct: record.Correct})

		ability = EstimateAbility(s.subjectID, responses, s.cfg.Estimator, s.snap.Version())

		logger.Debug(ctx, "item %s: correct=%v theta=%.3f se=%.3f",
			item.ID, record.Correct, ability.Theta, ability.StdErr)

		if len(administered) >= s.cfg.MinItems && ability.StdErr <= s.cfg.TargetSE {
			break
		}
	}

	return &SessionResult{
		SessionID: s.id,
		Ability:   ability,
		Responses: records,
		TotalCost: totalCost,
	}, nil
}

// administer calls the harness for one item with a per-call timeout, retrying
// failures with backoff. A call that still fails after the retry budget is
// recorded as a no-response, scored incorrect, so the session continues
// instead of blocking.
func (s *Session) administer(ctx context.Context, item *Item) core.ResponseRecord {
	logger := logging.GetLogger()

	record := core.ResponseRecord{
		ID:        uuid.New().String(),
		SubjectID: s.subjectID,
		ItemID:    item.ID,
		Timestamp: time.Now(),
	}

	var outcome *core.Outcome
	var err error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				record.NoResponse = true
				return record
			case <-time.After(s.cfg.Backoff * time.Duration(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
		outcome, err = s.harness.Evaluate(callCtx, s.payload, item.Payload)
		cancel()

		if err == nil && outcome != nil {
			record.Score = outcome.Score
			record.Correct = outcome.Correct
			record.CostUSD = outcome.CostUSD
			record.LatencyMS = outcome.LatencyMS
			return record
		}
	}

	// Treated conservatively as incorrect for ability estimation.
	logger.Warn(ctx, "harness call failed for item %s after %d attempts: %v",
		item.ID, s.cfg.MaxRetries+1, err)
	record.NoResponse = true
	return record
}
