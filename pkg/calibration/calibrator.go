// Package calibration refits item parameters from the accumulated response
// log and validates each refit on held-out items and subjects before it is
// committed to the item bank.
package calibration

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
	"github.com/XiaoConstantine/fluidopt/pkg/logging"
)

// Config controls calibration preconditions and fitting.
type Config struct {
	// MinItems and MinSubjects gate a run: below either, calibration refuses
	// to fit at all instead of silently producing a shaky refit.
	MinItems    int
	MinSubjects int

	HoldoutItemFraction    float64
	HoldoutSubjectFraction float64

	// DiscrepancyThreshold is the largest tolerated gap, in ability units,
	// between a holdout subject's predicted and measured theta.
	DiscrepancyThreshold float64

	// MisfitThreshold flags items whose mean |expected - actual| response
	// discrepancy across subjects suggests mislabeling.
	MisfitThreshold float64

	FitRounds   int // Alternating theta/item-parameter passes
	NewtonSteps int // Per-item Newton steps within one pass

	MinDiscrimination float64
	MaxDiscrimination float64
	MinDifficulty     float64
	MaxDifficulty     float64

	Seed      int64
	Estimator irt.EstimatorConfig
}

// DefaultConfig returns the documented defaults (30 items / 5 subjects,
// 0.5 ability-unit discrepancy threshold).
func DefaultConfig() Config {
	return Config{
		MinItems:               30,
		MinSubjects:            5,
		HoldoutItemFraction:    0.2,
		HoldoutSubjectFraction: 0.2,
		DiscrepancyThreshold:   0.5,
		MisfitThreshold:        0.3,
		FitRounds:              6,
		NewtonSteps:            10,
		MinDiscrimination:      0.2,
		MaxDiscrimination:      3.0,
		MinDifficulty:          -4.0,
		MaxDifficulty:          4.0,
		Seed:                   1,
		Estimator:              irt.DefaultEstimatorConfig(),
	}
}

// Job is one calibration run against a bank and a response log.
type Job struct {
	bank     *irt.Bank
	store    core.Persistence
	reporter core.Reporter
	cfg      Config
}

// NewJob wires a calibration job. A nil reporter falls back to NopReporter.
func NewJob(bank *irt.Bank, store core.Persistence, reporter core.Reporter, cfg Config) *Job {
	if reporter == nil {
		reporter = core.NopReporter{}
	}
	return &Job{bank: bank, store: store, reporter: reporter, cfg: cfg}
}

// Run executes one calibration cycle: precondition check, split, refit,
// holdout validation, then an atomic commit, or no commit at all when the
// validator flags overfitting. The committed snapshot is only ever replaced
// wholesale; a failed run leaves the bank exactly as it found it.
func (j *Job) Run(ctx context.Context) (*core.CalibrationReport, error) {
	logger := logging.GetLogger()

	if err := errors.CheckContext(ctx, "calibration"); err != nil {
		return nil, err
	}

	prev := j.bank.Snapshot()

	responses, err := j.store.QueryResponses(ctx, core.ResponseFilter{})
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load response log")
	}

	// Only responses to items the bank knows about can inform a fit.
	byItem := make(map[string][]core.ResponseRecord)
	bySubject := make(map[string][]core.ResponseRecord)
	for _, r := range responses {
		if _, ok := prev.Item(r.ItemID); !ok {
			continue
		}
		byItem[r.ItemID] = append(byItem[r.ItemID], r)
		bySubject[r.SubjectID] = append(bySubject[r.SubjectID], r)
	}

	if len(byItem) < j.cfg.MinItems || len(bySubject) < j.cfg.MinSubjects {
		return nil, errors.WithFields(
			errors.New(errors.InsufficientData, "response log below calibration thresholds"),
			errors.Fields{
				"distinct_items":    len(byItem),
				"distinct_subjects": len(bySubject),
				"min_items":         j.cfg.MinItems,
				"min_subjects":      j.cfg.MinSubjects,
			})
	}

	itemIDs := sortedKeys(byItem)
	subjectIDs := sortedKeys(bySubject)
	rng := rand.New(rand.NewSource(j.cfg.Seed))
	split := NewSplit(itemIDs, subjectIDs, j.cfg.HoldoutItemFraction, j.cfg.HoldoutSubjectFraction, rng)

	logger.Info(ctx, "calibration split: %d/%d items, %d/%d subjects held out",
		len(split.HoldoutItemIDs), len(itemIDs),
		len(split.HoldoutSubjectIDs), len(subjectIDs))

	fitted := j.refit(ctx, prev, split, bySubject)

	report := &core.CalibrationReport{
		SnapshotVersion: prev.Version(),
		ItemsRefit:      len(split.CalibrationItemIDs),
		HoldoutItems:    len(split.HoldoutItemIDs),
		HoldoutSubjects: len(split.HoldoutSubjectIDs),
		Threshold:       j.cfg.DiscrepancyThreshold,
		Timestamp:       time.Now(),
	}

	discrepancy, ok := j.validate(ctx, fitted, split, bySubject)
	report.Discrepancy = discrepancy
	if !ok {
		// Never committed: readers keep the prior snapshot untouched.
		report.Committed = false
		j.reporter.OverfitDetected(ctx, core.OverfitAlert{
			Discrepancy:       discrepancy,
			Threshold:         j.cfg.DiscrepancyThreshold,
			RevertedToVersion: prev.Version(),
			Timestamp:         time.Now(),
		})
		j.reporter.CalibrationCompleted(ctx, *report)
		return report, errors.WithFields(
			errors.New(errors.OverfitDetected, "holdout discrepancy exceeds threshold"),
			errors.Fields{
				"discrepancy": discrepancy,
				"threshold":   j.cfg.DiscrepancyThreshold,
			})
	}

	next := j.bank.Commit(itemSlice(fitted))
	report.SnapshotVersion = next.Version()
	report.Committed = true
	report.MisfitItemIDs = j.detectMisfits(fitted, bySubject)
	j.reporter.CalibrationCompleted(ctx, *report)

	logger.Info(ctx, "calibration committed snapshot v%d (discrepancy %.3f <= %.3f)",
		next.Version(), discrepancy, j.cfg.DiscrepancyThreshold)
	return report, nil
}

// refit fits a and b for calibration-set items from calibration-set subjects'
// responses, alternating subject-theta and item-parameter passes. Holdout
// items and subjects never enter the fit; the returned map carries holdout
// items with their prior parameters.
func (j *Job) refit(ctx context.Context, prev *irt.Snapshot, split *Split, bySubject map[string][]core.ResponseRecord) map[string]*irt.Item {
	logger := logging.GetLogger()

	working := make(map[string]*irt.Item, prev.Len())
	for _, item := range prev.Items() {
		cp := item.Clone()
		if split.IsHoldoutItem(cp.ID) {
			cp.State = irt.StateHoldout
		} else if contains(split.CalibrationItemIDs, cp.ID) {
			cp.State = irt.StateCalibration
		}
		working[cp.ID] = cp
	}

	// Audit trail for holdout isolation: the fit's entire item input set.
	logger.Info(ctx, "calibration fitting input items: %v", split.CalibrationItemIDs)

	for round := 0; round < j.cfg.FitRounds; round++ {
		// Pass 1: subject abilities under current working parameters,
		// calibration items only.
		thetas := make(map[string]float64, len(split.CalibrationSubjectIDs))
		for _, subjectID := range split.CalibrationSubjectIDs {
			var rs []irt.Response
			for _, rec := range bySubject[subjectID] {
				if split.IsHoldoutItem(rec.ItemID) {
					continue
				}
				rs = append(rs, irt.Response{Item: working[rec.ItemID], Correct: rec.Correct})
			}
			if len(rs) == 0 {
				continue
			}
			est := irt.EstimateAbility(subjectID, rs, j.cfg.Estimator, prev.Version())
			thetas[subjectID] = est.Theta
		}

		// Pass 2: per-item Newton updates from calibration subjects.
		for _, itemID := range split.CalibrationItemIDs {
			j.fitItem(working[itemID], thetas, bySubject)
		}
	}

	return working
}

// fitItem runs diagonal Newton (Fisher scoring) steps on one item's a and b.
func (j *Job) fitItem(item *irt.Item, thetas map[string]float64, bySubject map[string][]core.ResponseRecord) {
	type obs struct {
		theta   float64
		correct bool
	}
	var observations []obs
	for subjectID, theta := range thetas {
		for _, rec := range bySubject[subjectID] {
			if rec.ItemID != item.ID {
				continue
			}
			observations = append(observations, obs{theta: theta, correct: rec.Correct})
		}
	}
	if len(observations) < 2 {
		return
	}

	for step := 0; step < j.cfg.NewtonSteps; step++ {
		gradA, gradB := 0.0, 0.0
		infoA, infoB := 0.0, 0.0

		for _, o := range observations {
			p := irt.ProbCorrect(o.theta, item)
			u := 0.0
			if o.correct {
				u = 1.0
			}
			resid := u - p
			dev := o.theta - item.Difficulty

			gradA += resid * dev
			gradB -= item.Discrimination * resid
			infoA += dev * dev * p * (1 - p)
			infoB += item.Discrimination * item.Discrimination * p * (1 - p)
		}

		moved := false
		if infoA > 1e-9 {
			item.Discrimination = clamp(item.Discrimination+gradA/infoA,
				j.cfg.MinDiscrimination, j.cfg.MaxDiscrimination)
			moved = true
		}
		if infoB > 1e-9 {
			item.Difficulty = clamp(item.Difficulty-gradB/infoB,
				j.cfg.MinDifficulty, j.cfg.MaxDifficulty)
			moved = true
		}
		if !moved || (math.Abs(gradA) < 1e-4 && math.Abs(gradB) < 1e-4) {
			break
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func itemSlice(m map[string]*irt.Item) []*irt.Item {
	out := make([]*irt.Item, 0, len(m))
	for _, id := range sortedKeys(m) {
		out = append(out, m[id])
	}
	return out
}
