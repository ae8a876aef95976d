package calibration

import (
	"context"
	"math"
	"sort"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
	"github.com/XiaoConstantine/fluidopt/pkg/logging"
)

// validate checks the refit's generalization on held-out subjects. For each
// holdout subject, the ability predicted from their calibration-item
// responses is compared against the ability measured on holdout items, both
// under the newly fit parameters. The run passes when the mean absolute gap
// stays at or below the configured threshold.
func (j *Job) validate(ctx context.Context, fitted map[string]*irt.Item, split *Split, bySubject map[string][]core.ResponseRecord) (float64, bool) {
	logger := logging.GetLogger()

	var gaps []float64
	for _, subjectID := range split.HoldoutSubjectIDs {
		var calResponses, holdResponses []irt.Response
		for _, rec := range bySubject[subjectID] {
			item, ok := fitted[rec.ItemID]
			if !ok {
				continue
			}
			r := irt.Response{Item: item, Correct: rec.Correct}
			if split.IsHoldoutItem(rec.ItemID) {
				holdResponses = append(holdResponses, r)
			} else {
				calResponses = append(calResponses, r)
			}
		}
		if len(calResponses) == 0 || len(holdResponses) == 0 {
			continue
		}

		predicted := irt.EstimateAbility(subjectID, calResponses, j.cfg.Estimator, 0)
		measured := irt.EstimateAbility(subjectID, holdResponses, j.cfg.Estimator, 0)
		gap := math.Abs(predicted.Theta - measured.Theta)
		gaps = append(gaps, gap)

		logger.Debug(ctx, "holdout subject %s: predicted %.3f, measured %.3f, gap %.3f",
			subjectID, predicted.Theta, measured.Theta, gap)
	}

	if len(gaps) == 0 {
		// Nothing measurable: treat as failed generalization rather than
		// committing an unvalidated refit.
		logger.Warn(ctx, "calibration validation had no usable holdout subjects")
		return math.Inf(1), false
	}

	sum := 0.0
	for _, g := range gaps {
		sum += g
	}
	discrepancy := sum / float64(len(gaps))
	return discrepancy, discrepancy <= j.cfg.DiscrepancyThreshold
}

// detectMisfits flags items whose observed responses deviate from the model's
// expectation across subjects, the signature of a mislabeled item: strong
// subjects fail it unexpectedly or weak subjects pass it unexpectedly.
func (j *Job) detectMisfits(fitted map[string]*irt.Item, bySubject map[string][]core.ResponseRecord) []string {
	// Subject abilities under the committed parameters.
	thetas := make(map[string]float64, len(bySubject))
	for subjectID, recs := range bySubject {
		var rs []irt.Response
		for _, rec := range recs {
			if item, ok := fitted[rec.ItemID]; ok {
				rs = append(rs, irt.Response{Item: item, Correct: rec.Correct})
			}
		}
		if len(rs) == 0 {
			continue
		}
		thetas[subjectID] = irt.EstimateAbility(subjectID, rs, j.cfg.Estimator, 0).Theta
	}

	type tally struct {
		discrepancy float64
		n           int
	}
	tallies := make(map[string]*tally)
	for subjectID, recs := range bySubject {
		theta, ok := thetas[subjectID]
		if !ok {
			continue
		}
		for _, rec := range recs {
			item, ok := fitted[rec.ItemID]
			if !ok {
				continue
			}
			expected := irt.ProbCorrect(theta, item)
			actual := 0.0
			if rec.Correct {
				actual = 1.0
			}
			t := tallies[item.ID]
			if t == nil {
				t = &tally{}
				tallies[item.ID] = t
			}
			t.discrepancy += math.Abs(expected - actual)
			t.n++
		}
	}

	var misfits []string
	for itemID, t := range tallies {
		if t.n < 2 {
			continue
		}
		if t.discrepancy/float64(t.n) > j.cfg.MisfitThreshold {
			misfits = append(misfits, itemID)
		}
	}
	sort.Strings(misfits)
	return misfits
}
