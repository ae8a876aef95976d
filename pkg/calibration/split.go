package calibration

import (
	"math/rand"
	"sort"
)

// Split partitions items and subjects into disjoint calibration and holdout
// sets. A split is created at the start of one calibration run and holds for
// its duration; holdout members never enter the fitting routine.
type Split struct {
	CalibrationItemIDs    []string
	HoldoutItemIDs        []string
	CalibrationSubjectIDs []string
	HoldoutSubjectIDs     []string
}

// NewSplit samples holdout fractions from the given id sets. At least one id
// lands in each holdout set so validation always has material to work with.
func NewSplit(itemIDs, subjectIDs []string, holdoutItemFrac, holdoutSubjectFrac float64, rng *rand.Rand) *Split {
	calItems, holdItems := partition(itemIDs, holdoutItemFrac, rng)
	calSubjects, holdSubjects := partition(subjectIDs, holdoutSubjectFrac, rng)
	return &Split{
		CalibrationItemIDs:    calItems,
		HoldoutItemIDs:        holdItems,
		CalibrationSubjectIDs: calSubjects,
		HoldoutSubjectIDs:     holdSubjects,
	}
}

func partition(ids []string, holdoutFrac float64, rng *rand.Rand) (kept, held []string) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	rng.Shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})

	n := int(float64(len(sorted)) * holdoutFrac)
	if n < 1 {
		n = 1
	}
	if n >= len(sorted) {
		n = len(sorted) - 1
	}

	held = append(held, sorted[:n]...)
	kept = append(kept, sorted[n:]...)
	sort.Strings(held)
	sort.Strings(kept)
	return kept, held
}

// IsHoldoutItem reports whether the id belongs to the holdout item set.
func (s *Split) IsHoldoutItem(id string) bool {
	return contains(s.HoldoutItemIDs, id)
}

// IsHoldoutSubject reports whether the id belongs to the holdout subject set.
func (s *Split) IsHoldoutSubject(id string) bool {
	return contains(s.HoldoutSubjectIDs, id)
}

func contains(sorted []string, id string) bool {
	i := sort.SearchStrings(sorted, id)
	return i < len(sorted) && sorted[i] == id
}
