package irt

import (
	"math"
)

// SelectorConfig controls adaptive item selection.
type SelectorConfig struct {
	// MaxDomainImbalance is the largest allowed gap between the most- and
	// least-administered domains before selection is restricted to the
	// starved domains. 0 disables content balancing.
	MaxDomainImbalance int
}

// DefaultSelectorConfig returns the documented defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{MaxDomainImbalance: 2}
}

// Selector picks the next item to administer in an adaptive-test session.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a selector with the given configuration.
func NewSelector(cfg SelectorConfig) *Selector {
	return &Selector{cfg: cfg}
}

// SelectFirst picks the opening item of a session: the one whose difficulty
// is nearest the prior ability estimate.
func (s *Selector) SelectFirst(snap *Snapshot, priorTheta float64) *Item {
	var best *Item
	bestDist := math.Inf(1)
	for _, item := range snap.Items() {
		d := math.Abs(item.Difficulty - priorTheta)
		if d < bestDist {
			bestDist = d
			best = item
		}
	}
	return best
}

// SelectNext picks, among items not yet administered in this session, the one
// maximizing Fisher information at the current ability estimate, subject to
// content balancing. Returns nil when no eligible item remains.
func (s *Selector) SelectNext(snap *Snapshot, theta float64, administered map[string]bool) *Item {
	eligible := s.eligibleItems(snap, administered)
	if len(eligible) == 0 {
		return nil
	}

	var best *Item
	bestInfo := -1.0
	for _, item := range eligible {
		info := FisherInformation(theta, item)
		if info > bestInfo {
			bestInfo = info
			best = item
		}
	}
	return best
}

// eligibleItems applies the no-reuse and domain-balancing constraints.
// When the administered-count gap between domains exceeds the configured
// imbalance, only items from the least-served domains stay eligible, so no
// domain is starved over a session.
func (s *Selector) eligibleItems(snap *Snapshot, administered map[string]bool) []*Item {
	remaining := make([]*Item, 0, snap.Len())
	for _, item := range snap.Items() {
		if !administered[item.ID] {
			remaining = append(remaining, item)
		}
	}
	if s.cfg.MaxDomainImbalance <= 0 || len(remaining) == 0 {
		return remaining
	}

	counts := make(map[string]int)
	for _, item := range snap.Items() {
		if administered[item.ID] {
			counts[item.Domain]++
		}
	}

	// Only domains that still have unadministered items matter for balance.
	minCount := math.MaxInt
	maxCount := 0
	remainingDomains := make(map[string]bool)
	for _, item := range remaining {
		remainingDomains[item.Domain] = true
	}
	for d := range remainingDomains {
		if counts[d] < minCount {
			minCount = counts[d]
		}
	}
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	if maxCount-minCount < s.cfg.MaxDomainImbalance {
		return remaining
	}

	balanced := make([]*Item, 0, len(remaining))
	for _, item := range remaining {
		if counts[item.Domain] == minCount {
			balanced = append(balanced, item)
		}
	}
	if len(balanced) == 0 {
		return remaining
	}
	return balanced
}
