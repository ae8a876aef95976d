// Package archive maintains the candidate pool and its Pareto frontier.
//
// The archive is the single logical writer for frontier membership: inserts
// are linearized behind a mutex because frontier updates are not commutative.
// Lineage is a DAG of parent ids resolved by lookup, never shared pointers.
package archive

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
)

// Config controls archive capacity and retention.
type Config struct {
	// Capacity is the frontier size K that triggers diversity pruning.
	Capacity int
	// GenerationsToKeep retains dominated candidates this many generations
	// before they are dropped from the pool.
	GenerationsToKeep int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          20,
		GenerationsToKeep: 5,
	}
}

// InsertResult reports what an insertion did to the frontier.
type InsertResult struct {
	Accepted  bool
	Dominated []string // Frontier members removed because the new candidate dominates them
}

// Archive owns candidate records and the Pareto frontier over the declared
// objectives.
type Archive struct {
	mu         sync.Mutex
	objectives []core.ObjectiveSpec
	cfg        Config

	candidates map[string]*core.Candidate // Full pool, including dominated
	frontier   map[string]bool            // Ids of current non-dominated members
}

// New creates an archive tracking the given objectives.
func New(objectives []core.ObjectiveSpec, cfg Config) (*Archive, error) {
	if len(objectives) == 0 {
		return nil, errors.New(errors.InvalidInput, "archive requires at least one objective")
	}
	return &Archive{
		objectives: objectives,
		cfg:        cfg,
		candidates: make(map[string]*core.Candidate),
		frontier:   make(map[string]bool),
	}, nil
}

// Objectives returns the declared objective specs.
func (a *Archive) Objectives() []core.ObjectiveSpec {
	return a.objectives
}

// Insert validates the candidate's metric vector and, if it is not dominated
// by a current frontier member, adds it to the frontier, evicting every
// member the newcomer dominates. Concurrent inserts are linearized.
func (a *Archive) Insert(c *core.Candidate) (*InsertResult, error) {
	if c == nil || c.ID == "" {
		return nil, errors.New(errors.InvalidInput, "candidate must have an id")
	}
	if err := c.Metrics.Validate(a.objectives); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.candidates[c.ID]; exists {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "candidate already inserted"),
			errors.Fields{"candidate_id": c.ID})
	}

	cp := *c
	cp.Metrics = c.Metrics.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	a.candidates[cp.ID] = &cp

	// Dominated by an existing member: keep in the pool but off the frontier.
	for id := range a.frontier {
		if a.dominates(a.candidates[id].Metrics, cp.Metrics) {
			cp.Status = core.StatusDominated
			return &InsertResult{Accepted: false}, nil
		}
	}

	// Evict members the newcomer dominates.
	var evicted []string
	for id := range a.frontier {
		if a.dominates(cp.Metrics, a.candidates[id].Metrics) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(a.frontier, id)
		a.candidates[id].Status = core.StatusDominated
	}

	cp.Status = core.StatusActive
	a.frontier[cp.ID] = true

	if a.cfg.Capacity > 0 && len(a.frontier) > a.cfg.Capacity {
		a.pruneLocked(a.cfg.Capacity)
	}

	sort.Strings(evicted)
	return &InsertResult{Accepted: true, Dominated: evicted}, nil
}

// dominates reports whether x dominates y: at least as good on every declared
// objective and strictly better on one. "Better" is direction-aware.
func (a *Archive) dominates(x, y core.Metrics) bool {
	atLeastAsGood := true
	strictlyBetter := false

	for _, obj := range a.objectives {
		xv, yv := x[obj.Name], y[obj.Name]
		if obj.Direction == core.Minimize {
			xv, yv = -xv, -yv
		}
		if xv < yv {
			atLeastAsGood = false
			break
		}
		if xv > yv {
			strictlyBetter = true
		}
	}

	return atLeastAsGood && strictlyBetter
}

// Frontier returns the current non-dominated candidates, id-sorted.
func (a *Archive) Frontier() []*core.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*core.Candidate, 0, len(a.frontier))
	for id := range a.frontier {
		cp := *a.candidates[id]
		cp.Metrics = a.candidates[id].Metrics.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of a candidate by id.
func (a *Archive) Get(id string) (*core.Candidate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.candidates[id]
	if !ok {
		return nil, false
	}
	cp := *c
	cp.Metrics = c.Metrics.Clone()
	return &cp, true
}

// Prune shrinks the frontier to at most k members by removing the candidates
// with the smallest nearest-neighbor distance in normalized metric space.
// Per-objective extreme points are never removed.
func (a *Archive) Prune(k int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(k)
}

func (a *Archive) pruneLocked(k int) {
	for len(a.frontier) > k {
		ids := make([]string, 0, len(a.frontier))
		for id := range a.frontier {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		normalized := a.normalizedPoints(ids)
		extremes := a.extremePoints(ids)

		// Smallest nearest-neighbor distance goes first, extremes exempt.
		victim := ""
		victimDist := math.Inf(1)
		for i, id := range ids {
			if extremes[id] {
				continue
			}
			nn := math.Inf(1)
			for j := range ids {
				if i == j {
					continue
				}
				d := euclidean(normalized[i], normalized[j])
				if d < nn {
					nn = d
				}
			}
			if nn < victimDist {
				victimDist = nn
				victim = id
			}
		}
		if victim == "" {
			// Every member is an extreme point; nothing prunable.
			return
		}

		delete(a.frontier, victim)
		a.candidates[victim].Status = core.StatusArchived
	}
}

// normalizedPoints min-max normalizes frontier metric vectors per objective.
func (a *Archive) normalizedPoints(ids []string) [][]float64 {
	points := make([][]float64, len(ids))

	for d, obj := range a.objectives {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, id := range ids {
			v := a.candidates[id].Metrics[obj.Name]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		for i, id := range ids {
			if points[i] == nil {
				points[i] = make([]float64, len(a.objectives))
			}
			v := a.candidates[id].Metrics[obj.Name]
			if span > 0 {
				points[i][d] = (v - lo) / span
			}
		}
	}
	return points
}

// extremePoints marks, per objective, the best member in that objective's
// direction. Those anchor the frontier's extent and survive pruning.
func (a *Archive) extremePoints(ids []string) map[string]bool {
	extremes := make(map[string]bool)
	for _, obj := range a.objectives {
		best := ""
		bestVal := math.Inf(-1)
		for _, id := range ids {
			v := a.candidates[id].Metrics[obj.Name]
			if obj.Direction == core.Minimize {
				v = -v
			}
			if v > bestVal {
				bestVal = v
				best = id
			}
		}
		if best != "" {
			extremes[best] = true
		}
	}
	return extremes
}

func euclidean(x, y []float64) float64 {
	sum := 0.0
	for i := range x {
		d := x[i] - y[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Lineage returns the ordered ancestor chain of a candidate, nearest parent
// first, following first-parent links. Unknown ids end the chain.
func (a *Archive) Lineage(id string) ([]*core.Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.candidates[id]
	if !ok {
		return nil, errors.WithFields(
			errors.New(errors.ResourceNotFound, "candidate not found"),
			errors.Fields{"candidate_id": id})
	}

	var chain []*core.Candidate
	seen := map[string]bool{id: true}
	for len(c.ParentIDs) > 0 {
		parent, ok := a.candidates[c.ParentIDs[0]]
		if !ok || seen[parent.ID] {
			break
		}
		seen[parent.ID] = true
		cp := *parent
		cp.Metrics = parent.Metrics.Clone()
		chain = append(chain, &cp)
		c = parent
	}
	return chain, nil
}

// ExpireDominated drops dominated candidates that have not resurfaced within
// the retention budget. Called once per generation by the optimizer.
func (a *Archive) ExpireDominated(currentGeneration int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, c := range a.candidates {
		if a.frontier[id] {
			continue
		}
		if c.Status == core.StatusDominated &&
			currentGeneration-c.Generation > a.cfg.GenerationsToKeep {
			delete(a.candidates, id)
			removed++
		}
	}
	return removed
}

// Size returns (pool size, frontier size).
func (a *Archive) Size() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.candidates), len(a.frontier)
}
