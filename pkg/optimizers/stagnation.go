package optimizers

import (
	"sync"

	"github.com/XiaoConstantine/fluidopt/pkg/errors"
)

// StagnationConfig tunes the stagnation controller.
type StagnationConfig struct {
	// Window is the number of consecutive generations without frontier
	// improvement before the controller intervenes.
	Window int
	// ImprovementEpsilon is the minimum gain on the target objective that
	// counts as progress.
	ImprovementEpsilon float64
	// RelaxStep is subtracted from the auxiliary requirement on each
	// intervention, co-evolving it back toward the hard target.
	RelaxStep float64
	// ExplorationBoost is added to the mutation exploration rate on each
	// intervention.
	ExplorationBoost float64
	// MaxExplorationRate caps the boosted rate.
	MaxExplorationRate float64
	// TargetRequirement is the hard bar on the target objective.
	TargetRequirement float64
	// InitialAuxiliary is the looser requirement early generations are held
	// to; the blend shifts toward TargetRequirement as the run progresses.
	InitialAuxiliary float64
}

// DefaultStagnationConfig returns the documented defaults.
func DefaultStagnationConfig() StagnationConfig {
	return StagnationConfig{
		Window:             5,
		ImprovementEpsilon: 1e-6,
		RelaxStep:          0.05,
		ExplorationBoost:   0.1,
		MaxExplorationRate: 0.8,
		TargetRequirement:  0.9,
		InitialAuxiliary:   0.6,
	}
}

// Intervention describes what the controller changed after detecting a stall.
type Intervention struct {
	Stagnated       bool
	Auxiliary       float64
	ExplorationRate float64
}

// Controller watches the best target-objective value across generations and,
// when the frontier stalls for a full window, relaxes the auxiliary
// requirement and raises the mutation exploration rate.
type Controller struct {
	mu sync.Mutex

	cfg       StagnationConfig
	engine    *Engine
	best      float64
	seen      bool
	stalled   int
	auxiliary float64
}

// NewController wires a stagnation controller to the mutation engine it
// adjusts.
func NewController(engine *Engine, cfg StagnationConfig) (*Controller, error) {
	if engine == nil {
		return nil, errors.New(errors.InvalidInput, "stagnation controller requires a mutation engine")
	}
	if cfg.Window <= 0 {
		return nil, errors.New(errors.InvalidInput, "stagnation window must be positive")
	}
	return &Controller{
		cfg:       cfg,
		engine:    engine,
		auxiliary: cfg.InitialAuxiliary,
	}, nil
}

// Observe records the generation's best target value. When the window fills
// with no improvement it applies both levers at once and resets the counter.
func (c *Controller) Observe(best float64) Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seen || best > c.best+c.cfg.ImprovementEpsilon {
		c.best = best
		c.seen = true
		c.stalled = 0
		return Intervention{Auxiliary: c.auxiliary, ExplorationRate: c.engine.ExplorationRate()}
	}

	c.stalled++
	if c.stalled < c.cfg.Window {
		return Intervention{Auxiliary: c.auxiliary, ExplorationRate: c.engine.ExplorationRate()}
	}

	c.stalled = 0
	c.auxiliary -= c.cfg.RelaxStep
	if c.auxiliary < 0 {
		c.auxiliary = 0
	}

	rate := c.engine.ExplorationRate() + c.cfg.ExplorationBoost
	if rate > c.cfg.MaxExplorationRate {
		rate = c.cfg.MaxExplorationRate
	}
	c.engine.SetExplorationRate(rate)

	return Intervention{
		Stagnated:       true,
		Auxiliary:       c.auxiliary,
		ExplorationRate: rate,
	}
}

// Requirement blends the auxiliary requirement with the hard target by run
// progress, so early generations chase an achievable bar and late ones the
// real one.
func (c *Controller) Requirement(generation, maxGenerations int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxGenerations <= 1 {
		return c.cfg.TargetRequirement
	}
	w := float64(generation) / float64(maxGenerations)
	if w > 1 {
		w = 1
	}
	return (1-w)*c.auxiliary + w*c.cfg.TargetRequirement
}

// Auxiliary returns the current auxiliary requirement.
func (c *Controller) Auxiliary() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxiliary
}
