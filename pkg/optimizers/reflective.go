// Package optimizers implements the reflective optimization loop: propose
// children from reflection feedback, measure them with adaptive sessions,
// fold survivors into the Pareto archive, and periodically recalibrate the
// item bank from the accumulated response log.
package optimizers

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/XiaoConstantine/fluidopt/pkg/archive"
	"github.com/XiaoConstantine/fluidopt/pkg/calibration"
	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
	"github.com/XiaoConstantine/fluidopt/pkg/logging"
)

// RunState names the optimizer's current phase.
type RunState string

const (
	StateInit        RunState = "init"
	StateEvaluating  RunState = "evaluating"
	StateReflecting  RunState = "reflecting"
	StateMutating    RunState = "mutating"
	StateCalibrating RunState = "calibrating"
	StateTerminated  RunState = "terminated"
)

// Standard metric names produced by candidate evaluation.
const (
	MetricAccuracy = "accuracy"
	MetricAbility  = "ability"
	MetricCost     = "cost"
	MetricLatency  = "latency"
)

// Config controls one optimization run.
type Config struct {
	MaxGenerations int
	// CostBudgetUSD stops the run when cumulative harness cost reaches it;
	// zero disables the budget.
	CostBudgetUSD float64
	// Concurrency bounds concurrent candidate evaluations. Sessions stay
	// strictly sequential internally; only whole sessions run in parallel.
	Concurrency int
	// CalibrationEvery triggers a calibration run every N generations; zero
	// disables periodic calibration.
	CalibrationEvery int
	// TargetObjective is the objective tracked for convergence and stagnation.
	TargetObjective string

	Objectives []core.ObjectiveSpec

	Session     irt.SessionConfig
	Archive     archive.Config
	Mutation    MutationConfig
	Stagnation  StagnationConfig
	Calibration calibration.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxGenerations:   20,
		Concurrency:      4,
		CalibrationEvery: 5,
		TargetObjective:  MetricAccuracy,
		Objectives: []core.ObjectiveSpec{
			{Name: MetricAccuracy, Direction: core.Maximize},
			{Name: MetricCost, Direction: core.Minimize},
		},
		Session:     irt.DefaultSessionConfig(),
		Archive:     archive.DefaultConfig(),
		Mutation:    DefaultMutationConfig(),
		Stagnation:  DefaultStagnationConfig(),
		Calibration: calibration.DefaultConfig(),
	}
}

// ReflectiveOptimizer drives the generation loop. It owns no candidate state
// of its own: the archive holds candidates, the bank holds item parameters,
// and the store holds the append-only response log.
type ReflectiveOptimizer struct {
	cfg        Config
	bank       *irt.Bank
	arch       *archive.Archive
	engine     *Engine
	controller *Controller
	harness    core.EvaluationHarness
	store      core.Persistence
	reporter   core.Reporter

	mu          sync.Mutex
	state       RunState
	traces      map[string][]core.ResponseRecord
	abilities   map[string]core.AbilityEstimate
	evaluations int
	totalCost   float64
	bestTarget  float64
	bestSeen    bool
}

// New wires a reflective optimizer. The store and reporter may be nil; the
// harness and reflector may not.
func New(bank *irt.Bank, harness core.EvaluationHarness, reflector core.Reflector, store core.Persistence, reporter core.Reporter, cfg Config) (*ReflectiveOptimizer, error) {
	if bank == nil {
		return nil, errors.New(errors.InvalidInput, "optimizer requires an item bank")
	}
	if harness == nil {
		return nil, errors.New(errors.InvalidInput, "optimizer requires an evaluation harness")
	}
	if cfg.MaxGenerations <= 0 {
		return nil, errors.New(errors.InvalidInput, "max generations must be positive")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TargetObjective == "" {
		return nil, errors.New(errors.InvalidInput, "target objective is required")
	}
	found := false
	for _, obj := range cfg.Objectives {
		if obj.Name == cfg.TargetObjective {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.WithFields(
			errors.New(errors.InvalidInput, "target objective not among declared objectives"),
			errors.Fields{"target_objective": cfg.TargetObjective})
	}
	if reporter == nil {
		reporter = core.NopReporter{}
	}

	arch, err := archive.New(cfg.Objectives, cfg.Archive)
	if err != nil {
		return nil, err
	}
	engine, err := NewEngine(reflector, cfg.Mutation)
	if err != nil {
		return nil, err
	}
	controller, err := NewController(engine, cfg.Stagnation)
	if err != nil {
		return nil, err
	}

	return &ReflectiveOptimizer{
		cfg:        cfg,
		bank:       bank,
		arch:       arch,
		engine:     engine,
		controller: controller,
		harness:    harness,
		store:      store,
		reporter:   reporter,
		state:      StateInit,
		traces:     make(map[string][]core.ResponseRecord),
		abilities:  make(map[string]core.AbilityEstimate),
	}, nil
}

// State returns the optimizer's current phase.
func (o *ReflectiveOptimizer) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *ReflectiveOptimizer) setState(s RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Archive exposes the candidate archive for inspection after a run.
func (o *ReflectiveOptimizer) Archive() *archive.Archive {
	return o.arch
}

// Run executes the optimization loop from the given seed candidates and
// always returns a final report on normal termination, annotated with
// validity flags when results are best-effort. Cancellation aborts the run
// with an error; the committed snapshot and archive are left intact.
func (o *ReflectiveOptimizer) Run(ctx context.Context, seeds []*core.Candidate) (*core.FinalReport, error) {
	logger := logging.GetLogger()

	if len(seeds) == 0 {
		return nil, errors.New(errors.InvalidInput, "at least one seed candidate is required")
	}

	o.setState(StateEvaluating)
	if err := o.evaluateAll(ctx, seeds); err != nil {
		o.setState(StateTerminated)
		return nil, err
	}
	for _, seed := range seeds {
		if _, err := o.arch.Insert(seed); err != nil {
			o.setState(StateTerminated)
			return nil, err
		}
	}

	var flags []string
	converged := false
	calibrationReverted := false
	generations := 0

	for gen := 1; gen <= o.cfg.MaxGenerations; gen++ {
		if err := errors.CheckContext(ctx, "optimization run"); err != nil {
			o.setState(StateTerminated)
			return nil, err
		}
		generations = gen

		children, err := o.nextGeneration(ctx, gen)
		if err != nil {
			o.setState(StateTerminated)
			return nil, err
		}

		o.setState(StateEvaluating)
		if err := o.evaluateAll(ctx, children); err != nil {
			o.setState(StateTerminated)
			return nil, err
		}
		for _, child := range children {
			if _, err := o.arch.Insert(child); err != nil {
				o.setState(StateTerminated)
				return nil, err
			}
		}
		o.arch.ExpireDominated(gen)

		best := o.observeGeneration(ctx, gen, len(children))
		intervention := o.controller.Observe(best)
		if intervention.Stagnated {
			logger.Info(ctx, "generation %d stagnated: auxiliary relaxed to %.3f, exploration raised to %.2f",
				gen, intervention.Auxiliary, intervention.ExplorationRate)
		}

		if o.cfg.CalibrationEvery > 0 && o.store != nil && gen%o.cfg.CalibrationEvery == 0 {
			calibrationReverted = o.calibrate(ctx)
		}

		// The stopping bar co-evolves: auxiliary-weighted early in the run,
		// target-weighted late, and stagnation interventions lower it
		// through the auxiliary requirement.
		bar := o.controller.Requirement(gen, o.cfg.MaxGenerations)
		if best >= bar {
			converged = best >= o.cfg.Stagnation.TargetRequirement
			if converged {
				logger.Info(ctx, "converged at generation %d: %s %.3f >= %.3f",
					gen, o.cfg.TargetObjective, best, o.cfg.Stagnation.TargetRequirement)
			} else {
				flags = append(flags, "stopped at relaxed requirement below hard target")
				logger.Info(ctx, "generation %d met requirement %.3f (%s %.3f); hard target %.3f unmet",
					gen, bar, o.cfg.TargetObjective, best, o.cfg.Stagnation.TargetRequirement)
			}
			break
		}

		o.mu.Lock()
		spent := o.totalCost
		o.mu.Unlock()
		if o.cfg.CostBudgetUSD > 0 && spent >= o.cfg.CostBudgetUSD {
			flags = append(flags, "cost budget exhausted before convergence")
			logger.Warn(ctx, "cost budget exhausted: %.4f >= %.4f", spent, o.cfg.CostBudgetUSD)
			break
		}
	}

	o.setState(StateTerminated)
	return o.finalReport(ctx, generations, converged, calibrationReverted, flags), nil
}

// nextGeneration reflects over frontier parents and proposes children,
// spreading the children budget across the frontier.
func (o *ReflectiveOptimizer) nextGeneration(ctx context.Context, gen int) ([]*core.Candidate, error) {
	o.setState(StateReflecting)

	frontier := o.arch.Frontier()
	if len(frontier) == 0 {
		return nil, errors.New(errors.ExecutionFailed, "frontier is empty")
	}

	budget := o.cfg.Mutation.ChildrenBudget
	perParent := budget / len(frontier)
	if perParent < 1 {
		perParent = 1
	}

	o.setState(StateMutating)
	var children []*core.Candidate
	for _, parent := range frontier {
		if len(children) >= budget {
			break
		}
		remaining := budget - len(children)
		if remaining < perParent {
			perParent = remaining
		}

		o.mu.Lock()
		trace := o.traces[parent.ID]
		o.mu.Unlock()

		batch, err := o.engine.Propose(ctx, parent, trace, frontier, perParent)
		if err != nil {
			return nil, err
		}
		for _, child := range batch {
			child.Generation = gen
		}
		children = append(children, batch...)
	}
	return children, nil
}

// evaluateAll measures candidates with adaptive sessions, bounded by the
// configured concurrency. Each candidate's metric vector is finalized only
// after its session completes.
func (o *ReflectiveOptimizer) evaluateAll(ctx context.Context, candidates []*core.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	snap := o.bank.Snapshot()

	var mu sync.Mutex
	var firstErr error

	p := pool.New().WithMaxGoroutines(o.cfg.Concurrency)
	for _, cand := range candidates {
		cand := cand
		p.Go(func() {
			session := irt.NewSession(cand.ID, cand.Payload, snap, o.harness, o.cfg.Session)
			result, err := session.Run(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			cand.Metrics = metricsFromSession(result)
			o.recordResult(cand, result)
		})
	}
	p.Wait()

	if firstErr != nil {
		return firstErr
	}
	return o.persistResults(ctx, candidates)
}

// recordResult folds one session outcome into run-level accounting. Caller
// holds no lock; this takes o.mu itself.
func (o *ReflectiveOptimizer) recordResult(cand *core.Candidate, result *irt.SessionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.traces[cand.ID] = result.Responses
	o.abilities[cand.ID] = result.Ability
	o.evaluations += len(result.Responses)
	o.totalCost += result.TotalCost
}

func (o *ReflectiveOptimizer) persistResults(ctx context.Context, candidates []*core.Candidate) error {
	if o.store == nil {
		return nil
	}
	for _, cand := range candidates {
		if err := o.store.SaveCandidate(ctx, cand); err != nil {
			return errors.Wrap(err, errors.Unknown, "failed to persist candidate")
		}
		o.mu.Lock()
		trace := o.traces[cand.ID]
		ability, hasAbility := o.abilities[cand.ID]
		o.mu.Unlock()

		for i := range trace {
			if err := o.store.AppendResponse(ctx, &trace[i]); err != nil {
				return errors.Wrap(err, errors.Unknown, "failed to append response")
			}
		}
		if hasAbility {
			if err := o.store.SaveAbility(ctx, &ability); err != nil {
				return errors.Wrap(err, errors.Unknown, "failed to persist ability estimate")
			}
		}
	}
	return nil
}

// metricsFromSession derives the standard metric vector from one session.
func metricsFromSession(result *irt.SessionResult) core.Metrics {
	scoreSum := 0.0
	var latencySum int64
	for _, r := range result.Responses {
		scoreSum += r.Score
		latencySum += r.LatencyMS
	}
	n := len(result.Responses)

	m := core.Metrics{
		MetricAbility: result.Ability.Theta,
		MetricCost:    result.TotalCost,
	}
	if n > 0 {
		m[MetricAccuracy] = scoreSum / float64(n)
		m[MetricLatency] = float64(latencySum) / float64(n)
	} else {
		m[MetricAccuracy] = 0
		m[MetricLatency] = 0
	}
	return m
}

// observeGeneration computes the generation summary, reports it, and returns
// the frontier's best target-objective value.
func (o *ReflectiveOptimizer) observeGeneration(ctx context.Context, gen, childrenCreated int) float64 {
	frontier := o.arch.Frontier()

	best := 0.0
	var bestMetrics core.Metrics
	for _, c := range frontier {
		v := c.Metrics[o.cfg.TargetObjective]
		if bestMetrics == nil || v > best {
			best = v
			bestMetrics = c.Metrics.Clone()
		}
	}

	o.mu.Lock()
	improved := !o.bestSeen || best > o.bestTarget
	if improved {
		o.bestTarget = best
		o.bestSeen = true
	}
	evals := o.evaluations
	o.mu.Unlock()

	o.reporter.GenerationCompleted(ctx, core.GenerationSummary{
		Generation:      gen,
		FrontierSize:    len(frontier),
		BestMetrics:     bestMetrics,
		ChildrenCreated: childrenCreated,
		EvaluationsRun:  evals,
		Improved:        improved,
		Timestamp:       time.Now(),
	})
	return best
}

// calibrate runs one calibration cycle. Returns true when the refit was
// rejected and the prior snapshot kept. InsufficientData is expected early in
// a run and only logged.
func (o *ReflectiveOptimizer) calibrate(ctx context.Context) bool {
	logger := logging.GetLogger()
	o.setState(StateCalibrating)
	defer o.setState(StateEvaluating)

	job := calibration.NewJob(o.bank, o.store, o.reporter, o.cfg.Calibration)
	_, err := job.Run(ctx)
	switch {
	case err == nil:
		return false
	case errors.HasCode(err, errors.InsufficientData):
		logger.Debug(ctx, "calibration skipped: %v", err)
		return false
	case errors.HasCode(err, errors.OverfitDetected):
		logger.Warn(ctx, "calibration rejected: %v", err)
		return true
	default:
		logger.Error(ctx, "calibration failed: %v", err)
		return false
	}
}

// finalReport assembles the always-produced run report with validity flags.
func (o *ReflectiveOptimizer) finalReport(ctx context.Context, generations int, converged, calibrationReverted bool, flags []string) *core.FinalReport {
	frontier := o.arch.Frontier()

	var best *core.Candidate
	for _, c := range frontier {
		if best == nil || c.Metrics[o.cfg.TargetObjective] > best.Metrics[o.cfg.TargetObjective] {
			best = c
		}
	}

	o.mu.Lock()
	evals := o.evaluations
	cost := o.totalCost
	var bestAbility *core.AbilityEstimate
	if best != nil {
		if a, ok := o.abilities[best.ID]; ok {
			cp := a
			bestAbility = &cp
		}
	}
	o.mu.Unlock()

	if !converged {
		flags = append(flags, "terminated without reaching target requirement")
	}
	if bestAbility != nil && bestAbility.LowConfidence {
		flags = append(flags, "best ability estimate is low confidence")
	}
	if calibrationReverted {
		flags = append(flags, "last calibration was reverted due to overfitting")
	}

	report := &core.FinalReport{
		BestCandidate:  best,
		BestAbility:    bestAbility,
		Generations:    generations,
		EvaluationsRun: evals,
		TotalCostUSD:   cost,
		FrontierSize:   len(frontier),
		Converged:      converged,
		ValidityFlags:  flags,
		Timestamp:      time.Now(),
	}
	o.reporter.RunCompleted(ctx, *report)
	return report
}
