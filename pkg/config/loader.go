package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/XiaoConstantine/fluidopt/pkg/archive"
	"github.com/XiaoConstantine/fluidopt/pkg/calibration"
	"github.com/XiaoConstantine/fluidopt/pkg/core"
	"github.com/XiaoConstantine/fluidopt/pkg/errors"
	"github.com/XiaoConstantine/fluidopt/pkg/irt"
	"github.com/XiaoConstantine/fluidopt/pkg/optimizers"
)

// Load reads a YAML configuration file over the defaults and validates the
// result. Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.ResourceNotFound, "failed to read config file"),
			errors.Fields{"path": path})
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ValidationFailed, "invalid configuration")
	}
	return cfg, nil
}

// BuildObjectives converts the declared objectives into engine specs.
func (c *Config) BuildObjectives() []core.ObjectiveSpec {
	specs := make([]core.ObjectiveSpec, 0, len(c.Objectives))
	for _, obj := range c.Objectives {
		dir := core.Maximize
		if obj.Direction == "minimize" {
			dir = core.Minimize
		}
		specs = append(specs, core.ObjectiveSpec{Name: obj.Name, Direction: dir})
	}
	return specs
}

func (c *Config) buildEstimator() irt.EstimatorConfig {
	est := irt.DefaultEstimatorConfig()
	if c.Estimator.Method == "map" {
		est.Method = irt.MAP
	}
	est.MaxIterations = c.Estimator.MaxIterations
	est.Tolerance = c.Estimator.Tolerance
	est.ThetaMin = c.Estimator.ThetaMin
	est.ThetaMax = c.Estimator.ThetaMax
	return est
}

func (c *Config) buildSession() irt.SessionConfig {
	return irt.SessionConfig{
		MinItems:    c.Session.MinItems,
		MaxItems:    c.Session.MaxItems,
		TargetSE:    c.Session.TargetSE,
		PriorTheta:  c.Session.PriorTheta,
		EvalTimeout: c.Session.EvalTimeout,
		MaxRetries:  c.Session.MaxRetries,
		Backoff:     c.Session.Backoff,
		Estimator:   c.buildEstimator(),
		Selector: irt.SelectorConfig{
			MaxDomainImbalance: c.Session.MaxDomainImbalance,
		},
	}
}

func (c *Config) buildCalibration() calibration.Config {
	cal := calibration.DefaultConfig()
	cal.MinItems = c.Calibration.MinItems
	cal.MinSubjects = c.Calibration.MinSubjects
	cal.HoldoutItemFraction = c.Calibration.HoldoutItemFraction
	cal.HoldoutSubjectFraction = c.Calibration.HoldoutSubjectFraction
	cal.DiscrepancyThreshold = c.Calibration.DiscrepancyThreshold
	cal.MisfitThreshold = c.Calibration.MisfitThreshold
	cal.Seed = c.Calibration.Seed
	cal.Estimator = c.buildEstimator()
	return cal
}

// BuildOptimizer assembles the full optimizer configuration tree.
func (c *Config) BuildOptimizer() optimizers.Config {
	return optimizers.Config{
		MaxGenerations:   c.Optimizer.MaxGenerations,
		CostBudgetUSD:    c.Optimizer.CostBudgetUSD,
		Concurrency:      c.Optimizer.Concurrency,
		CalibrationEvery: c.Calibration.Every,
		TargetObjective:  c.Optimizer.TargetObjective,
		Objectives:       c.BuildObjectives(),
		Session:          c.buildSession(),
		Archive: archive.Config{
			Capacity:          c.Archive.Capacity,
			GenerationsToKeep: c.Archive.GenerationsToKeep,
		},
		Mutation: optimizers.MutationConfig{
			ChildrenBudget:  c.Optimizer.ChildrenBudget,
			ExplorationRate: c.Optimizer.ExplorationRate,
			Seed:            c.Optimizer.Seed,
		},
		Stagnation: optimizers.StagnationConfig{
			Window:             c.Optimizer.Stagnation.Window,
			ImprovementEpsilon: 1e-6,
			RelaxStep:          c.Optimizer.Stagnation.RelaxStep,
			ExplorationBoost:   c.Optimizer.Stagnation.ExplorationBoost,
			MaxExplorationRate: c.Optimizer.Stagnation.MaxExplorationRate,
			TargetRequirement:  c.Optimizer.Stagnation.TargetRequirement,
			InitialAuxiliary:   c.Optimizer.Stagnation.InitialAuxiliary,
		},
		Calibration: c.buildCalibration(),
	}
}
