package config

import (
	"time"
)

// Default returns the documented default configuration: a two-objective run
// maximizing accuracy while minimizing cost, with conservative calibration
// thresholds.
func Default() *Config {
	return &Config{
		Objectives: []ObjectiveConfig{
			{Name: "accuracy", Direction: "maximize"},
			{Name: "cost", Direction: "minimize"},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Session: SessionConfig{
			MinItems:           5,
			MaxItems:           30,
			TargetSE:           0.3,
			PriorTheta:         0.0,
			EvalTimeout:        30 * time.Second,
			MaxRetries:         2,
			Backoff:            500 * time.Millisecond,
			MaxDomainImbalance: 2,
		},
		Estimator: EstimatorConfig{
			Method:        "mle",
			MaxIterations: 50,
			Tolerance:     1e-4,
			ThetaMin:      -4.0,
			ThetaMax:      4.0,
		},
		Archive: ArchiveConfig{
			Capacity:          20,
			GenerationsToKeep: 5,
		},
		Calibration: CalibrationConfig{
			Every:                  5,
			MinItems:               30,
			MinSubjects:            5,
			HoldoutItemFraction:    0.2,
			HoldoutSubjectFraction: 0.2,
			DiscrepancyThreshold:   0.5,
			MisfitThreshold:        0.3,
			Seed:                   1,
		},
		Optimizer: OptimizerConfig{
			MaxGenerations:  20,
			CostBudgetUSD:   0,
			Concurrency:     4,
			TargetObjective: "accuracy",
			ChildrenBudget:  4,
			ExplorationRate: 0.2,
			Seed:            1,
			Stagnation: StagnationConfig{
				Window:             5,
				RelaxStep:          0.05,
				ExplorationBoost:   0.1,
				MaxExplorationRate: 0.8,
				TargetRequirement:  0.9,
				InitialAuxiliary:   0.6,
			},
		},
	}
}
