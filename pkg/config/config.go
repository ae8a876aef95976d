// Package config loads and validates run configuration from YAML files and
// builds the component configs the engine consumes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete configuration of an optimization run.
type Config struct {
	// Objectives declare the tracked metric dimensions and their directions.
	Objectives []ObjectiveConfig `yaml:"objectives" validate:"required,min=1,dive"`

	Logging     LoggingConfig     `yaml:"logging,omitempty"`
	Storage     StorageConfig     `yaml:"storage,omitempty"`
	Session     SessionConfig     `yaml:"session,omitempty"`
	Estimator   EstimatorConfig   `yaml:"estimator,omitempty"`
	Archive     ArchiveConfig     `yaml:"archive,omitempty"`
	Calibration CalibrationConfig `yaml:"calibration,omitempty"`
	Optimizer   OptimizerConfig   `yaml:"optimizer,omitempty"`
}

// ObjectiveConfig declares one optimization objective.
type ObjectiveConfig struct {
	Name      string `yaml:"name" validate:"required"`
	Direction string `yaml:"direction" validate:"required,oneof=maximize minimize"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Severity level (DEBUG, INFO, WARN, ERROR)
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=DEBUG INFO WARN ERROR"`

	// File receives JSON log lines when set; console output is always on.
	File string `yaml:"file,omitempty"`
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	// Path to the SQLite database file. Empty runs without persistence,
	// which also disables periodic calibration.
	Path string `yaml:"path,omitempty"`
}

// SessionConfig controls adaptive evaluation sessions.
type SessionConfig struct {
	MinItems int     `yaml:"min_items" validate:"min=1"`
	MaxItems int     `yaml:"max_items" validate:"min=1,gtefield=MinItems"`
	TargetSE float64 `yaml:"target_se" validate:"min=0"`

	// PriorTheta seeds item selection before any response is observed.
	PriorTheta float64 `yaml:"prior_theta"`

	EvalTimeout time.Duration `yaml:"eval_timeout" validate:"min=0"`
	MaxRetries  int           `yaml:"max_retries" validate:"min=0"`
	Backoff     time.Duration `yaml:"backoff" validate:"min=0"`

	// MaxDomainImbalance caps the administered-count gap between content
	// domains before selection is restricted to the starved ones.
	MaxDomainImbalance int `yaml:"max_domain_imbalance" validate:"min=1"`
}

// EstimatorConfig controls ability estimation.
type EstimatorConfig struct {
	// Method is mle or map; map shrinks estimates toward a standard normal
	// prior and keeps degenerate response patterns finite.
	Method        string  `yaml:"method" validate:"oneof=mle map"`
	MaxIterations int     `yaml:"max_iterations" validate:"min=1"`
	Tolerance     float64 `yaml:"tolerance" validate:"gt=0"`

	// ThetaMin and ThetaMax bound the ability scale; estimates are clamped
	// to this range.
	ThetaMin float64 `yaml:"theta_min"`
	ThetaMax float64 `yaml:"theta_max" validate:"gtfield=ThetaMin"`
}

// ArchiveConfig controls the candidate archive.
type ArchiveConfig struct {
	Capacity          int `yaml:"capacity" validate:"min=1"`
	GenerationsToKeep int `yaml:"generations_to_keep" validate:"min=0"`
}

// CalibrationConfig controls periodic item-parameter refits.
type CalibrationConfig struct {
	// Every triggers a calibration run each N generations; zero disables.
	Every int `yaml:"every" validate:"min=0"`

	MinItems    int `yaml:"min_items" validate:"min=1"`
	MinSubjects int `yaml:"min_subjects" validate:"min=1"`

	HoldoutItemFraction    float64 `yaml:"holdout_item_fraction" validate:"gt=0,lt=1"`
	HoldoutSubjectFraction float64 `yaml:"holdout_subject_fraction" validate:"gt=0,lt=1"`

	DiscrepancyThreshold float64 `yaml:"discrepancy_threshold" validate:"gt=0"`
	MisfitThreshold      float64 `yaml:"misfit_threshold" validate:"gt=0"`

	Seed int64 `yaml:"seed"`
}

// OptimizerConfig controls the generation loop.
type OptimizerConfig struct {
	MaxGenerations int     `yaml:"max_generations" validate:"min=1"`
	CostBudgetUSD  float64 `yaml:"cost_budget_usd" validate:"min=0"`
	Concurrency    int     `yaml:"concurrency" validate:"min=1"`

	// TargetObjective must name one of the declared objectives.
	TargetObjective string `yaml:"target_objective" validate:"required"`

	ChildrenBudget  int     `yaml:"children_budget" validate:"min=1"`
	ExplorationRate float64 `yaml:"exploration_rate" validate:"min=0,max=1"`
	Seed            int64   `yaml:"seed"`

	Stagnation StagnationConfig `yaml:"stagnation,omitempty"`
}

// StagnationConfig controls the stagnation controller.
type StagnationConfig struct {
	Window             int     `yaml:"window" validate:"min=1"`
	RelaxStep          float64 `yaml:"relax_step" validate:"min=0"`
	ExplorationBoost   float64 `yaml:"exploration_boost" validate:"min=0"`
	MaxExplorationRate float64 `yaml:"max_exploration_rate" validate:"min=0,max=1"`
	TargetRequirement  float64 `yaml:"target_requirement"`
	InitialAuxiliary   float64 `yaml:"initial_auxiliary"`
}

// ValidationError describes one failed configuration constraint.
type ValidationError struct {
	Field string
	Tag   string
	Value interface{}
}

func (e *ValidationError) Error() string {
	switch e.Tag {
	case "required":
		return fmt.Sprintf("%s is required", e.Field)
	case "min", "gte", "gt":
		return fmt.Sprintf("%s is below its minimum (got %v)", e.Field, e.Value)
	case "max", "lte", "lt":
		return fmt.Sprintf("%s is above its maximum (got %v)", e.Field, e.Value)
	case "oneof":
		return fmt.Sprintf("%s has an unsupported value (got %v)", e.Field, e.Value)
	case "gtefield":
		return fmt.Sprintf("%s must not be below its paired field (got %v)", e.Field, e.Value)
	default:
		return fmt.Sprintf("%s failed validation (%s)", e.Field, e.Tag)
	}
}

// ValidationErrors aggregates every failed constraint of one Validate call.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return "configuration invalid: " + strings.Join(msgs, "; ")
}

// Validate checks structural constraints plus the cross-field rule that the
// target objective is among the declared objectives.
func (c *Config) Validate() error {
	validate := validator.New()

	var verrs ValidationErrors
	if err := validate.Struct(c); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range fieldErrs {
			verrs = append(verrs, ValidationError{
				Field: fe.Namespace(),
				Tag:   fe.Tag(),
				Value: fe.Value(),
			})
		}
	}

	if c.Optimizer.TargetObjective != "" {
		found := false
		for _, obj := range c.Objectives {
			if obj.Name == c.Optimizer.TargetObjective {
				found = true
				break
			}
		}
		if !found {
			verrs = append(verrs, ValidationError{
				Field: "Config.Optimizer.TargetObjective",
				Tag:   "oneof",
				Value: c.Optimizer.TargetObjective,
			})
		}
	}

	if len(verrs) > 0 {
		return verrs
	}
	return nil
}
