// Package fluidopt pairs a reflective candidate-optimization engine with a
// psychometric adaptive-evaluation model.
//
// A population of candidate prompts/configurations is evolved from feedback on
// execution traces, scored against a calibrated item bank using a
// two-parameter logistic (2PL) ability model, and the item bank itself is
// periodically recalibrated with a hold-out validation step that detects and
// reverts overfitting.
//
// Key Components:
//
//   - Core: Shared contracts: the EvaluationHarness that scores a
//     (candidate, item) pair, the append-only ResponseRecord log, the
//     Persistence and Reporter interfaces, and the typed ReflectionFeedback
//     consumed by the mutation engine.
//
//   - IRT: The item bank with versioned, copy-on-write parameter snapshots,
//     the 2PL probability model, maximum-likelihood ability estimation, and
//     adaptive (CAT) item selection driven by Fisher information.
//
//   - Archive: The candidate archive with a direction-aware Pareto frontier,
//     diversity-preserving pruning, and lineage traversal by parent id.
//
//   - Calibration: Periodic item-parameter refits from the accumulated
//     response log, with disjoint calibration/holdout splits and an
//     overfitting validator that reverts rejected refits atomically.
//
//   - Optimizers: The reflective mutation engine (rewrite, add-constraint,
//     prune-context, crossover operators), the stagnation controller that
//     co-evolves auxiliary requirements, and the run-loop orchestrator.
//
//   - Storage: A SQLite implementation of the persistence contract.
//
// The engine never calls a language model directly: scoring and reflection
// are consumed through the EvaluationHarness and Reflector interfaces.
package fluidopt
