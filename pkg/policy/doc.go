// Package policy contains the shared types used across the admission-control
// pipeline: the per-request evaluation context, decision effects, and the
// actor taxonomy.
//
// The evaluation pipeline itself lives in subpackages:
//
//   - policy/rule: declarative rule types and the rule evaluator
//   - policy/engine: the orchestrator composing kill switches, rate limits,
//     rules, and the approval gate into one decision
//   - policy/source: rule loading from YAML files with change watching
package policy
