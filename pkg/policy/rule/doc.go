// Package rule defines declarative admission rules and their evaluator.
//
// A rule binds glob patterns over actions and resources, an optional set of
// conditions, and an effect (allow, deny, pending). Conditions form a closed
// tagged union: field conditions compare a dotted context path against a
// value with one of fourteen operators, time conditions gate on wall-clock
// windows in a timezone, and compound conditions combine children with
// all/any/not. Unknown condition or operator tags are rejected at load time,
// never silently skipped at evaluation time.
//
// EvaluateRules orders rules by descending priority (stable for ties),
// returns the first rule whose patterns and conditions all match, and falls
// back to a default deny when nothing matches.
package rule
