package rule

import (
	"fmt"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// Severity classifies a lint finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one lint finding against a rule set.
type Issue struct {
	RuleID   string   `json:"rule_id,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Lint inspects a rule set for structural errors and for likely authoring
// mistakes. Structural problems are errors; ambiguous-but-legal shapes are
// warnings.
//
// The priority-tie check warns when two enabled rules with different
// effects share a priority and overlap on an action pattern, since which
// one wins then depends on load order.
func Lint(rules []*Rule) []Issue {
	var issues []Issue

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			issues = append(issues, Issue{RuleID: r.ID, Severity: SeverityError, Message: err.Error()})
		}
		if r.ID != "" && seen[r.ID] {
			issues = append(issues, Issue{
				RuleID:   r.ID,
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate rule id %q", r.ID),
			})
		}
		seen[r.ID] = true

		if r.Enabled && r.Effect == policy.EffectPending && r.Constraints != nil && r.Constraints.RequireApproval == nil {
			issues = append(issues, Issue{
				RuleID:   r.ID,
				Severity: SeverityWarning,
				Message:  "pending rule carries constraints but no approval constraint",
			})
		}
	}

	issues = append(issues, lintPriorityTies(rules)...)
	return issues
}

// lintPriorityTies flags same-priority, different-effect rules whose action
// patterns can both match one request.
func lintPriorityTies(rules []*Rule) []Issue {
	var issues []Issue
	for i, a := range rules {
		if !a.Enabled {
			continue
		}
		for _, b := range rules[i+1:] {
			if !b.Enabled || a.Priority != b.Priority || a.Effect == b.Effect {
				continue
			}
			if a.ClientID != b.ClientID && a.ClientID != "" && b.ClientID != "" {
				continue
			}
			if !patternsOverlap(a.Actions, b.Actions) || !patternsOverlap(a.Resources, b.Resources) {
				continue
			}
			issues = append(issues, Issue{
				RuleID:   a.ID,
				Severity: SeverityWarning,
				Message: fmt.Sprintf(
					"rules %q and %q share priority %d with different effects; the winner depends on load order",
					a.ID, b.ID, a.Priority),
			})
		}
	}
	return issues
}

// patternsOverlap approximates whether two pattern sets can match a common
// value. Wildcards overlap everything; literal patterns overlap only when
// one matches the other.
func patternsOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if matchPattern(a, b) || matchPattern(b, a) {
				return true
			}
		}
	}
	return false
}
