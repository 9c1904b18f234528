package rule

import (
	"sort"
	"strings"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// DefaultDenyReason is the reason attached when no rule matches.
const DefaultDenyReason = "no matching rule"

// Evaluation records one rule's participation in a decision, in the order
// rules were considered.
type Evaluation struct {
	RuleID   string        `json:"rule_id"`
	Name     string        `json:"name,omitempty"`
	Priority int           `json:"priority"`
	Effect   policy.Effect `json:"effect"`
	Matched  bool          `json:"matched"`
}

// Outcome is the result of evaluating a rule set against one context.
type Outcome struct {
	// Matched indicates a rule matched; false means the default deny fired.
	Matched bool

	// Rule is the winning rule when matched.
	Rule *Rule

	// Effect is the resulting decision.
	Effect policy.Effect

	// Reason explains the decision.
	Reason string

	// Evaluated lists every rule considered, in evaluation order.
	Evaluated []Evaluation
}

// EvaluateRules orders rules by descending priority and returns the first
// match. Ordering is stable, so equal priorities keep their input order.
// Disabled rules are skipped. When nothing matches the outcome is a deny
// with DefaultDenyReason.
func EvaluateRules(rules []*Rule, ec *policy.EvaluationContext, now time.Time) (*Outcome, error) {
	ordered := make([]*Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	outcome := &Outcome{Evaluated: make([]Evaluation, 0, len(ordered))}
	for _, r := range ordered {
		if !r.Enabled {
			continue
		}

		matched, err := Matches(r, ec, now)
		if err != nil {
			return nil, err
		}
		outcome.Evaluated = append(outcome.Evaluated, Evaluation{
			RuleID:   r.ID,
			Name:     r.Name,
			Priority: r.Priority,
			Effect:   r.Effect,
			Matched:  matched,
		})

		if matched {
			outcome.Matched = true
			outcome.Rule = r
			outcome.Effect = r.Effect
			outcome.Reason = matchReason(r)
			return outcome, nil
		}
	}

	outcome.Effect = policy.EffectDeny
	outcome.Reason = DefaultDenyReason
	return outcome, nil
}

// Matches reports whether one rule applies to the context: its action and
// resource patterns each match, and every condition holds.
func Matches(r *Rule, ec *policy.EvaluationContext, now time.Time) (bool, error) {
	if !matchAny(r.Actions, ec.Action) {
		return false, nil
	}
	if !matchAny(r.Resources, ec.Resource) {
		return false, nil
	}
	for i := range r.Conditions {
		ok, err := evalCondition(&r.Conditions[i], ec, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalCondition evaluates one node of the condition tree.
func evalCondition(c *Condition, ec *policy.EvaluationContext, now time.Time) (bool, error) {
	switch c.Type {
	case ConditionField:
		actual, present := ec.Field(c.Field.Path)
		return c.Field.Operator.apply(actual, present, c.Field.Value), nil

	case ConditionTime:
		return c.Time.matches(now)

	case ConditionCompound:
		switch c.Compound.Operator {
		case CompoundAll:
			for i := range c.Compound.Conditions {
				ok, err := evalCondition(&c.Compound.Conditions[i], ec, now)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		case CompoundAny:
			for i := range c.Compound.Conditions {
				ok, err := evalCondition(&c.Compound.Conditions[i], ec, now)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
			}
			return false, nil
		case CompoundNot:
			// not negates its first child only.
			ok, err := evalCondition(&c.Compound.Conditions[0], ec, now)
			return !ok, err
		}
	}
	// Unknown tags are rejected at load time; reaching here means the tree
	// was built without validation.
	return false, ErrUnknownConditionType
}

// matchAny reports whether any pattern matches the value.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// matchPattern matches a glob where "*" spans any run of characters.
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(value, parts[i])
		if idx < 0 {
			return false
		}
		value = value[idx+len(parts[i]):]
	}

	return strings.HasSuffix(value, parts[len(parts)-1])
}

// matchReason describes why a rule fired.
func matchReason(r *Rule) string {
	label := r.Name
	if label == "" {
		label = r.ID
	}
	return "matched rule " + label
}
