package rule

import (
	"errors"
	"fmt"
	"strings"
)

// Operator compares a resolved context value against a rule value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpExists             Operator = "exists"
	OpNotExists          Operator = "not_exists"
)

// ErrUnknownOperator is returned when a rule carries an operator outside
// the supported set.
var ErrUnknownOperator = errors.New("unknown operator")

var operators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpExists: true, OpNotExists: true,
}

// Valid reports whether the operator is one of the supported fourteen.
func (o Operator) Valid() bool { return operators[o] }

// requiresValue reports whether the operator needs a right-hand operand.
func (o Operator) requiresValue() bool {
	return o != OpExists && o != OpNotExists
}

// apply evaluates the operator. present reports whether the path resolved;
// an unresolved path fails every operator except not_exists.
func (o Operator) apply(actual any, present bool, expected any) bool {
	switch o {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return false
	}

	switch o {
	case OpEquals:
		return looseEqual(actual, expected)
	case OpNotEquals:
		return !looseEqual(actual, expected)
	case OpContains:
		return containsValue(actual, expected)
	case OpNotContains:
		return !containsValue(actual, expected)
	case OpStartsWith:
		return strings.HasPrefix(asString(actual), asString(expected))
	case OpEndsWith:
		return strings.HasSuffix(asString(actual), asString(expected))
	case OpGreaterThan:
		cmp, ok := compare(actual, expected)
		return ok && cmp > 0
	case OpGreaterThanOrEqual:
		cmp, ok := compare(actual, expected)
		return ok && cmp >= 0
	case OpLessThan:
		cmp, ok := compare(actual, expected)
		return ok && cmp < 0
	case OpLessThanOrEqual:
		cmp, ok := compare(actual, expected)
		return ok && cmp <= 0
	case OpIn:
		return inList(actual, expected)
	case OpNotIn:
		return !inList(actual, expected)
	default:
		return false
	}
}

// looseEqual compares across the value kinds YAML and JSON produce, so a
// rule's 100 matches a context's 100.0 and vice versa.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return asString(a) == asString(b)
}

// containsValue handles both substring checks on strings and membership
// checks on list-valued context fields.
func containsValue(actual, expected any) bool {
	switch v := actual.(type) {
	case []any:
		for _, item := range v {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(asString(actual), asString(expected))
	}
}

// inList reports membership of the context value in the rule's list.
func inList(actual, expected any) bool {
	switch list := expected.(type) {
	case []any:
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if looseEqual(actual, item) {
				return true
			}
		}
	}
	return false
}

// compare orders two values numerically when both coerce to numbers, else
// lexicographically when both are strings.
func compare(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// asFloat coerces the numeric kinds YAML and JSON decoding produce.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
