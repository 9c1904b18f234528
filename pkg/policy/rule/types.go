package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// ConditionType tags one member of the condition union.
type ConditionType string

const (
	ConditionField    ConditionType = "field"
	ConditionTime     ConditionType = "time"
	ConditionCompound ConditionType = "compound"
)

// CompoundOperator combines child conditions.
type CompoundOperator string

const (
	CompoundAll CompoundOperator = "all"
	CompoundAny CompoundOperator = "any"
	CompoundNot CompoundOperator = "not"
)

// ErrUnknownConditionType is returned when a rule carries a condition tag
// outside the closed union.
var ErrUnknownConditionType = errors.New("unknown condition type")

// Condition is one node of the condition tree. Exactly the member matching
// Type is populated; the custom unmarshallers enforce this and reject
// unknown tags.
type Condition struct {
	Type     ConditionType
	Field    *FieldCondition
	Time     *TimeCondition
	Compound *CompoundCondition
}

// FieldCondition compares a dotted context path against a value.
type FieldCondition struct {
	// Path is the dotted lookup into the evaluation context.
	Path string `yaml:"path" json:"path"`

	// Operator is the comparison to apply.
	Operator Operator `yaml:"operator" json:"operator"`

	// Value is the right-hand operand. Unused for exists/not_exists.
	Value any `yaml:"value,omitempty" json:"value,omitempty"`
}

// TimeCondition gates on the wall clock in a timezone. Every populated part
// must hold for the condition to pass.
type TimeCondition struct {
	// Timezone places the clock; empty means UTC.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`

	// DaysOfWeek lists permitted lowercase day names ("monday", ...).
	DaysOfWeek []string `yaml:"days_of_week,omitempty" json:"days_of_week,omitempty"`

	// HoursOfDay lists permitted hours (0-23).
	HoursOfDay []int `yaml:"hours_of_day,omitempty" json:"hours_of_day,omitempty"`

	// DateRange bounds the permitted dates, inclusive.
	DateRange *DateRange `yaml:"date_range,omitempty" json:"date_range,omitempty"`
}

// DateRange is an inclusive time span.
type DateRange struct {
	Start time.Time `yaml:"start" json:"start"`
	End   time.Time `yaml:"end" json:"end"`
}

// CompoundCondition combines child conditions. The not operator consumes
// only the first child.
type CompoundCondition struct {
	Operator   CompoundOperator `yaml:"operator" json:"operator"`
	Conditions []Condition      `yaml:"conditions" json:"conditions"`
}

// conditionProbe reads just the tag during unmarshalling.
type conditionProbe struct {
	Type ConditionType `yaml:"type" json:"type"`
}

// UnmarshalYAML decodes one condition node, dispatching on its type tag.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var probe conditionProbe
	if err := node.Decode(&probe); err != nil {
		return err
	}

	switch probe.Type {
	case ConditionField:
		var fc FieldCondition
		if err := node.Decode(&fc); err != nil {
			return err
		}
		c.Field = &fc
	case ConditionTime:
		var tc TimeCondition
		if err := node.Decode(&tc); err != nil {
			return err
		}
		c.Time = &tc
	case ConditionCompound:
		var cc CompoundCondition
		if err := node.Decode(&cc); err != nil {
			return err
		}
		c.Compound = &cc
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, probe.Type)
	}

	c.Type = probe.Type
	return nil
}

// UnmarshalJSON decodes one condition node, dispatching on its type tag.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var probe conditionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	switch probe.Type {
	case ConditionField:
		var fc FieldCondition
		if err := json.Unmarshal(data, &fc); err != nil {
			return err
		}
		c.Field = &fc
	case ConditionTime:
		var tc TimeCondition
		if err := json.Unmarshal(data, &tc); err != nil {
			return err
		}
		c.Time = &tc
	case ConditionCompound:
		var cc CompoundCondition
		if err := json.Unmarshal(data, &cc); err != nil {
			return err
		}
		c.Compound = &cc
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, probe.Type)
	}

	c.Type = probe.Type
	return nil
}

// MarshalYAML emits the populated member with its tag.
func (c Condition) MarshalYAML() (any, error) {
	return c.tagged(), nil
}

// MarshalJSON emits the populated member with its tag.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.tagged())
}

func (c Condition) tagged() map[string]any {
	out := map[string]any{"type": c.Type}
	switch c.Type {
	case ConditionField:
		if c.Field != nil {
			out["path"] = c.Field.Path
			out["operator"] = c.Field.Operator
			if c.Field.Value != nil {
				out["value"] = c.Field.Value
			}
		}
	case ConditionTime:
		if c.Time != nil {
			if c.Time.Timezone != "" {
				out["timezone"] = c.Time.Timezone
			}
			if len(c.Time.DaysOfWeek) > 0 {
				out["days_of_week"] = c.Time.DaysOfWeek
			}
			if len(c.Time.HoursOfDay) > 0 {
				out["hours_of_day"] = c.Time.HoursOfDay
			}
			if c.Time.DateRange != nil {
				out["date_range"] = c.Time.DateRange
			}
		}
	case ConditionCompound:
		if c.Compound != nil {
			out["operator"] = c.Compound.Operator
			out["conditions"] = c.Compound.Conditions
		}
	}
	return out
}

// Validate checks the condition tree for structural problems.
func (c *Condition) Validate() error {
	switch c.Type {
	case ConditionField:
		if c.Field == nil {
			return errors.New("field condition missing body")
		}
		if c.Field.Path == "" {
			return errors.New("field condition missing path")
		}
		if !c.Field.Operator.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownOperator, c.Field.Operator)
		}
		if c.Field.Value == nil && c.Field.Operator.requiresValue() {
			return fmt.Errorf("operator %q requires a value", c.Field.Operator)
		}
	case ConditionTime:
		if c.Time == nil {
			return errors.New("time condition missing body")
		}
		if len(c.Time.DaysOfWeek) == 0 && len(c.Time.HoursOfDay) == 0 && c.Time.DateRange == nil {
			return errors.New("time condition specifies no constraint")
		}
		for _, day := range c.Time.DaysOfWeek {
			if _, ok := weekdayNames[day]; !ok {
				return fmt.Errorf("unknown day of week %q", day)
			}
		}
		for _, hour := range c.Time.HoursOfDay {
			if hour < 0 || hour > 23 {
				return fmt.Errorf("hour of day out of range: %d", hour)
			}
		}
		if c.Time.Timezone != "" {
			if _, err := loadLocation(c.Time.Timezone); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", c.Time.Timezone, err)
			}
		}
		if dr := c.Time.DateRange; dr != nil && !dr.Start.IsZero() && !dr.End.IsZero() && dr.End.Before(dr.Start) {
			return errors.New("date range ends before it starts")
		}
	case ConditionCompound:
		if c.Compound == nil {
			return errors.New("compound condition missing body")
		}
		switch c.Compound.Operator {
		case CompoundAll, CompoundAny, CompoundNot:
		default:
			return fmt.Errorf("unknown compound operator %q", c.Compound.Operator)
		}
		if len(c.Compound.Conditions) == 0 {
			return errors.New("compound condition has no children")
		}
		for i := range c.Compound.Conditions {
			if err := c.Compound.Conditions[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownConditionType, c.Type)
	}
	return nil
}

// RateLimitConstraint attaches a per-rule quota to matched requests.
type RateLimitConstraint struct {
	Limit  int64         `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`
}

// ApprovalConstraint routes matched requests to human approval.
type ApprovalConstraint struct {
	// Approvers lists roles or principals that may resolve the request.
	Approvers []string `yaml:"approvers,omitempty" json:"approvers,omitempty"`

	// Timeout is how long the request may stay pending before it expires.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// BudgetConstraint caps aggregate cost for matched requests.
type BudgetConstraint struct {
	MaxCost float64       `yaml:"max_cost" json:"max_cost"`
	Window  time.Duration `yaml:"window" json:"window"`
}

// Constraints carries the optional obligations a matching rule imposes.
type Constraints struct {
	RateLimit       *RateLimitConstraint `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	RequireApproval *ApprovalConstraint  `yaml:"require_approval,omitempty" json:"require_approval,omitempty"`
	Budget          *BudgetConstraint    `yaml:"budget,omitempty" json:"budget,omitempty"`
}

// Rule is one declarative admission rule.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description explains the rule's intent.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// ClientID scopes the rule to one client; empty means global.
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty"`

	// Priority orders evaluation; higher values are checked first.
	Priority int `yaml:"priority" json:"priority"`

	// Effect is the decision a match produces (allow, deny, pending).
	Effect policy.Effect `yaml:"effect" json:"effect"`

	// Actions lists glob patterns over action names. "*" matches anything.
	Actions []string `yaml:"actions" json:"actions"`

	// Resources lists glob patterns over resource names.
	Resources []string `yaml:"resources" json:"resources"`

	// Conditions must all hold for the rule to match.
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Constraints are obligations a match imposes on the request.
	Constraints *Constraints `yaml:"constraints,omitempty" json:"constraints,omitempty"`

	// Enabled gates the rule in or out of evaluation.
	Enabled bool `yaml:"enabled" json:"enabled"`

	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Validate checks the rule for structural problems.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule missing id")
	}
	switch r.Effect {
	case policy.EffectAllow, policy.EffectDeny, policy.EffectPending:
	default:
		return fmt.Errorf("rule %q: unknown effect %q", r.ID, r.Effect)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: at least one action pattern is required", r.ID)
	}
	if len(r.Resources) == 0 {
		return fmt.Errorf("rule %q: at least one resource pattern is required", r.ID)
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.ID, err)
		}
	}
	if c := r.Constraints; c != nil {
		if c.RateLimit != nil && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
			return fmt.Errorf("rule %q: rate limit constraint requires positive limit and window", r.ID)
		}
		if c.Budget != nil && (c.Budget.MaxCost <= 0 || c.Budget.Window <= 0) {
			return fmt.Errorf("rule %q: budget constraint requires positive cost and window", r.ID)
		}
	}
	return nil
}
