package engine

import (
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

// Pipeline stage names, in evaluation order.
const (
	StageKillSwitch = "kill_switch"
	StageRateLimit  = "rate_limit"
	StageRules      = "rules"
	StageApproval   = "approval"
)

// Attribution values for failure modes outside the pipeline stages.
const (
	DeniedByError   = "error"
	DeniedByTimeout = "timeout"
)

// CheckStatus is the outcome of one pipeline stage.
type CheckStatus string

const (
	// StatusPassed means the stage found no obstacle.
	StatusPassed CheckStatus = "passed"

	// StatusTripped means an active kill switch halted the request.
	StatusTripped CheckStatus = "tripped"

	// StatusExceeded means a rate limit denied the request.
	StatusExceeded CheckStatus = "exceeded"

	// StatusDenied means the rule set denied the request.
	StatusDenied CheckStatus = "denied"

	// StatusPending means the request awaits approval.
	StatusPending CheckStatus = "pending"

	// StatusApproved means an approval admitted the request.
	StatusApproved CheckStatus = "approved"

	// StatusNotRequired means the stage did not apply.
	StatusNotRequired CheckStatus = "not_required"

	// StatusSkipped means an earlier stage already terminated evaluation.
	StatusSkipped CheckStatus = "skipped"

	// StatusError means the stage failed internally.
	StatusError CheckStatus = "error"
)

// Check records one stage's participation in a decision.
type Check struct {
	Stage  string      `json:"stage"`
	Status CheckStatus `json:"status"`

	// Detail names the switch, config, rule, or request behind the status.
	Detail string `json:"detail,omitempty"`
}

// Result is one terminal admission decision.
type Result struct {
	// Effect is the decision (allow, deny, pending).
	Effect policy.Effect `json:"effect"`

	// Reason explains the decision.
	Reason string `json:"reason"`

	// DeniedBy names the stage that denied ("kill_switch", "rate_limit",
	// "rules"), or "error"/"timeout" for failure modes. Empty for allows
	// and pendings.
	DeniedBy string `json:"denied_by,omitempty"`

	// RuleID is the winning rule, when the rules stage matched one.
	RuleID string `json:"rule_id,omitempty"`

	// ApprovalRequestID is set for pending decisions and approvals.
	ApprovalRequestID string `json:"approval_request_id,omitempty"`

	// RetryAfter suggests when a rate-limited request may retry.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Checks traces every pipeline stage.
	Checks []Check `json:"checks"`

	// RequestID echoes the context's request id.
	RequestID string `json:"request_id,omitempty"`

	// EvaluatedAt is when the decision was made.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is the end-to-end evaluation time.
	Duration time.Duration `json:"duration"`
}

// Allowed reports whether the action may proceed now.
func (r *Result) Allowed() bool { return r.Effect == policy.EffectAllow }

// StageTiming records when one stage ran, for proofs.
type StageTiming struct {
	Stage       string    `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Proof is a decision plus the evidence behind it: per-stage timings and
// the full rule evaluation trace.
type Proof struct {
	Result *Result           `json:"result"`
	Stages []StageTiming     `json:"stages"`
	Rules  []rule.Evaluation `json:"rules,omitempty"`
}

// BatchItem pairs one context with its decision (or its validation error).
type BatchItem struct {
	Context *policy.EvaluationContext `json:"-"`
	Result  *Result                   `json:"result,omitempty"`
	Err     error                     `json:"error,omitempty"`
}
