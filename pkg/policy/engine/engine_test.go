package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/approval"
	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

type testHarness struct {
	engine *Engine
	checker *killswitch.Checker
	limits *limits.Service
	gate   *approval.MemoryGate
	log    *audit.MemoryLog
	source *StaticSource
}

func engineCtx(mutate func(*policy.EvaluationContext)) *policy.EvaluationContext {
	ec := &policy.EvaluationContext{
		Action:    "publish",
		Resource:  "post",
		ClientID:  "client-1",
		ActorType: policy.ActorAgent,
		ActorID:   "agent-1",
		Platform:  "meta",
		RequestID: "req-1",
	}
	if mutate != nil {
		mutate(ec)
	}
	return ec
}

func allowEverything() *rule.Rule {
	return &rule.Rule{
		ID: "allow-all", Priority: 1, Effect: policy.EffectAllow,
		Actions: []string{"*"}, Resources: []string{"*"}, Enabled: true,
	}
}

func newHarness(t *testing.T, rules []*rule.Rule, configs []*limits.Config) *testHarness {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	svc, err := limits.NewService(store, configs, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	checker := killswitch.NewChecker(killswitch.NewMemoryStore(), 0, nil)
	gate := approval.NewMemoryGate(nil)
	log := audit.NewMemoryLog(0)
	source := NewStaticSource(rules)

	eng, err := New(Params{
		KillSwitch: checker,
		Limits:     svc,
		Rules:      source,
		Approvals:  gate,
		Audit:      log,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &testHarness{engine: eng, checker: checker, limits: svc, gate: gate, log: log, source: source}
}

func auditCount(t *testing.T, log *audit.MemoryLog, typ audit.EventType) int {
	t.Helper()
	events, err := log.Query(context.Background(), audit.Query{Type: typ})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	return len(events)
}

func checkStatus(t *testing.T, res *Result, stage string) CheckStatus {
	t.Helper()
	for _, c := range res.Checks {
		if c.Stage == stage {
			return c.Status
		}
	}
	t.Fatalf("Stage %s missing from checks: %v", stage, res.Checks)
	return ""
}

// ============================================================================
// Pipeline behavior
// ============================================================================

func TestEngine_AllowPath(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)

	res, err := h.engine.Evaluate(context.Background(), engineCtx(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !res.Allowed() {
		t.Fatalf("Expected allow, got %s (%s)", res.Effect, res.Reason)
	}
	if res.RuleID != "allow-all" {
		t.Errorf("Expected winning rule recorded, got %q", res.RuleID)
	}

	if got := checkStatus(t, res, StageKillSwitch); got != StatusPassed {
		t.Errorf("Expected kill switch passed, got %s", got)
	}
	if got := checkStatus(t, res, StageRateLimit); got != StatusNotRequired {
		t.Errorf("Expected rate limit not_required without configs, got %s", got)
	}
	if got := checkStatus(t, res, StageRules); got != StatusPassed {
		t.Errorf("Expected rules passed, got %s", got)
	}
	if got := checkStatus(t, res, StageApproval); got != StatusNotRequired {
		t.Errorf("Expected approval not_required, got %s", got)
	}

	if n := auditCount(t, h.log, audit.EventPolicyEvaluated); n != 1 {
		t.Errorf("Expected exactly 1 decision event, got %d", n)
	}
}

func TestEngine_KillSwitchShortCircuits(t *testing.T) {
	configs := []*limits.Config{{
		ID: "post-minute", Category: limits.CategorySystem, Resource: "post",
		Limit: 10, Scope: limits.ScopeClient,
		Window: limits.Window{Kind: limits.WindowSliding, Duration: time.Minute},
	}}
	h := newHarness(t, []*rule.Rule{allowEverything()}, configs)
	ctx := context.Background()

	sw, err := h.engine.CreateKillSwitch(ctx, &killswitch.Switch{
		Scope: killswitch.ScopeGlobal, TargetType: killswitch.TargetPlatform, TargetValue: "meta",
	}, "ops@example.com")
	if err != nil {
		t.Fatalf("CreateKillSwitch failed: %v", err)
	}
	if _, err := h.engine.ActivateKillSwitch(ctx, sw.ID, "ops@example.com", "platform incident underway"); err != nil {
		t.Fatalf("ActivateKillSwitch failed: %v", err)
	}

	res, err := h.engine.Evaluate(ctx, engineCtx(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != policy.EffectDeny || res.DeniedBy != StageKillSwitch {
		t.Fatalf("Expected deny by kill_switch, got %s/%s", res.Effect, res.DeniedBy)
	}
	if got := checkStatus(t, res, StageKillSwitch); got != StatusTripped {
		t.Errorf("Expected tripped, got %s", got)
	}
	for _, stage := range []string{StageRateLimit, StageRules, StageApproval} {
		if got := checkStatus(t, res, stage); got != StatusSkipped {
			t.Errorf("Expected %s skipped after short circuit, got %s", stage, got)
		}
	}

	// The short circuit must not consume rate limit quota.
	usages, err := h.limits.GetUsage(ctx, engineCtx(nil), "post")
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usages[0].Current != 0 {
		t.Errorf("Expected no quota consumed, got %d", usages[0].Current)
	}

	// A linkedin request is untouched by the meta switch.
	res, _ = h.engine.Evaluate(ctx, engineCtx(func(ec *policy.EvaluationContext) { ec.Platform = "linkedin" }))
	if !res.Allowed() {
		t.Errorf("Expected other platform allowed, got %s", res.Effect)
	}
}

func TestEngine_RateLimitDeny(t *testing.T) {
	configs := []*limits.Config{{
		ID: "post-minute", Category: limits.CategorySystem, Resource: "post",
		Limit: 1, Scope: limits.ScopeClient,
		Window: limits.Window{Kind: limits.WindowSliding, Duration: time.Minute},
	}}
	h := newHarness(t, []*rule.Rule{allowEverything()}, configs)
	ctx := context.Background()

	first, err := h.engine.Evaluate(ctx, engineCtx(nil))
	if err != nil || !first.Allowed() {
		t.Fatalf("Expected first allowed, got %v err=%v", first, err)
	}

	second, err := h.engine.Evaluate(ctx, engineCtx(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if second.Effect != policy.EffectDeny || second.DeniedBy != StageRateLimit {
		t.Fatalf("Expected deny by rate_limit, got %s/%s", second.Effect, second.DeniedBy)
	}
	if second.RetryAfter <= 0 {
		t.Errorf("Expected positive RetryAfter, got %v", second.RetryAfter)
	}
	if got := checkStatus(t, second, StageRateLimit); got != StatusExceeded {
		t.Errorf("Expected exceeded, got %s", got)
	}
	if got := checkStatus(t, second, StageRules); got != StatusSkipped {
		t.Errorf("Expected rules skipped, got %s", got)
	}

	if n := auditCount(t, h.log, audit.EventRateLimitExceeded); n != 1 {
		t.Errorf("Expected 1 rate limit event, got %d", n)
	}
	if n := auditCount(t, h.log, audit.EventPolicyEvaluated); n != 1 {
		t.Errorf("Expected 1 decision event for the allow, got %d", n)
	}
}

func TestEngine_HigherPriorityDenyWins(t *testing.T) {
	deny := &rule.Rule{
		ID: "deny-meta", Priority: 100, Effect: policy.EffectDeny, Enabled: true,
		Actions: []string{"*"}, Resources: []string{"*"},
		Conditions: []rule.Condition{{Type: rule.ConditionField, Field: &rule.FieldCondition{
			Path: "platform", Operator: rule.OpEquals, Value: "meta",
		}}},
	}
	h := newHarness(t, []*rule.Rule{allowEverything(), deny}, nil)
	ctx := context.Background()

	res, err := h.engine.Evaluate(ctx, engineCtx(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != policy.EffectDeny || res.DeniedBy != StageRules {
		t.Fatalf("Expected deny by rules, got %s/%s", res.Effect, res.DeniedBy)
	}
	if res.RuleID != "deny-meta" {
		t.Errorf("Expected deny-meta recorded, got %q", res.RuleID)
	}

	res, _ = h.engine.Evaluate(ctx, engineCtx(func(ec *policy.EvaluationContext) { ec.Platform = "linkedin" }))
	if !res.Allowed() {
		t.Errorf("Expected lower-priority allow for other platform, got %s", res.Effect)
	}
}

func TestEngine_DefaultDeny(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.engine.Evaluate(context.Background(), engineCtx(nil))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != policy.EffectDeny || res.DeniedBy != StageRules {
		t.Fatalf("Expected default deny by rules, got %s/%s", res.Effect, res.DeniedBy)
	}
	if res.Reason != rule.DefaultDenyReason {
		t.Errorf("Expected %q, got %q", rule.DefaultDenyReason, res.Reason)
	}
}

func TestEngine_ApprovalFlow(t *testing.T) {
	pending := &rule.Rule{
		ID: "approve-deletes", Priority: 100, Effect: policy.EffectPending, Enabled: true,
		Actions: []string{"account.delete"}, Resources: []string{"account"},
		Constraints: &rule.Constraints{RequireApproval: &rule.ApprovalConstraint{
			Approvers: []string{"security@example.com"}, Timeout: time.Hour,
		}},
	}
	h := newHarness(t, []*rule.Rule{pending, allowEverything()}, nil)
	ctx := context.Background()
	deleteCtx := func() *policy.EvaluationContext {
		return engineCtx(func(ec *policy.EvaluationContext) {
			ec.Action = "account.delete"
			ec.Resource = "account"
		})
	}

	res, err := h.engine.Evaluate(ctx, deleteCtx())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Effect != policy.EffectPending {
		t.Fatalf("Expected pending, got %s (%s)", res.Effect, res.Reason)
	}
	if res.ApprovalRequestID == "" {
		t.Fatal("Expected an approval request id")
	}
	if got := checkStatus(t, res, StageApproval); got != StatusPending {
		t.Errorf("Expected approval pending, got %s", got)
	}

	// Re-evaluating while pending reuses the same request.
	again, _ := h.engine.Evaluate(ctx, deleteCtx())
	if again.ApprovalRequestID != res.ApprovalRequestID {
		t.Errorf("Expected deduplicated request, got %s and %s", res.ApprovalRequestID, again.ApprovalRequestID)
	}

	if _, err := h.engine.ResolveApproval(ctx, res.ApprovalRequestID, "security@example.com", true, "reviewed"); err != nil {
		t.Fatalf("ResolveApproval failed: %v", err)
	}

	approved, err := h.engine.Evaluate(ctx, deleteCtx())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !approved.Allowed() {
		t.Fatalf("Expected allow after approval, got %s (%s)", approved.Effect, approved.Reason)
	}
	if got := checkStatus(t, approved, StageApproval); got != StatusApproved {
		t.Errorf("Expected approval approved, got %s", got)
	}
	if approved.ApprovalRequestID != res.ApprovalRequestID {
		t.Errorf("Expected the approving request referenced, got %q", approved.ApprovalRequestID)
	}
}

// ============================================================================
// Failure modes
// ============================================================================

func TestEngine_ValidationErrorIsNotADecision(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)

	_, err := h.engine.Evaluate(context.Background(),
		engineCtx(func(ec *policy.EvaluationContext) { ec.Action = "" }))
	if !errors.Is(err, policy.ErrMissingAction) {
		t.Fatalf("Expected ErrMissingAction, got %v", err)
	}

	events, _ := h.log.Query(context.Background(), audit.Query{})
	if len(events) != 0 {
		t.Errorf("Expected no audit events for a validation failure, got %d", len(events))
	}
}

type failingSource struct{}

func (failingSource) Rules(context.Context, string) ([]*rule.Rule, error) {
	return nil, errors.New("backend unavailable")
}

func TestEngine_FailsClosedOnInternalError(t *testing.T) {
	h := newHarness(t, nil, nil)

	eng, err := New(Params{
		KillSwitch: h.checker,
		Limits:     h.limits,
		Rules:      failingSource{},
		Approvals:  h.gate,
		Audit:      h.log,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := eng.Evaluate(context.Background(), engineCtx(nil))
	if err != nil {
		t.Fatalf("Expected a fail-closed decision, not an error: %v", err)
	}
	if res.Effect != policy.EffectDeny || res.DeniedBy != DeniedByError {
		t.Fatalf("Expected deny by error, got %s/%s", res.Effect, res.DeniedBy)
	}
	if got := checkStatus(t, res, StageRules); got != StatusError {
		t.Errorf("Expected rules stage error, got %s", got)
	}
	if n := auditCount(t, h.log, audit.EventPolicyEvaluated); n != 1 {
		t.Errorf("Expected the fail-closed decision audited, got %d events", n)
	}
}

func TestEngine_DeadlineDeniesAsTimeout(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.engine.Evaluate(ctx, engineCtx(nil))
	if err != nil {
		t.Fatalf("Expected a decision, got error: %v", err)
	}
	if res.Effect != policy.EffectDeny || res.DeniedBy != DeniedByTimeout {
		t.Fatalf("Expected deny by timeout, got %s/%s", res.Effect, res.DeniedBy)
	}
	if res.Reason != "timeout" {
		t.Errorf("Expected timeout reason, got %q", res.Reason)
	}
	if n := auditCount(t, h.log, audit.EventPolicyEvaluated); n != 1 {
		t.Errorf("Expected timeout decision audited, got %d events", n)
	}
}

// ============================================================================
// Caching and admin
// ============================================================================

func TestEngine_RuleCacheServesUntilInvalidated(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)
	ctx := context.Background()

	if res, _ := h.engine.Evaluate(ctx, engineCtx(nil)); !res.Allowed() {
		t.Fatal("Expected initial allow")
	}

	// Swap the rule set out from under the cache.
	h.source.Replace(nil)

	if res, _ := h.engine.Evaluate(ctx, engineCtx(nil)); !res.Allowed() {
		t.Error("Expected cached rules to keep serving before invalidation")
	}

	h.engine.InvalidateCache("client-1")

	res, _ := h.engine.Evaluate(ctx, engineCtx(nil))
	if res.Allowed() {
		t.Error("Expected default deny after invalidation")
	}
}

func TestEngine_IdempotentActivationAuditsOnce(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)
	ctx := context.Background()

	sw, err := h.engine.CreateKillSwitch(ctx, &killswitch.Switch{
		Scope: killswitch.ScopeGlobal, TargetType: killswitch.TargetAll,
	}, "ops@example.com")
	if err != nil {
		t.Fatalf("CreateKillSwitch failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := h.engine.ActivateKillSwitch(ctx, sw.ID, "ops@example.com", "incident response active"); err != nil {
			t.Fatalf("ActivateKillSwitch %d failed: %v", i, err)
		}
	}

	if n := auditCount(t, h.log, audit.EventKillSwitchActivated); n != 1 {
		t.Errorf("Expected exactly 1 activation event, got %d", n)
	}
	history, _ := h.checker.History(ctx, sw.ID)
	activations := 0
	for _, rec := range history {
		if rec.Action == killswitch.HistoryActivated {
			activations++
		}
	}
	if activations != 1 {
		t.Errorf("Expected exactly 1 activation history record, got %d", activations)
	}
}

func TestEngine_ResetRateLimitsAudited(t *testing.T) {
	configs := []*limits.Config{{
		ID: "post-minute", Category: limits.CategorySystem, Resource: "post",
		Limit: 1, Scope: limits.ScopeClient,
		Window: limits.Window{Kind: limits.WindowSliding, Duration: time.Minute},
	}}
	h := newHarness(t, []*rule.Rule{allowEverything()}, configs)
	ctx := context.Background()

	h.engine.Evaluate(ctx, engineCtx(nil))
	if res, _ := h.engine.Evaluate(ctx, engineCtx(nil)); res.Allowed() {
		t.Fatal("Expected limit exhausted")
	}

	if err := h.engine.ResetRateLimits(ctx, "client-1", "post", "ops@example.com"); err != nil {
		t.Fatalf("ResetRateLimits failed: %v", err)
	}
	if n := auditCount(t, h.log, audit.EventRateLimitReset); n != 1 {
		t.Errorf("Expected 1 reset event, got %d", n)
	}

	if res, _ := h.engine.Evaluate(ctx, engineCtx(nil)); !res.Allowed() {
		t.Error("Expected allowance after reset")
	}
}

func TestEngine_OverrideRaisesLimitAndUsageReports(t *testing.T) {
	configs := []*limits.Config{{
		ID: "post-minute", Category: limits.CategorySystem, Resource: "post",
		Limit: 1, Scope: limits.ScopeClient,
		Window: limits.Window{Kind: limits.WindowSliding, Duration: time.Minute},
	}}
	h := newHarness(t, []*rule.Rule{allowEverything()}, configs)
	ctx := context.Background()

	if err := h.engine.SetRateLimitOverride(&limits.Override{
		ClientID: "client-1", Resource: "post", Limit: 3, SetBy: "ops@example.com",
	}); err != nil {
		t.Fatalf("SetRateLimitOverride failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := h.engine.Evaluate(ctx, engineCtx(nil))
		if err != nil || !res.Allowed() {
			t.Fatalf("Expected allow %d under override, got %v err=%v", i+1, res, err)
		}
	}
	if res, _ := h.engine.Evaluate(ctx, engineCtx(nil)); res.Allowed() {
		t.Error("Expected deny once the overridden limit is spent")
	}

	usage, err := h.engine.RateLimitUsage(ctx, engineCtx(nil), "post")
	if err != nil {
		t.Fatalf("RateLimitUsage failed: %v", err)
	}
	if len(usage) != 1 || usage[0].Current != 3 || usage[0].Limit != 3 {
		t.Errorf("Unexpected usage: %+v", usage)
	}
}

func TestEngine_ListActiveKillSwitches(t *testing.T) {
	h := newHarness(t, []*rule.Rule{allowEverything()}, nil)
	ctx := context.Background()

	sw, err := h.engine.CreateKillSwitch(ctx, &killswitch.Switch{
		Scope: killswitch.ScopeClient, ClientID: "client-1",
		TargetType: killswitch.TargetPlatform, TargetValue: "meta",
	}, "ops@example.com")
	if err != nil {
		t.Fatalf("CreateKillSwitch failed: %v", err)
	}

	active, err := h.engine.ListActiveKillSwitches(ctx, "client-1")
	if err != nil {
		t.Fatalf("ListActiveKillSwitches failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("Expected no active switches before activation, got %d", len(active))
	}

	if _, err := h.engine.ActivateKillSwitch(ctx, sw.ID, "ops@example.com", "manual halt for incident"); err != nil {
		t.Fatalf("ActivateKillSwitch failed: %v", err)
	}

	active, _ = h.engine.ListActiveKillSwitches(ctx, "client-1")
	if len(active) != 1 || active[0].ID != sw.ID {
		t.Errorf("Expected the activated switch, got %v", active)
	}
}

// ============================================================================
// Proof and batch
// ============================================================================

func TestEngine_EvaluateWithProof(t *testing.T) {
	deny := &rule.Rule{
		ID: "deny-meta", Priority: 100, Effect: policy.EffectDeny, Enabled: true,
		Actions: []string{"*"}, Resources: []string{"*"},
		Conditions: []rule.Condition{{Type: rule.ConditionField, Field: &rule.FieldCondition{
			Path: "platform", Operator: rule.OpEquals, Value: "tiktok",
		}}},
	}
	h := newHarness(t, []*rule.Rule{allowEverything(), deny}, nil)

	proof, err := h.engine.EvaluateWithProof(context.Background(), engineCtx(nil))
	if err != nil {
		t.Fatalf("EvaluateWithProof failed: %v", err)
	}
	if !proof.Result.Allowed() {
		t.Fatalf("Expected allow, got %s", proof.Result.Effect)
	}

	// Both rules appear in the trace: the miss and the winner.
	if len(proof.Rules) != 2 {
		t.Fatalf("Expected 2 traced rules, got %d", len(proof.Rules))
	}
	if proof.Rules[0].RuleID != "deny-meta" || proof.Rules[0].Matched {
		t.Errorf("Expected deny-meta traced as a miss first, got %+v", proof.Rules[0])
	}
	if proof.Rules[1].RuleID != "allow-all" || !proof.Rules[1].Matched {
		t.Errorf("Expected allow-all traced as the match, got %+v", proof.Rules[1])
	}

	if len(proof.Stages) != 3 {
		t.Fatalf("Expected 3 timed stages, got %d", len(proof.Stages))
	}
	for i, st := range proof.Stages {
		if st.CompletedAt.Before(st.StartedAt) {
			t.Errorf("Stage %d completed before it started", i)
		}
	}
}

func TestEngine_EvaluateBatch(t *testing.T) {
	deny := &rule.Rule{
		ID: "deny-meta", Priority: 100, Effect: policy.EffectDeny, Enabled: true,
		Actions: []string{"*"}, Resources: []string{"*"},
		Conditions: []rule.Condition{{Type: rule.ConditionField, Field: &rule.FieldCondition{
			Path: "platform", Operator: rule.OpEquals, Value: "meta",
		}}},
	}
	h := newHarness(t, []*rule.Rule{allowEverything(), deny}, nil)

	contexts := []*policy.EvaluationContext{
		engineCtx(nil),
		engineCtx(func(ec *policy.EvaluationContext) { ec.Platform = "linkedin" }),
		engineCtx(func(ec *policy.EvaluationContext) { ec.Action = "" }),
	}

	items := h.engine.EvaluateBatch(context.Background(), contexts)
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	if items[0].Err != nil || items[0].Result.Effect != policy.EffectDeny {
		t.Errorf("Expected first denied, got %+v", items[0])
	}
	if items[1].Err != nil || !items[1].Result.Allowed() {
		t.Errorf("Expected second allowed, got %+v", items[1])
	}
	if items[2].Err == nil {
		t.Error("Expected third to carry a validation error")
	}

	// Two decisions, two audit events; the invalid context audits nothing.
	events, _ := h.log.Query(context.Background(), audit.Query{})
	if len(events) != 2 {
		t.Errorf("Expected 2 audit events, got %d", len(events))
	}
}
