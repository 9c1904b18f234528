package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-hq/gatehouse/pkg/approval"
	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
	"github.com/gatehouse-hq/gatehouse/pkg/telemetry/metrics"
)

// batchConcurrency bounds parallel evaluations in EvaluateBatch.
const batchConcurrency = 8

// Params collects the engine's dependencies. KillSwitch, Limits, Rules,
// Approvals, and Audit are required; Metrics and Logger are optional.
type Params struct {
	KillSwitch *killswitch.Checker
	Limits     *limits.Service
	Rules      RuleSource
	Approvals  approval.Gate
	Audit      audit.Emitter
	Metrics    *metrics.Collector
	Logger     *slog.Logger

	// RuleCacheTTL overrides DefaultRuleCacheTTL when positive.
	RuleCacheTTL time.Duration
}

// Engine runs the admission pipeline.
type Engine struct {
	killswitch *killswitch.Checker
	limits     *limits.Service
	rules      *cachedRules
	gate       approval.Gate
	auditor    audit.Emitter
	metrics    *metrics.Collector
	logger     *slog.Logger

	now func() time.Time
}

// New creates an engine from its dependencies.
func New(p Params) (*Engine, error) {
	switch {
	case p.KillSwitch == nil:
		return nil, errors.New("engine requires a kill switch checker")
	case p.Limits == nil:
		return nil, errors.New("engine requires a rate limit service")
	case p.Rules == nil:
		return nil, errors.New("engine requires a rule source")
	case p.Approvals == nil:
		return nil, errors.New("engine requires an approval gate")
	case p.Audit == nil:
		return nil, errors.New("engine requires an audit emitter")
	}
	if p.Logger == nil {
		p.Logger = slog.Default().With("component", "engine")
	}

	return &Engine{
		killswitch: p.KillSwitch,
		limits:     p.Limits,
		rules:      newCachedRules(p.Rules, p.RuleCacheTTL),
		gate:       p.Approvals,
		auditor:    p.Audit,
		metrics:    p.Metrics,
		logger:     p.Logger,
		now:        time.Now,
	}, nil
}

// InvalidateCache drops the cached rule set for one client, or for every
// client when clientID is empty. Rule edits call this so the next
// evaluation sees them immediately.
func (e *Engine) InvalidateCache(clientID string) {
	e.rules.invalidate(clientID)
}

// Evaluate runs the pipeline for one context and returns its decision.
// A context that fails validation returns an error and is not a decision:
// nothing is consumed and nothing is audited.
func (e *Engine) Evaluate(ctx context.Context, ec *policy.EvaluationContext) (*Result, error) {
	proof, err := e.evaluate(ctx, ec)
	if err != nil {
		return nil, err
	}
	return proof.Result, nil
}

// EvaluateWithProof runs the pipeline and additionally returns per-stage
// timings and the full rule evaluation trace.
func (e *Engine) EvaluateWithProof(ctx context.Context, ec *policy.EvaluationContext) (*Proof, error) {
	return e.evaluate(ctx, ec)
}

// EvaluateBatch evaluates several contexts concurrently. Order is
// preserved; each item carries its own decision or validation error.
func (e *Engine) EvaluateBatch(ctx context.Context, contexts []*policy.EvaluationContext) []BatchItem {
	items := make([]BatchItem, len(contexts))
	sem := make(chan struct{}, batchConcurrency)
	var wg sync.WaitGroup

	for i, ec := range contexts {
		wg.Add(1)
		go func(i int, ec *policy.EvaluationContext) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := e.Evaluate(ctx, ec)
			items[i] = BatchItem{Context: ec, Result: res, Err: err}
		}(i, ec)
	}

	wg.Wait()
	return items
}

// run accumulates one evaluation's state.
type run struct {
	engine *Engine
	ec     *policy.EvaluationContext
	start  time.Time

	checks    []Check
	stages    []StageTiming
	ruleTrace []rule.Evaluation

	result *Result
}

func (e *Engine) evaluate(ctx context.Context, ec *policy.EvaluationContext) (*Proof, error) {
	if err := ec.Validate(); err != nil {
		return nil, err
	}

	r := &run{engine: e, ec: ec, start: e.now()}

	r.stageKillSwitch(ctx)
	if r.result == nil {
		r.stageRateLimit(ctx)
	}
	var winner *rule.Rule
	if r.result == nil {
		winner = r.stageRules(ctx)
	}
	if r.result == nil {
		r.stageApproval(ctx, winner)
	}

	return r.finish(ctx), nil
}

func (r *run) stageKillSwitch(ctx context.Context) {
	if r.timedOut(ctx, StageKillSwitch) {
		return
	}
	done := r.timing(StageKillSwitch)
	res, err := r.engine.killswitch.IsTripped(ctx, r.ec)
	done()

	if err != nil {
		r.failClosed(StageKillSwitch, err)
		return
	}
	if res.Tripped {
		sw := res.Switch
		r.addCheck(StageKillSwitch, StatusTripped, sw.ID)
		if r.engine.metrics != nil {
			r.engine.metrics.RecordKillSwitchTrip(string(sw.TargetType))
		}
		reason := fmt.Sprintf("kill switch active for %s", describeSwitch(sw))
		r.terminate(policy.EffectDeny, reason, StageKillSwitch)
		return
	}
	r.addCheck(StageKillSwitch, StatusPassed, "")
}

func (r *run) stageRateLimit(ctx context.Context) {
	if r.timedOut(ctx, StageRateLimit) {
		return
	}
	done := r.timing(StageRateLimit)
	decision, err := r.engine.limits.Consume(ctx, r.ec, 1)
	done()

	if err != nil {
		r.failClosed(StageRateLimit, err)
		return
	}
	if !decision.Allowed {
		r.addCheck(StageRateLimit, StatusExceeded, strings.Join(decision.DeniedBy, ","))
		if r.engine.metrics != nil {
			for _, configID := range decision.DeniedBy {
				r.engine.metrics.RecordRateLimitDenial(configID)
			}
		}
		r.terminate(policy.EffectDeny, decision.Reason, StageRateLimit)
		r.result.RetryAfter = decision.RetryAfter
		return
	}
	if decision.Limited {
		r.addCheck(StageRateLimit, StatusPassed, "")
	} else {
		r.addCheck(StageRateLimit, StatusNotRequired, "")
	}
}

// stageRules returns the winning rule when evaluation should continue to
// the approval stage.
func (r *run) stageRules(ctx context.Context) *rule.Rule {
	if r.timedOut(ctx, StageRules) {
		return nil
	}
	done := r.timing(StageRules)
	rules, err := r.engine.rules.Rules(ctx, r.ec.ClientID)
	if err != nil {
		done()
		r.failClosed(StageRules, err)
		return nil
	}
	outcome, err := rule.EvaluateRules(rules, r.ec, r.engine.now())
	done()

	if err != nil {
		r.failClosed(StageRules, err)
		return nil
	}
	r.ruleTrace = outcome.Evaluated

	if outcome.Effect == policy.EffectDeny {
		detail := ""
		if outcome.Rule != nil {
			detail = outcome.Rule.ID
		}
		r.addCheck(StageRules, StatusDenied, detail)
		r.terminate(policy.EffectDeny, outcome.Reason, StageRules)
		if outcome.Rule != nil {
			r.result.RuleID = outcome.Rule.ID
		}
		return nil
	}

	r.addCheck(StageRules, StatusPassed, outcome.Rule.ID)
	if outcome.Effect == policy.EffectPending || requiresApproval(outcome.Rule) {
		return outcome.Rule
	}

	r.addCheck(StageApproval, StatusNotRequired, "")
	r.terminate(policy.EffectAllow, outcome.Reason, "")
	r.result.RuleID = outcome.Rule.ID
	return nil
}

func (r *run) stageApproval(ctx context.Context, winner *rule.Rule) {
	if winner == nil {
		return
	}
	if r.timedOut(ctx, StageApproval) {
		return
	}
	done := r.timing(StageApproval)
	req, err := r.engine.gate.Check(ctx, r.ec, winner)
	done()

	if err != nil {
		r.failClosed(StageApproval, err)
		return
	}

	if req.Status == approval.StatusApproved {
		r.addCheck(StageApproval, StatusApproved, req.ID)
		r.terminate(policy.EffectAllow, fmt.Sprintf("approved by %s", req.ResolvedBy), "")
	} else {
		r.addCheck(StageApproval, StatusPending, req.ID)
		if r.engine.metrics != nil {
			r.engine.metrics.RecordApprovalRequest()
		}
		r.terminate(policy.EffectPending, "awaiting approval", "")
	}
	r.result.RuleID = winner.ID
	r.result.ApprovalRequestID = req.ID
}

// timedOut terminates the run when the caller's deadline has passed. The
// denial is attributed to "timeout", not to the stage that happened to
// observe it.
func (r *run) timedOut(ctx context.Context, stage string) bool {
	if ctx.Err() == nil {
		return false
	}
	r.addCheck(stage, StatusSkipped, "")
	r.terminate(policy.EffectDeny, "timeout", DeniedByTimeout)
	return true
}

// failClosed converts an internal error into a deny.
func (r *run) failClosed(stage string, err error) {
	r.engine.logger.Error("pipeline stage failed",
		"stage", stage,
		"client_id", r.ec.ClientID,
		"action", r.ec.Action,
		"error", err,
	)
	r.addCheck(stage, StatusError, err.Error())
	r.terminate(policy.EffectDeny, fmt.Sprintf("internal error in %s stage", stage), DeniedByError)
}

func (r *run) terminate(effect policy.Effect, reason, deniedBy string) {
	r.result = &Result{
		Effect:   effect,
		Reason:   reason,
		DeniedBy: deniedBy,
	}
}

func (r *run) addCheck(stage string, status CheckStatus, detail string) {
	r.checks = append(r.checks, Check{Stage: stage, Status: status, Detail: detail})
}

func (r *run) timing(stage string) func() {
	started := r.engine.now()
	return func() {
		r.stages = append(r.stages, StageTiming{
			Stage:       stage,
			StartedAt:   started,
			CompletedAt: r.engine.now(),
		})
	}
}

// finish marks unvisited stages skipped, stamps the result, records
// metrics, and emits the single audit event for the decision.
func (r *run) finish(ctx context.Context) *Proof {
	for _, stage := range []string{StageKillSwitch, StageRateLimit, StageRules, StageApproval} {
		if !r.visited(stage) {
			r.addCheck(stage, StatusSkipped, "")
		}
	}

	res := r.result
	res.Checks = r.checks
	res.RequestID = r.ec.RequestID
	res.EvaluatedAt = r.engine.now()
	res.Duration = res.EvaluatedAt.Sub(r.start)

	if r.engine.metrics != nil {
		r.engine.metrics.RecordDecision(string(res.Effect), res.DeniedBy, res.Duration)
	}
	r.audit(ctx, res)

	r.engine.logger.Info("admission decision",
		"effect", res.Effect,
		"denied_by", res.DeniedBy,
		"client_id", r.ec.ClientID,
		"action", r.ec.Action,
		"resource", r.ec.Resource,
		"rule_id", res.RuleID,
		"duration", res.Duration,
	)

	return &Proof{Result: res, Stages: r.stages, Rules: r.ruleTrace}
}

func (r *run) visited(stage string) bool {
	for _, c := range r.checks {
		if c.Stage == stage {
			return true
		}
	}
	return false
}

// audit emits exactly one event per terminal decision. A denial by the
// rate limit stage gets its dedicated type; everything else is a plain
// decision event. An emit failure is logged but does not change the
// decision.
func (r *run) audit(ctx context.Context, res *Result) {
	typ := audit.EventPolicyEvaluated
	if res.DeniedBy == StageRateLimit {
		typ = audit.EventRateLimitExceeded
	}

	details := map[string]any{"denied_by": res.DeniedBy}
	if res.RuleID != "" {
		details["rule_id"] = res.RuleID
	}
	if res.ApprovalRequestID != "" {
		details["approval_request_id"] = res.ApprovalRequestID
	}
	for _, c := range r.checks {
		details["check_"+c.Stage] = string(c.Status)
	}

	err := r.engine.auditor.Emit(ctx, &audit.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ClientID:  r.ec.ClientID,
		ActorID:   r.ec.ActorID,
		Action:    r.ec.Action,
		Resource:  r.ec.Resource,
		Platform:  r.ec.Platform,
		Effect:    res.Effect,
		Reason:    res.Reason,
		RequestID: r.ec.RequestID,
		Details:   details,
		At:        res.EvaluatedAt,
	})
	if err != nil {
		r.engine.logger.Error("audit emit failed", "error", err, "client_id", r.ec.ClientID)
	}
}

// requiresApproval reports whether an allow-effect rule still routes
// through the approval gate.
func requiresApproval(r *rule.Rule) bool {
	return r.Constraints != nil && r.Constraints.RequireApproval != nil
}

func describeSwitch(sw *killswitch.Switch) string {
	switch sw.TargetType {
	case killswitch.TargetPlatform:
		return fmt.Sprintf("platform %q", sw.TargetValue)
	case killswitch.TargetAction:
		if sw.Platform != "" {
			return fmt.Sprintf("action %q on platform %q", sw.TargetValue, sw.Platform)
		}
		return fmt.Sprintf("action %q", sw.TargetValue)
	default:
		if sw.Scope == killswitch.ScopeClient {
			return fmt.Sprintf("all actions of client %q", sw.ClientID)
		}
		return "all actions"
	}
}
