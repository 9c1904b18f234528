package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/gatehouse-hq/gatehouse/pkg/approval"
	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// Admin operations route through the engine so that state changes and
// their audit events stay together.

// CreateKillSwitch registers a new, inactive switch.
func (e *Engine) CreateKillSwitch(ctx context.Context, sw *killswitch.Switch, actor string) (*killswitch.Switch, error) {
	return e.killswitch.Create(ctx, sw, actor)
}

// ActivateKillSwitch turns a switch on. The audit event is emitted only
// when the state actually changed, so repeated activations stay
// idempotent in the audit trail too.
func (e *Engine) ActivateKillSwitch(ctx context.Context, id, actor, reason string) (*killswitch.Switch, error) {
	sw, changed, err := e.killswitch.Activate(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		e.emitSwitchEvent(ctx, audit.EventKillSwitchActivated, sw, actor, reason)
	}
	return sw, nil
}

// DeactivateKillSwitch turns a switch off, auditing only real transitions.
func (e *Engine) DeactivateKillSwitch(ctx context.Context, id, actor, reason string) (*killswitch.Switch, error) {
	sw, changed, err := e.killswitch.Deactivate(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		e.emitSwitchEvent(ctx, audit.EventKillSwitchDeactivated, sw, actor, reason)
	}
	return sw, nil
}

// ListActiveKillSwitches returns every switch currently halting traffic,
// optionally narrowed to one client.
func (e *Engine) ListActiveKillSwitches(ctx context.Context, clientID string) ([]*killswitch.Switch, error) {
	return e.killswitch.List(ctx, killswitch.Filter{ClientID: clientID, ActiveOnly: true})
}

// SetRateLimitOverride replaces a config's limit for one client until the
// override expires.
func (e *Engine) SetRateLimitOverride(ov *limits.Override) error {
	return e.limits.SetOverride(ov)
}

// RateLimitUsage reports current consumption for a context against one
// resource's configs.
func (e *Engine) RateLimitUsage(ctx context.Context, ec *policy.EvaluationContext, resource string) ([]*limits.Usage, error) {
	return e.limits.GetUsage(ctx, ec, resource)
}

// ResetRateLimits clears recorded usage for a client, optionally narrowed
// to one resource, and audits the reset.
func (e *Engine) ResetRateLimits(ctx context.Context, clientID, resource, actor string) error {
	if err := e.limits.ResetUsage(ctx, clientID, resource); err != nil {
		return err
	}

	e.emit(ctx, &audit.Event{
		ID:       uuid.NewString(),
		Type:     audit.EventRateLimitReset,
		ClientID: clientID,
		ActorID:  actor,
		Resource: resource,
		Reason:   "rate limit usage reset",
		At:       e.now(),
	})
	return nil
}

// ResolveApproval approves or rejects a pending approval request.
func (e *Engine) ResolveApproval(ctx context.Context, requestID, resolver string, approve bool, comment string) (*approval.Request, error) {
	return e.gate.Resolve(ctx, requestID, resolver, approve, comment)
}

// PendingApprovals lists a client's open approval requests.
func (e *Engine) PendingApprovals(ctx context.Context, clientID string) ([]*approval.Request, error) {
	return e.gate.ListPending(ctx, clientID)
}

func (e *Engine) emitSwitchEvent(ctx context.Context, typ audit.EventType, sw *killswitch.Switch, actor, reason string) {
	e.emit(ctx, &audit.Event{
		ID:       uuid.NewString(),
		Type:     typ,
		ClientID: sw.ClientID,
		ActorID:  actor,
		Reason:   reason,
		Details: map[string]any{
			"switch_id":    sw.ID,
			"scope":        string(sw.Scope),
			"target_type":  string(sw.TargetType),
			"target_value": sw.TargetValue,
			"platform":     sw.Platform,
		},
		At: e.now(),
	})
}

func (e *Engine) emit(ctx context.Context, ev *audit.Event) {
	if err := e.auditor.Emit(ctx, ev); err != nil {
		e.logger.Error("audit emit failed", "type", ev.Type, "error", err)
	}
}
