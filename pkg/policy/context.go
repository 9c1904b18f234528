package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Effect is the outcome of an admission decision.
type Effect string

const (
	// EffectAllow permits the action to proceed.
	EffectAllow Effect = "allow"

	// EffectDeny rejects the action.
	EffectDeny Effect = "deny"

	// EffectPending defers the action until an approval request resolves.
	EffectPending Effect = "pending"
)

// ActorType identifies what kind of principal initiated the action.
type ActorType string

const (
	ActorAgent   ActorType = "agent"
	ActorHuman   ActorType = "human"
	ActorSystem  ActorType = "system"
	ActorWebhook ActorType = "webhook"
)

// EvaluationContext describes a single action an actor is attempting.
// It is immutable for the duration of one evaluation; the engine never
// writes to it.
type EvaluationContext struct {
	// Action is the operation being attempted (e.g. "publish", "message.send").
	Action string

	// Resource is the kind of object the action targets (e.g. "post").
	Resource string

	// ClientID identifies the tenant the actor belongs to.
	ClientID string

	// ActorType classifies the principal (agent, human, system, webhook).
	ActorType ActorType

	// ActorID identifies the specific principal.
	ActorID string

	// Platform is the destination platform, when the action is platform-bound.
	Platform string

	// AccountID is the platform account the action runs under, if any.
	AccountID string

	// ResourceID is the specific object instance, if known.
	ResourceID string

	// Attributes carries free-form request attributes for rule conditions.
	Attributes map[string]any

	// RequestID correlates the evaluation with the caller's request.
	RequestID string

	// EpisodeID correlates the evaluation with an agent episode.
	EpisodeID string
}

// Validation errors returned by EvaluationContext.Validate.
var (
	ErrMissingAction   = errors.New("evaluation context missing action")
	ErrMissingResource = errors.New("evaluation context missing resource")
	ErrMissingClientID = errors.New("evaluation context missing client id")
	ErrMissingActorID  = errors.New("evaluation context missing actor id")
)

// Validate checks that the context carries the fields every pipeline stage
// depends on. A malformed context is rejected before any stage executes.
func (c *EvaluationContext) Validate() error {
	if c == nil {
		return errors.New("evaluation context is nil")
	}
	if strings.TrimSpace(c.Action) == "" {
		return ErrMissingAction
	}
	if strings.TrimSpace(c.Resource) == "" {
		return ErrMissingResource
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return ErrMissingClientID
	}
	if strings.TrimSpace(c.ActorID) == "" {
		return ErrMissingActorID
	}
	switch c.ActorType {
	case ActorAgent, ActorHuman, ActorSystem, ActorWebhook:
	case "":
		return errors.New("evaluation context missing actor type")
	default:
		return fmt.Errorf("unknown actor type: %q", c.ActorType)
	}
	return nil
}

// Field resolves a dotted-path lookup into the context for rule conditions.
// Top-level names map to the context's own fields; the "attributes." prefix
// descends into the Attributes map, which may itself contain nested maps.
// The second return value reports whether the path resolved.
func (c *EvaluationContext) Field(path string) (any, bool) {
	parts := strings.Split(path, ".")

	switch parts[0] {
	case "action":
		return c.Action, true
	case "resource":
		return c.Resource, true
	case "client_id", "clientId":
		return c.ClientID, true
	case "actor_type", "actorType":
		return string(c.ActorType), true
	case "actor_id", "actorId":
		return c.ActorID, true
	case "platform":
		if c.Platform == "" {
			return nil, false
		}
		return c.Platform, true
	case "account_id", "accountId":
		if c.AccountID == "" {
			return nil, false
		}
		return c.AccountID, true
	case "resource_id", "resourceId":
		if c.ResourceID == "" {
			return nil, false
		}
		return c.ResourceID, true
	case "attributes":
		return lookupMap(c.Attributes, parts[1:])
	default:
		// Bare attribute names are accepted without the prefix.
		return lookupMap(c.Attributes, parts)
	}
}

// lookupMap descends a nested map following the remaining path parts.
func lookupMap(m map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 || m == nil {
		return nil, false
	}

	value, ok := m[parts[0]]
	if !ok {
		return nil, false
	}

	if len(parts) == 1 {
		return value, true
	}

	nested, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupMap(nested, parts[1:])
}
