package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

const (
	// DefaultCacheTTL is how long the checker serves a snapshot of active
	// switches before reloading from the store.
	DefaultCacheTTL = 60 * time.Second

	// minReasonLength is the shortest acceptable human-supplied reason.
	minReasonLength = 10

	// systemActorPrefix marks automated actors, which are exempt from the
	// reason length requirement.
	systemActorPrefix = "system:"
)

// Checker resolves evaluation contexts against the switch hierarchy.
//
// Lookups go through a snapshot of all active switches, rebuilt from the
// store at most once per TTL. Activation and deactivation drop the snapshot
// immediately, so admin changes are visible on the next check.
type Checker struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	snapshot  atomic.Pointer[switchIndex]
	refreshMu sync.Mutex

	now func() time.Time
}

// switchIndex maps derived lookup keys to active switches.
type switchIndex struct {
	byKey    map[string]*Switch
	loadedAt time.Time
}

// NewChecker creates a checker over the given store. A ttl of zero selects
// DefaultCacheTTL.
func NewChecker(store Store, ttl time.Duration, logger *slog.Logger) *Checker {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default().With("component", "killswitch")
	}
	return &Checker{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// IsTripped reports whether any active switch halts the given context.
//
// The hierarchy is probed broadest first: global-all, client-all,
// global-platform, client-platform, global-action, client-action. The first
// match wins.
func (c *Checker) IsTripped(ctx context.Context, ec *policy.EvaluationContext) (*TripResult, error) {
	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range contextKeys(ec) {
		if sw, ok := idx.byKey[key]; ok {
			return &TripResult{Tripped: true, Switch: sw}, nil
		}
	}
	return &TripResult{}, nil
}

// Create registers a new, inactive switch and records its creation.
func (c *Checker) Create(ctx context.Context, sw *Switch, actor string) (*Switch, error) {
	if err := sw.Validate(); err != nil {
		return nil, err
	}

	cp := *sw
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	// Switches start disabled regardless of what the caller set.
	cp.Active = false
	cp.CreatedAt = c.now()
	cp.UpdatedAt = cp.CreatedAt

	if err := c.store.Create(ctx, &cp); err != nil {
		return nil, err
	}
	if err := c.appendHistory(ctx, cp.ID, HistoryCreated, actor, ""); err != nil {
		return nil, err
	}

	c.logger.Info("kill switch created",
		"switch_id", cp.ID,
		"scope", cp.Scope,
		"target_type", cp.TargetType,
		"target_value", cp.TargetValue,
		"client_id", cp.ClientID,
	)
	return &cp, nil
}

// Activate turns a switch on. Activating an already-active switch is a
// no-op that records no history; the second return value reports whether
// the state actually changed. Human actors must supply a reason of at
// least ten characters; actors prefixed "system:" are exempt.
func (c *Checker) Activate(ctx context.Context, id, actor, reason string) (*Switch, bool, error) {
	if err := validateReason(actor, reason); err != nil {
		return nil, false, err
	}

	sw, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if sw.Active {
		return sw, false, nil
	}

	sw.Active = true
	sw.Reason = reason
	sw.ActivatedBy = actor
	sw.ActivatedAt = c.now()
	sw.UpdatedAt = sw.ActivatedAt

	if err := c.store.Update(ctx, sw); err != nil {
		return nil, false, err
	}
	if err := c.appendHistory(ctx, sw.ID, HistoryActivated, actor, reason); err != nil {
		return nil, false, err
	}
	c.Invalidate()

	c.logger.Warn("kill switch activated",
		"switch_id", sw.ID,
		"scope", sw.Scope,
		"target_type", sw.TargetType,
		"target_value", sw.TargetValue,
		"client_id", sw.ClientID,
		"actor", actor,
		"reason", reason,
	)
	return sw, true, nil
}

// Deactivate turns a switch off. Deactivating an already-inactive switch
// is a no-op that records no history; the second return value reports
// whether the state actually changed.
func (c *Checker) Deactivate(ctx context.Context, id, actor, reason string) (*Switch, bool, error) {
	if err := validateReason(actor, reason); err != nil {
		return nil, false, err
	}

	sw, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !sw.Active {
		return sw, false, nil
	}

	sw.Active = false
	sw.UpdatedAt = c.now()

	if err := c.store.Update(ctx, sw); err != nil {
		return nil, false, err
	}
	if err := c.appendHistory(ctx, sw.ID, HistoryDeactivated, actor, reason); err != nil {
		return nil, false, err
	}
	c.Invalidate()

	c.logger.Info("kill switch deactivated",
		"switch_id", sw.ID,
		"actor", actor,
		"reason", reason,
	)
	return sw, true, nil
}

// Get returns one switch by id.
func (c *Checker) Get(ctx context.Context, id string) (*Switch, error) {
	return c.store.Get(ctx, id)
}

// List returns switches matching the filter.
func (c *Checker) List(ctx context.Context, f Filter) ([]*Switch, error) {
	return c.store.List(ctx, f)
}

// History returns a switch's lifecycle records, oldest first.
func (c *Checker) History(ctx context.Context, id string) ([]*HistoryRecord, error) {
	return c.store.History(ctx, id)
}

// Invalidate drops the cached snapshot so the next check reloads from the
// store.
func (c *Checker) Invalidate() {
	c.snapshot.Store(nil)
}

// index returns a fresh-enough snapshot, rebuilding it when stale.
func (c *Checker) index(ctx context.Context) (*switchIndex, error) {
	if idx := c.snapshot.Load(); idx != nil && c.now().Sub(idx.loadedAt) < c.ttl {
		return idx, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if idx := c.snapshot.Load(); idx != nil && c.now().Sub(idx.loadedAt) < c.ttl {
		return idx, nil
	}

	active, err := c.store.List(ctx, Filter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("loading active kill switches: %w", err)
	}

	idx := &switchIndex{
		byKey:    make(map[string]*Switch, len(active)),
		loadedAt: c.now(),
	}
	for _, sw := range active {
		idx.byKey[switchKey(sw)] = sw
	}
	c.snapshot.Store(idx)
	return idx, nil
}

func (c *Checker) appendHistory(ctx context.Context, switchID string, action HistoryAction, actor, reason string) error {
	return c.store.AppendHistory(ctx, &HistoryRecord{
		ID:       uuid.NewString(),
		SwitchID: switchID,
		Action:   action,
		Actor:    actor,
		Reason:   reason,
		At:       c.now(),
	})
}

// validateReason enforces the minimum reason length for human actors.
func validateReason(actor, reason string) error {
	if strings.HasPrefix(actor, systemActorPrefix) {
		return nil
	}
	if len(strings.TrimSpace(reason)) < minReasonLength {
		return fmt.Errorf("%w: need at least %d characters", ErrReasonTooShort, minReasonLength)
	}
	return nil
}

// switchKey derives the lookup key a switch occupies in the snapshot.
func switchKey(sw *Switch) string {
	breadth := "global"
	if sw.Scope == ScopeClient {
		breadth = "client:" + sw.ClientID
	}
	switch sw.TargetType {
	case TargetPlatform:
		return fmt.Sprintf("ks:%s:platform:%s", breadth, sw.TargetValue)
	case TargetAction:
		return fmt.Sprintf("ks:%s:action:%s:%s", breadth, sw.TargetValue, sw.Platform)
	default:
		return fmt.Sprintf("ks:%s:all", breadth)
	}
}

// contextKeys lists the lookup keys a context can match, broadest first.
// Action keys are probed both platform-agnostic and platform-qualified.
func contextKeys(ec *policy.EvaluationContext) []string {
	keys := []string{
		"ks:global:all",
		fmt.Sprintf("ks:client:%s:all", ec.ClientID),
	}
	if ec.Platform != "" {
		keys = append(keys,
			fmt.Sprintf("ks:global:platform:%s", ec.Platform),
			fmt.Sprintf("ks:client:%s:platform:%s", ec.ClientID, ec.Platform),
		)
	}
	keys = append(keys, fmt.Sprintf("ks:global:action:%s:", ec.Action))
	if ec.Platform != "" {
		keys = append(keys, fmt.Sprintf("ks:global:action:%s:%s", ec.Action, ec.Platform))
	}
	keys = append(keys, fmt.Sprintf("ks:client:%s:action:%s:", ec.ClientID, ec.Action))
	if ec.Platform != "" {
		keys = append(keys, fmt.Sprintf("ks:client:%s:action:%s:%s", ec.ClientID, ec.Action, ec.Platform))
	}
	return keys
}
