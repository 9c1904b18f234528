package limits

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/limits/ratelimit"
	"github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
	"github.com/gatehouse-hq/gatehouse/pkg/policy"
)

// Service evaluates all rate limit configs applicable to a resource and
// returns the most restrictive outcome.
//
// # Example
//
//	svc, err := limits.NewService(store, configs, logger)
//	decision, err := svc.Consume(ctx, evalCtx, 1)
//	if !decision.Allowed {
//	    // Reject with decision.RetryAfter
//	}
type Service struct {
	store    storage.Store
	configs  map[string][]*Config // resource -> configs
	limiters map[string]ratelimit.Limiter
	logger   *slog.Logger

	// overrides maps clientID+"\x00"+resource to a limit override.
	overrides map[string]*Override
	mu        sync.RWMutex

	// consumeLocks stripes check-and-record by counter key, so concurrent
	// requests that share a counter (global-scope configs count all
	// clients against one key) cannot both observe the last slot free.
	consumeLocks [64]sync.Mutex

	now func() time.Time
}

// NewService creates a rate limit service from the given configs.
// Configs are validated; a limiter is built per config up front.
func NewService(store storage.Store, configs []*Config, logger *slog.Logger) (*Service, error) {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default().With("component", "limits")
	}

	s := &Service{
		store:     store,
		configs:   make(map[string][]*Config),
		limiters:  make(map[string]ratelimit.Limiter),
		overrides: make(map[string]*Override),
		logger:    logger,
		now:       time.Now,
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.limiters[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate rate limit config id %q", cfg.ID)
		}

		limiter, err := s.buildLimiter(cfg)
		if err != nil {
			return nil, err
		}

		s.configs[cfg.Resource] = append(s.configs[cfg.Resource], cfg)
		s.limiters[cfg.ID] = limiter
	}

	return s, nil
}

// buildLimiter constructs the algorithm backing one config.
func (s *Service) buildLimiter(cfg *Config) (ratelimit.Limiter, error) {
	switch cfg.Window.Kind {
	case WindowSliding:
		return ratelimit.NewSlidingWindow(s.store, cfg.Window.Duration), nil
	case WindowFixed:
		loc := time.UTC
		if cfg.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(cfg.Timezone)
			if err != nil {
				return nil, fmt.Errorf("config %q: invalid timezone %q: %w", cfg.ID, cfg.Timezone, err)
			}
		}
		return ratelimit.NewFixedWindow(s.store, cfg.Window.Anchor, loc)
	case WindowTokenBucket:
		return ratelimit.NewTokenBucket(s.store, cfg.Window.RefillRate, cfg.Window.RefillInterval), nil
	default:
		return nil, fmt.Errorf("config %q: unknown window kind %q", cfg.ID, cfg.Window.Kind)
	}
}

// Check reports whether cost units fit under every applicable config for
// the context's resource. It never mutates counters.
func (s *Service) Check(ctx context.Context, ec *policy.EvaluationContext, cost int64) (*Decision, error) {
	configs := s.configs[ec.Resource]
	if len(configs) == 0 {
		// No limit means no restriction.
		return &Decision{Allowed: true, Limited: false}, nil
	}

	return s.checkConfigs(ctx, ec, configs, cost)
}

// Consume checks every applicable config and, only on an overall allow,
// records cost against each of them. A denied request never mutates
// counters, so partially-recorded state cannot occur.
func (s *Service) Consume(ctx context.Context, ec *policy.EvaluationContext, cost int64) (*Decision, error) {
	configs := s.configs[ec.Resource]
	if len(configs) == 0 {
		return &Decision{Allowed: true, Limited: false}, nil
	}

	keys := make([]string, len(configs))
	for i, cfg := range configs {
		keys[i] = s.key(cfg, ec)
	}
	unlock := s.lockKeys(keys)
	defer unlock()

	decision, err := s.checkConfigs(ctx, ec, configs, cost)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return decision, nil
	}

	for _, cfg := range configs {
		limit := s.capacity(cfg, ec.ClientID)
		if err := s.limiters[cfg.ID].Record(ctx, s.key(cfg, ec), limit, cost); err != nil {
			return nil, fmt.Errorf("recording against config %q: %w", cfg.ID, err)
		}
	}
	decision.Remaining -= cost
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// checkConfigs evaluates each config and folds the results into the most
// restrictive decision.
func (s *Service) checkConfigs(ctx context.Context, ec *policy.EvaluationContext, configs []*Config, cost int64) (*Decision, error) {
	decision := &Decision{Allowed: true, Limited: true, Remaining: -1}
	var deniedReset time.Time

	for _, cfg := range configs {
		limit := s.capacity(cfg, ec.ClientID)

		result, err := s.limiters[cfg.ID].Check(ctx, s.key(cfg, ec), limit, cost)
		if err != nil {
			return nil, fmt.Errorf("checking config %q: %w", cfg.ID, err)
		}

		if decision.Remaining < 0 || result.Remaining < decision.Remaining {
			decision.Remaining = result.Remaining
		}
		if decision.ResetAt.IsZero() || result.ResetAt.Before(decision.ResetAt) {
			decision.ResetAt = result.ResetAt
		}

		if cfg.SoftLimit > 0 && result.Current >= cfg.SoftLimit {
			s.logger.Warn("soft limit reached",
				"config_id", cfg.ID,
				"resource", cfg.Resource,
				"client_id", ec.ClientID,
				"current", result.Current,
				"soft_limit", cfg.SoftLimit,
			)
		}

		if !result.Allowed {
			decision.Allowed = false
			decision.DeniedBy = append(decision.DeniedBy, cfg.ID)
			if deniedReset.IsZero() || result.ResetAt.Before(deniedReset) {
				deniedReset = result.ResetAt
			}
			if decision.Reason == "" {
				decision.Reason = fmt.Sprintf("rate limit %q exceeded for resource %q", cfg.ID, cfg.Resource)
			}
		}
	}

	if !decision.Allowed {
		decision.ResetAt = deniedReset
		decision.RetryAfter = deniedReset.Sub(s.now())
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	return decision, nil
}

// SetOverride installs a per-client limit override for a resource.
func (s *Service) SetOverride(ov *Override) error {
	if ov == nil || ov.ClientID == "" || ov.Resource == "" {
		return fmt.Errorf("%w: client id and resource are required", ErrInvalidOverride)
	}
	if ov.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidOverride, ov.Limit)
	}
	if len(s.configs[ov.Resource]) == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownResource, ov.Resource)
	}

	s.mu.Lock()
	s.overrides[overrideKey(ov.ClientID, ov.Resource)] = ov
	s.mu.Unlock()

	s.logger.Info("rate limit override set",
		"client_id", ov.ClientID,
		"resource", ov.Resource,
		"limit", ov.Limit,
		"expires_at", ov.ExpiresAt,
	)
	return nil
}

// RemoveOverride drops a per-client override, if present.
func (s *Service) RemoveOverride(clientID, resource string) {
	s.mu.Lock()
	delete(s.overrides, overrideKey(clientID, resource))
	s.mu.Unlock()
}

// ResetUsage clears recorded usage for a client. When resource is empty,
// usage under every configured resource is cleared.
func (s *Service) ResetUsage(ctx context.Context, clientID, resource string) error {
	resources := []string{resource}
	if resource == "" {
		resources = resources[:0]
		for r := range s.configs {
			resources = append(resources, r)
		}
	} else if len(s.configs[resource]) == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}

	for _, r := range resources {
		for _, cfg := range s.configs[r] {
			prefix := s.keyPrefix(cfg, clientID)
			if _, err := s.store.DeletePrefix(ctx, prefix); err != nil {
				return fmt.Errorf("resetting config %q: %w", cfg.ID, err)
			}
		}
	}
	return nil
}

// GetUsage reports current consumption for a client. When resource is
// empty, every configured resource is reported.
func (s *Service) GetUsage(ctx context.Context, ec *policy.EvaluationContext, resource string) ([]*Usage, error) {
	var configs []*Config
	if resource == "" {
		for _, cfgs := range s.configs {
			configs = append(configs, cfgs...)
		}
	} else {
		configs = s.configs[resource]
		if len(configs) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
		}
	}

	usages := make([]*Usage, 0, len(configs))
	for _, cfg := range configs {
		limit := s.capacity(cfg, ec.ClientID)
		result, err := s.limiters[cfg.ID].Check(ctx, s.key(cfg, ec), limit, 0)
		if err != nil {
			return nil, fmt.Errorf("reading usage for config %q: %w", cfg.ID, err)
		}
		usages = append(usages, &Usage{
			ConfigID:  cfg.ID,
			Resource:  cfg.Resource,
			Category:  cfg.Category,
			Limit:     limit,
			Current:   result.Current,
			Remaining: result.Remaining,
			ResetAt:   result.ResetAt,
		})
	}
	return usages, nil
}

// Configured reports whether any config applies to the resource.
func (s *Service) Configured(resource string) bool {
	return len(s.configs[resource]) > 0
}

// effectiveLimit returns the override limit when present and unexpired,
// else the config default.
func (s *Service) effectiveLimit(cfg *Config, clientID string) int64 {
	s.mu.RLock()
	ov, ok := s.overrides[overrideKey(clientID, cfg.Resource)]
	s.mu.RUnlock()

	if !ok {
		return cfg.Limit
	}
	if !ov.ExpiresAt.IsZero() && !ov.ExpiresAt.After(s.now()) {
		return cfg.Limit
	}
	return ov.Limit
}

// capacity is the limit a config's counter is checked against: the
// effective limit, capped at the burst limit for token buckets so a
// full bucket never holds more than one burst's worth of tokens.
func (s *Service) capacity(cfg *Config, clientID string) int64 {
	limit := s.effectiveLimit(cfg, clientID)
	if cfg.Window.Kind == WindowTokenBucket && cfg.BurstLimit > 0 && cfg.BurstLimit < limit {
		return cfg.BurstLimit
	}
	return limit
}

// key derives the counter key for a config and context from the config's
// scope.
func (s *Service) key(cfg *Config, ec *policy.EvaluationContext) string {
	switch cfg.Scope {
	case ScopeClient:
		return fmt.Sprintf("rl:%s:c:%s", cfg.ID, ec.ClientID)
	case ScopeAccount:
		return fmt.Sprintf("rl:%s:c:%s:a:%s", cfg.ID, ec.ClientID, ec.AccountID)
	case ScopeUser:
		return fmt.Sprintf("rl:%s:c:%s:u:%s", cfg.ID, ec.ClientID, ec.ActorID)
	default:
		return fmt.Sprintf("rl:%s", cfg.ID)
	}
}

// keyPrefix derives the key prefix covering all of a client's counters
// under one config. Global-scope configs share one counter, so the prefix
// is the bare config key.
func (s *Service) keyPrefix(cfg *Config, clientID string) string {
	if cfg.Scope == ScopeGlobal {
		return fmt.Sprintf("rl:%s", cfg.ID)
	}
	return fmt.Sprintf("rl:%s:c:%s", cfg.ID, clientID)
}

// lockKeys acquires the stripes covering the given counter keys and
// returns the matching unlock. Stripes are taken in ascending index
// order and never twice, so overlapping consumes serialize without
// deadlocking.
func (s *Service) lockKeys(keys []string) func() {
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		h := fnv.New32a()
		h.Write([]byte(key))
		indexes = append(indexes, int(h.Sum32()%uint32(len(s.consumeLocks))))
	}
	sort.Ints(indexes)

	held := indexes[:0]
	for _, idx := range indexes {
		if len(held) > 0 && held[len(held)-1] == idx {
			continue
		}
		s.consumeLocks[idx].Lock()
		held = append(held, idx)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.consumeLocks[held[i]].Unlock()
		}
	}
}

// overrideKey builds the override map key.
func overrideKey(clientID, resource string) string {
	return clientID + "\x00" + resource
}
