package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

// DefaultRuleCacheTTL is how long a client's merged rule set is served
// before reloading from the source.
const DefaultRuleCacheTTL = 60 * time.Second

// RuleSource supplies the rules applicable to one client: global rules
// plus the client's own.
type RuleSource interface {
	Rules(ctx context.Context, clientID string) ([]*rule.Rule, error)
}

// StaticSource serves a fixed rule set, filtering per client.
type StaticSource struct {
	mu    sync.RWMutex
	rules []*rule.Rule
}

// NewStaticSource creates a source over the given rules.
func NewStaticSource(rules []*rule.Rule) *StaticSource {
	return &StaticSource{rules: rules}
}

// Replace swaps the full rule set.
func (s *StaticSource) Replace(rules []*rule.Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Rules returns global rules plus those scoped to clientID.
func (s *StaticSource) Rules(_ context.Context, clientID string) ([]*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*rule.Rule
	for _, r := range s.rules {
		if r.ClientID == "" || r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out, nil
}

// cachedRules caches per-client rule sets with a TTL.
type cachedRules struct {
	source RuleSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*rulesEntry

	now func() time.Time
}

type rulesEntry struct {
	rules    []*rule.Rule
	loadedAt time.Time
}

func newCachedRules(source RuleSource, ttl time.Duration) *cachedRules {
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	return &cachedRules{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]*rulesEntry),
		now:     time.Now,
	}
}

func (c *cachedRules) Rules(ctx context.Context, clientID string) ([]*rule.Rule, error) {
	c.mu.RLock()
	entry, ok := c.entries[clientID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.rules, nil
	}

	rules, err := c.source.Rules(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("loading rules for client %q: %w", clientID, err)
	}

	c.mu.Lock()
	c.entries[clientID] = &rulesEntry{rules: rules, loadedAt: c.now()}
	c.mu.Unlock()
	return rules, nil
}

// invalidate drops one client's entry; an empty clientID drops them all.
func (c *cachedRules) invalidate(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clientID == "" {
		c.entries = make(map[string]*rulesEntry)
		return
	}
	delete(c.entries, clientID)
}
