package killswitch

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Filter narrows a List call. Zero-valued fields match everything.
type Filter struct {
	Scope       Scope
	ClientID    string
	TargetType  TargetType
	TargetValue string
	ActiveOnly  bool
}

// Store persists switches and their history.
type Store interface {
	// Create inserts a new switch. Returns ErrDuplicate when a switch with
	// the same coordinates exists.
	Create(ctx context.Context, sw *Switch) error

	// Get returns the switch with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Switch, error)

	// Update replaces the stored switch, or returns ErrNotFound.
	Update(ctx context.Context, sw *Switch) error

	// List returns switches matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Switch, error)

	// AppendHistory records a lifecycle change.
	AppendHistory(ctx context.Context, rec *HistoryRecord) error

	// History returns a switch's records, oldest first.
	History(ctx context.Context, switchID string) ([]*HistoryRecord, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-process
// deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	switches   map[string]*Switch // id -> switch
	identities map[string]string  // identity -> id
	history    map[string][]*HistoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		switches:   make(map[string]*Switch),
		identities: make(map[string]string),
		history:    make(map[string][]*HistoryRecord),
	}
}

func (m *MemoryStore) Create(_ context.Context, sw *Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity := sw.Identity()
	if _, exists := m.identities[identity]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, identity)
	}

	cp := *sw
	m.switches[sw.ID] = &cp
	m.identities[identity] = sw.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sw, ok := m.switches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *sw
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, sw *Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.switches[sw.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sw.ID)
	}
	cp := *sw
	m.switches[sw.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Switch
	for _, sw := range m.switches {
		if f.Scope != "" && sw.Scope != f.Scope {
			continue
		}
		if f.ClientID != "" && sw.ClientID != f.ClientID {
			continue
		}
		if f.TargetType != "" && sw.TargetType != f.TargetType {
			continue
		}
		if f.TargetValue != "" && sw.TargetValue != f.TargetValue {
			continue
		}
		if f.ActiveOnly && !sw.Active {
			continue
		}
		cp := *sw
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, rec *HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.history[rec.SwitchID] = append(m.history[rec.SwitchID], &cp)
	return nil
}

func (m *MemoryStore) History(_ context.Context, switchID string) ([]*HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.history[switchID]
	out := make([]*HistoryRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
