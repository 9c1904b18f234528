package audit

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds the in-memory log.
const DefaultMemoryCapacity = 10000

// MemoryLog keeps recent events in memory. When the capacity is reached
// the oldest events fall off.
type MemoryLog struct {
	mu       sync.RWMutex
	events   []*Event
	capacity int
}

// NewMemoryLog creates a bounded in-memory log. A capacity of zero selects
// DefaultMemoryCapacity.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLog{capacity: capacity}
}

func (l *MemoryLog) Emit(_ context.Context, ev *Event) error {
	cp := *ev

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, &cp)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
	return nil
}

func (l *MemoryLog) Query(_ context.Context, q Query) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Event
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if q.ClientID != "" && ev.ClientID != q.ClientID {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && ev.At.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ev.At.After(q.Until) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.events[:0]
	var removed int64
	for _, ev := range l.events {
		if ev.At.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	l.events = kept
	return removed, nil
}

func (l *MemoryLog) Close() error { return nil }
