package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MonitorConfig tunes the auto-trip monitor.
type MonitorConfig struct {
	// Window is how far back outcomes count toward the failure rate.
	// Default: 60s.
	Window time.Duration `yaml:"window"`

	// SweepInterval is how often the monitor evaluates thresholds.
	// Default: 10s.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Cooldown suppresses repeat trips of the same target after one fires.
	// Default: 5m.
	Cooldown time.Duration `yaml:"cooldown"`

	// Threshold is the default failure fraction that trips a target.
	// A switch's own AutoTrip config takes precedence. Default: 0.5.
	Threshold float64 `yaml:"threshold"`

	// MinSamples is the default minimum outcome count before the threshold
	// is considered. Default: 10.
	MinSamples int `yaml:"min_samples"`
}

func (c *MonitorConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
}

// sampleKey identifies one monitored target.
type sampleKey struct {
	targetType  TargetType
	targetValue string
	clientID    string
}

type sample struct {
	at     time.Time
	failed bool
}

// Monitor watches action outcomes and activates switches when a target's
// failure rate crosses its threshold.
//
// Outcomes are grouped per (target, client). Each sweep purges samples
// outside the window, computes the failure rate, and on breach activates
// the matching switch, creating one if none exists. A tripped target enters
// a cooldown during which it is not re-evaluated.
type Monitor struct {
	checker *Checker
	cfg     MonitorConfig
	logger  *slog.Logger

	mu            sync.Mutex
	samples       map[sampleKey][]sample
	cooldownUntil map[sampleKey]time.Time

	done chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// NewMonitor creates a monitor over the given checker. Call Start to begin
// sweeping.
func NewMonitor(checker *Checker, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "killswitch.monitor")
	}
	return &Monitor{
		checker:       checker,
		cfg:           cfg,
		logger:        logger,
		samples:       make(map[sampleKey][]sample),
		cooldownUntil: make(map[sampleKey]time.Time),
		done:          make(chan struct{}),
		now:           time.Now,
	}
}

// RecordOutcome ingests one action outcome for a target. An empty clientID
// attributes the outcome globally.
func (m *Monitor) RecordOutcome(targetType TargetType, targetValue, clientID string, success bool) {
	key := sampleKey{targetType: targetType, targetValue: targetValue, clientID: clientID}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.pruneLocked(key, now)
	m.samples[key] = append(ss, sample{at: now, failed: !success})
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(context.Background())
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Sweep evaluates every monitored target once. Exposed for tests and for
// callers that drive their own schedule.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	type breach struct {
		key      sampleKey
		total    int
		failures int
	}
	var breaches []breach

	m.mu.Lock()
	for key := range m.samples {
		ss := m.pruneLocked(key, now)
		if len(ss) == 0 {
			delete(m.samples, key)
			continue
		}
		m.samples[key] = ss

		if until, cooling := m.cooldownUntil[key]; cooling {
			if now.Before(until) {
				continue
			}
			delete(m.cooldownUntil, key)
		}

		failures := 0
		for _, s := range ss {
			if s.failed {
				failures++
			}
		}
		breaches = append(breaches, breach{key: key, total: len(ss), failures: failures})
	}
	m.mu.Unlock()

	for _, b := range breaches {
		sw, err := m.lookupSwitch(ctx, b.key)
		if err != nil {
			m.logger.Error("auto-trip switch lookup failed", "error", err)
			continue
		}

		threshold, minSamples := m.cfg.Threshold, m.cfg.MinSamples
		if sw != nil && sw.AutoTrip != nil {
			threshold, minSamples = sw.AutoTrip.Threshold, sw.AutoTrip.MinSamples
		}

		rate := float64(b.failures) / float64(b.total)
		if b.total < minSamples || rate < threshold {
			continue
		}

		if err := m.trip(ctx, b.key, sw, rate, b.total); err != nil {
			m.logger.Error("auto-trip activation failed",
				"target_type", b.key.targetType,
				"target_value", b.key.targetValue,
				"client_id", b.key.clientID,
				"error", err,
			)
			continue
		}

		m.mu.Lock()
		m.cooldownUntil[b.key] = now.Add(m.cfg.Cooldown)
		delete(m.samples, b.key)
		m.mu.Unlock()
	}
}

// trip activates the switch for a breached target, creating it first when
// none exists.
func (m *Monitor) trip(ctx context.Context, key sampleKey, sw *Switch, rate float64, total int) error {
	if sw == nil {
		scope := ScopeGlobal
		if key.clientID != "" {
			scope = ScopeClient
		}
		created, err := m.checker.Create(ctx, &Switch{
			Scope:       scope,
			TargetType:  key.targetType,
			TargetValue: key.targetValue,
			ClientID:    key.clientID,
		}, "system:auto-trip")
		if err != nil {
			return err
		}
		sw = created
	}

	reason := fmt.Sprintf("auto-trip: %.0f%% failure rate over %d outcomes in %s",
		rate*100, total, m.cfg.Window)
	_, _, err := m.checker.Activate(ctx, sw.ID, "system:auto-trip", reason)
	return err
}

// lookupSwitch finds the switch matching a sample key, active or not.
func (m *Monitor) lookupSwitch(ctx context.Context, key sampleKey) (*Switch, error) {
	scope := ScopeGlobal
	if key.clientID != "" {
		scope = ScopeClient
	}
	switches, err := m.checker.List(ctx, Filter{
		Scope:       scope,
		ClientID:    key.clientID,
		TargetType:  key.targetType,
		TargetValue: key.targetValue,
	})
	if err != nil {
		return nil, err
	}
	if len(switches) == 0 {
		return nil, nil
	}
	return switches[0], nil
}

// pruneLocked drops samples older than the window. Callers hold m.mu.
func (m *Monitor) pruneLocked(key sampleKey, now time.Time) []sample {
	ss := m.samples[key]
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(ss) && !ss[i].at.After(cutoff) {
		i++
	}
	return ss[i:]
}
