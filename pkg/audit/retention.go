package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig tunes the pruning schedule.
type RetentionConfig struct {
	// Schedule is a cron expression for when pruning runs.
	// Default: "0 3 * * *" (daily at 03:00).
	Schedule string `yaml:"schedule"`

	// Keep is how long events are retained. Default: 90 days.
	Keep time.Duration `yaml:"keep"`
}

func (c *RetentionConfig) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.Keep <= 0 {
		c.Keep = 90 * 24 * time.Hour
	}
}

// Retention prunes old events from a log on a cron schedule.
type Retention struct {
	log    Log
	cfg    RetentionConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRetention creates a retention job over the given log. Call Start to
// begin the schedule.
func NewRetention(log Log, cfg RetentionConfig, logger *slog.Logger) (*Retention, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "audit.retention")
	}

	r := &Retention{
		log:    log,
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := r.cron.AddFunc(cfg.Schedule, r.runOnce); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return r, nil
}

// Start begins the pruning schedule.
func (r *Retention) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running prune to finish.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce prunes immediately, outside the schedule.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.cfg.Keep)
	return r.log.Prune(ctx, cutoff)
}

func (r *Retention) runOnce() {
	removed, err := r.RunOnce(context.Background())
	if err != nil {
		r.logger.Error("audit retention prune failed", "error", err)
		return
	}
	r.logger.Info("audit retention prune complete", "removed", removed, "keep", r.cfg.Keep)
}
