package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatehouse-hq/gatehouse/pkg/approval"
	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/cli"
	"github.com/gatehouse-hq/gatehouse/pkg/config"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	limstorage "github.com/gatehouse-hq/gatehouse/pkg/limits/storage"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/engine"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/source"
	"github.com/gatehouse-hq/gatehouse/pkg/telemetry/logging"
	"github.com/gatehouse-hq/gatehouse/pkg/telemetry/metrics"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gatehouse engine",
	Long: `Start the gatehouse admission engine with the specified configuration.

The engine loads the rule set, watches it for changes, and keeps the
kill switch monitor, the metrics endpoint, and the audit retention
schedule running until shut down.

Examples:
  # Start with default config
  gatehouse run

  # Start with custom config
  gatehouse run --config /etc/gatehouse/config.yaml

  # Override the metrics listen address
  gatehouse run --listen 0.0.0.0:9090

  # Validate config without starting
  gatehouse run --dry-run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override metrics listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cli.NewConfigError("", err.Error())
	}

	// Apply flag overrides
	if runFlags.listenAddress != "" {
		cfg.Metrics.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return cli.NewConfigError("logging", err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	fmt.Printf("Gatehouse v%s\n", Version)
	fmt.Printf("Loading configuration from: %s\n", cfgFile)

	// Rule source
	src, err := source.NewFileSource(cfg.Rules.Path, logger.With("component", "rules.source"))
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to load rules: %w", err))
	}
	fmt.Printf("✓ Rules loaded (%d rules from %s)\n", len(src.All()), cfg.Rules.Path)

	// Rate limit storage
	var limStore limstorage.Store
	if cfg.Storage.LimitsPath != "" {
		limStore, err = limstorage.NewSQLiteStore(cfg.Storage.LimitsPath)
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to open limits store: %w", err))
		}
	} else {
		limStore = limstorage.NewMemoryStore()
	}
	defer limStore.Close()

	svc, err := limits.NewService(limStore, cfg.RateLimits, logger.With("component", "limits"))
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to build rate limits: %w", err))
	}
	fmt.Printf("✓ Rate limits initialized (%d configs)\n", len(cfg.RateLimits))

	// Audit log
	var auditLog audit.Log
	if cfg.Storage.AuditPath != "" {
		auditLog, err = audit.NewSQLiteLog(cfg.Storage.AuditPath)
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to open audit log: %w", err))
		}
	} else {
		auditLog = audit.NewMemoryLog(0)
	}
	defer auditLog.Close()

	if cfg.Audit.RetentionEnabled {
		retention, err := audit.NewRetention(auditLog, cfg.Audit.Retention, logger.With("component", "audit.retention"))
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		retention.Start()
		defer retention.Stop()
	}

	// Kill switches
	var ksStore killswitch.Store
	if cfg.Storage.SwitchesPath != "" {
		ksStore, err = killswitch.NewSQLiteStore(cfg.Storage.SwitchesPath)
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to open kill switch store: %w", err))
		}
	} else {
		ksStore = killswitch.NewMemoryStore()
	}
	defer ksStore.Close()

	checker := killswitch.NewChecker(ksStore, cfg.KillSwitch.CacheTTL, logger.With("component", "killswitch"))
	if cfg.KillSwitch.AutoTripEnabled {
		monitor := killswitch.NewMonitor(checker, cfg.KillSwitch.AutoTrip, logger.With("component", "killswitch.monitor"))
		monitor.Start()
		defer monitor.Stop()
		fmt.Println("✓ Auto-trip monitor started")
	}

	// Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace}, nil)
	}

	eng, err := engine.New(engine.Params{
		KillSwitch:   checker,
		Limits:       svc,
		Rules:        src,
		Approvals:    approval.NewMemoryGate(logger.With("component", "approval")),
		Audit:        auditLog,
		Metrics:      collector,
		Logger:       logger.With("component", "engine"),
		RuleCacheTTL: cfg.Rules.CacheTTL,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Println("✓ Engine initialized")

	// Rule file watcher
	if cfg.Rules.Watch {
		watcher, err := source.Watch(src, func() {
			eng.InvalidateCache("")
		}, logger.With("component", "rules.watcher"))
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to watch rules: %w", err))
		}
		defer watcher.Close()
		fmt.Println("✓ Watching rules for changes")
	}

	// Metrics endpoint
	errChan := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("starting metrics endpoint", "address", cfg.Metrics.ListenAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("metrics endpoint error: %w", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", cfg.Metrics.ListenAddress)
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := cli.WaitForShutdown()

	select {
	case err := <-errChan:
		return cli.NewCommandError("run", err)
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal %s, shutting down gracefully...\n", sig)

		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown failed", "error", err)
				return cli.NewCommandError("run", err)
			}
		}

		fmt.Println("✓ Engine stopped")
		return nil
	}
}
