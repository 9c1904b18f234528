package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gatehouse-hq/gatehouse/pkg/approval"
	"github.com/gatehouse-hq/gatehouse/pkg/audit"
	"github.com/gatehouse-hq/gatehouse/pkg/cli"
	"github.com/gatehouse-hq/gatehouse/pkg/killswitch"
	"github.com/gatehouse-hq/gatehouse/pkg/limits"
	"github.com/gatehouse-hq/gatehouse/pkg/policy"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/engine"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/source"
)

var checkFlags struct {
	rulesFile  string
	checksFile string
	format     string
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate contexts against a rule set",
	Long: `Evaluate action contexts from a fixture file against a rule set.

The check command loads a rules file and a fixture of evaluation
contexts, runs each context through the admission pipeline, and reports
the decisions. Contexts carrying an expectation turn the run into a
test: the command fails when any decision diverges.

Fixture Format (YAML):
  checks:
    - name: "agents cannot publish to meta"
      context:
        action: "post.publish"
        resource: "post"
        client_id: "client-1"
        actor_type: "agent"
        actor_id: "agent-7"
        platform: "meta"
      expect:
        effect: "deny"     # allow, deny, pending
        rule_id: "no-meta" # optional: expected winning rule

Examples:
  # Evaluate a fixture against a rule set
  gatehouse check --rules rules.yaml --checks checks.yaml

  # JSON output for CI/CD
  gatehouse check --rules rules.yaml --checks checks.yaml --format json`,
	RunE: runChecks,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkFlags.rulesFile, "rules", "r", "", "rules file to evaluate against")
	checkCmd.Flags().StringVarP(&checkFlags.checksFile, "checks", "t", "", "fixture file of contexts")
	checkCmd.Flags().StringVar(&checkFlags.format, "format", "text", "output format: text, json")

	if err := checkCmd.MarkFlagRequired("rules"); err != nil {
		panic(fmt.Sprintf("failed to mark rules flag as required: %v", err))
	}
	if err := checkCmd.MarkFlagRequired("checks"); err != nil {
		panic(fmt.Sprintf("failed to mark checks flag as required: %v", err))
	}
}

// CheckSuite is the fixture document.
type CheckSuite struct {
	Checks []CheckCase `yaml:"checks"`
}

// CheckCase is one context plus its optional expectation.
type CheckCase struct {
	Name    string            `yaml:"name"`
	Context ContextSpec       `yaml:"context"`
	Expect  *CheckExpectation `yaml:"expect,omitempty"`
}

// ContextSpec is the YAML shape of an evaluation context.
type ContextSpec struct {
	Action     string         `yaml:"action"`
	Resource   string         `yaml:"resource"`
	ClientID   string         `yaml:"client_id"`
	ActorType  string         `yaml:"actor_type"`
	ActorID    string         `yaml:"actor_id"`
	Platform   string         `yaml:"platform,omitempty"`
	AccountID  string         `yaml:"account_id,omitempty"`
	ResourceID string         `yaml:"resource_id,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

func (s *ContextSpec) evaluationContext() *policy.EvaluationContext {
	return &policy.EvaluationContext{
		Action:     s.Action,
		Resource:   s.Resource,
		ClientID:   s.ClientID,
		ActorType:  policy.ActorType(s.ActorType),
		ActorID:    s.ActorID,
		Platform:   s.Platform,
		AccountID:  s.AccountID,
		ResourceID: s.ResourceID,
		Attributes: s.Attributes,
	}
}

// CheckExpectation is the expected decision for one case.
type CheckExpectation struct {
	Effect policy.Effect `yaml:"effect"`
	RuleID string        `yaml:"rule_id,omitempty"`
}

// CheckResult is the outcome of one case.
type CheckResult struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Result   *engine.Result `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func runChecks(cmd *cobra.Command, args []string) error {
	suite, err := loadCheckSuite(checkFlags.checksFile)
	if err != nil {
		return cli.NewCommandError("check", fmt.Errorf("failed to load fixture: %w", err))
	}
	if len(suite.Checks) == 0 {
		return fmt.Errorf("no checks found in %s", checkFlags.checksFile)
	}

	eng, err := buildOfflineEngine(checkFlags.rulesFile)
	if err != nil {
		return cli.NewCommandError("check", err)
	}

	results := make([]CheckResult, 0, len(suite.Checks))
	passed := 0
	failed := 0
	for _, c := range suite.Checks {
		result := runCheckCase(eng, c)
		results = append(results, result)
		if result.Passed {
			passed++
		} else {
			failed++
		}
	}

	if checkFlags.format == "json" {
		if err := cli.NewFormatter(cli.FormatJSON).FormatTo(os.Stdout, results); err != nil {
			return err
		}
	} else {
		printCheckResults(results, passed, failed)
	}

	if failed > 0 {
		return cli.NewCommandError("check", fmt.Errorf("check failures"))
	}
	return nil
}

// buildOfflineEngine assembles a pipeline over in-memory stores, with no
// kill switches, rate limits, or approvers configured. Decisions then
// reflect the rule set alone.
func buildOfflineEngine(rulesFile string) (*engine.Engine, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Suppress logs while checking
	}))

	src, err := source.NewFileSource(rulesFile, logger)
	if err != nil {
		return nil, err
	}

	svc, err := limits.NewService(nil, nil, logger)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Params{
		KillSwitch: killswitch.NewChecker(killswitch.NewMemoryStore(), 0, logger),
		Limits:     svc,
		Rules:      src,
		Approvals:  approval.NewMemoryGate(logger),
		Audit:      audit.NewMemoryLog(len(src.All()) + 1024),
		Logger:     logger,
	})
}

func runCheckCase(eng *engine.Engine, c CheckCase) CheckResult {
	start := time.Now()

	result, err := eng.Evaluate(context.Background(), c.Context.evaluationContext())
	if err != nil {
		return CheckResult{
			Name:     c.Name,
			Passed:   false,
			Error:    err.Error(),
			Duration: time.Since(start),
		}
	}

	passed := true
	if c.Expect != nil {
		if result.Effect != c.Expect.Effect {
			passed = false
		}
		if c.Expect.RuleID != "" && result.RuleID != c.Expect.RuleID {
			passed = false
		}
	}

	return CheckResult{
		Name:     c.Name,
		Passed:   passed,
		Result:   result,
		Duration: time.Since(start),
	}
}

func printCheckResults(results []CheckResult, passed, failed int) {
	for _, r := range results {
		if r.Passed {
			fmt.Printf("✓ %s (%.1fms)\n", r.Name, r.Duration.Seconds()*1000)
			continue
		}
		fmt.Printf("✗ %s\n", r.Name)
		if r.Error != "" {
			fmt.Printf("  Error: %s\n", r.Error)
		} else if r.Result != nil {
			fmt.Printf("  Decision: effect=%s", r.Result.Effect)
			if r.Result.RuleID != "" {
				fmt.Printf(", rule=%s", r.Result.RuleID)
			}
			fmt.Printf(", reason=%q\n", r.Result.Reason)
		}
	}

	fmt.Println()
	fmt.Printf("Summary: %d checks run, %d passed, %d failed\n", passed+failed, passed, failed)
}

func loadCheckSuite(path string) (*CheckSuite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var suite CheckSuite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &suite, nil
}
