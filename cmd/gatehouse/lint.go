package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gatehouse-hq/gatehouse/pkg/cli"
	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

var lintFlags struct {
	file   string
	dir    string
	strict bool
	format string
}

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate rule files",
	Long: `Validate gatehouse rule files for structural and authoring errors.

The lint command parses rule files and performs comprehensive validation:
  - YAML syntax and condition tag validation
  - Rule structure validation (effects, operators, patterns)
  - Duplicate rule id detection
  - Priority-tie detection: same-priority rules with different effects
    whose patterns can match the same request

Examples:
  # Lint single file
  gatehouse lint --file rules.yaml

  # Lint directory
  gatehouse lint --dir rules/

  # Strict mode (warnings as errors)
  gatehouse lint --file rules.yaml --strict

  # JSON output for CI/CD
  gatehouse lint --file rules.yaml --format json`,
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringVarP(&lintFlags.file, "file", "f", "", "rule file to validate")
	lintCmd.Flags().StringVarP(&lintFlags.dir, "dir", "d", "", "directory of rule files")
	lintCmd.Flags().BoolVar(&lintFlags.strict, "strict", false, "treat warnings as errors")
	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text, json")
}

func lintRules(cmd *cobra.Command, args []string) error {
	if lintFlags.file == "" && lintFlags.dir == "" {
		return fmt.Errorf("either --file or --dir must be specified")
	}

	var files []string
	if lintFlags.file != "" {
		files = append(files, lintFlags.file)
	}
	if lintFlags.dir != "" {
		for _, glob := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(lintFlags.dir, glob))
			if err != nil {
				return fmt.Errorf("failed to list rule files: %w", err)
			}
			files = append(files, matches...)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no rule files found")
	}

	results := make([]LintResult, 0, len(files))
	failed := false
	for _, file := range files {
		result := lintRuleFile(file)
		results = append(results, result)
		if !result.Valid {
			failed = true
		}
		for _, issue := range result.Issues {
			if lintFlags.strict && issue.Severity == rule.SeverityWarning {
				failed = true
			}
		}
	}

	formatter := cli.NewFormatter(cli.OutputFormat(lintFlags.format))
	if lintFlags.format == "json" {
		if err := formatter.FormatTo(os.Stdout, results); err != nil {
			return err
		}
	} else {
		printLintResults(results)
	}

	if failed {
		return cli.NewCommandError("lint", fmt.Errorf("validation failures"))
	}
	return nil
}

// LintResult represents the findings for a single rule file.
type LintResult struct {
	File   string       `json:"file"`
	Valid  bool         `json:"valid"`
	Issues []rule.Issue `json:"issues,omitempty"`
}

func lintRuleFile(path string) LintResult {
	result := LintResult{File: path, Valid: true}

	data, err := os.ReadFile(path)
	if err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, rule.Issue{
			Severity: rule.SeverityError,
			Message:  fmt.Sprintf("failed to read file: %v", err),
		})
		return result
	}

	var doc struct {
		Rules []*rule.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.Valid = false
		result.Issues = append(result.Issues, rule.Issue{
			Severity: rule.SeverityError,
			Message:  fmt.Sprintf("failed to parse YAML: %v", err),
		})
		return result
	}

	result.Issues = rule.Lint(doc.Rules)
	for _, issue := range result.Issues {
		if issue.Severity == rule.SeverityError {
			result.Valid = false
		}
	}
	return result
}

func printLintResults(results []LintResult) {
	errors := 0
	warnings := 0
	for _, result := range results {
		if len(result.Issues) == 0 {
			fmt.Printf("✓ %s\n", result.File)
			continue
		}
		fmt.Printf("✗ %s\n", result.File)
		for _, issue := range result.Issues {
			switch issue.Severity {
			case rule.SeverityError:
				errors++
			case rule.SeverityWarning:
				warnings++
			}
			if issue.RuleID != "" {
				fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.RuleID, issue.Message)
			} else {
				fmt.Printf("  [%s] %s\n", issue.Severity, issue.Message)
			}
		}
	}

	fmt.Println()
	fmt.Printf("Summary: %d files, %d errors, %d warnings\n", len(results), errors, warnings)
}
