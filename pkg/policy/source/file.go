package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gatehouse-hq/gatehouse/pkg/policy/rule"
)

// ruleFile is the on-disk document shape.
type ruleFile struct {
	Rules []*rule.Rule `yaml:"rules"`
}

// Load parses and validates a rules file. Any invalid rule fails the whole
// load.
func Load(path string) ([]*rule.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	for _, r := range doc.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return doc.Rules, nil
}

// FileSource serves rules from one YAML file.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []*rule.Rule
}

// NewFileSource loads the file once and returns a source over it.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default().With("component", "rules.source")
	}
	s := &FileSource{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileSource) Path() string { return s.path }

// Reload re-reads the file. On failure the previously loaded rules stay in
// effect.
func (s *FileSource) Reload() error {
	rules, err := Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	s.logger.Info("rules loaded", "path", s.path, "count", len(rules))
	return nil
}

// Rules returns global rules plus those scoped to clientID.
func (s *FileSource) Rules(_ context.Context, clientID string) ([]*rule.Rule, error) {
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

// All returns every loaded rule, for linting and inspection.
func (s *FileSource) All() []*rule.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*rule.Rule(nil), s.rules...)
}
