package steering

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Store holds the active steering rule set, persists it to a YAML file,
// and supports hot reload via file watching or an explicit Reload call.
// Readers get an immutable snapshot; writers replace and re-validate the
// whole set atomically.
type Store struct {
	path   string
	logger *logrus.Logger

	mu      sync.RWMutex
	current *RuleSet

	watcher *fsnotify.Watcher
}

// NewStore loads the rule set from path. A missing file yields an empty
// rule set named "default" that routes nothing until rules are created.
func NewStore(path string, logger *logrus.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.current = &RuleSet{Version: "1", Name: "default"}
		logger.WithField("path", path).Info("No steering rule file found, starting with empty rule set")
		return s, nil
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a snapshot of the active rule set.
func (s *Store) Get() *RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace validates rs, persists it, and swaps it in atomically.
func (s *Store) Replace(rs *RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("failed to marshal rule set: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist rule set: %w", err)
	}

	s.mu.Lock()
	s.current = rs.Clone()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"rule_set": rs.Name,
		"rules":    len(rs.Rules),
	}).Info("Steering rule set replaced")
	return nil
}

// CreateRule appends a rule to the active set.
func (s *Store) CreateRule(rule SteeringRule) error {
	rs := s.Get()
	if existing, _ := rs.FindRule(rule.ID); existing != nil {
		return &types.ValidationError{Message: fmt.Sprintf("rule %s already exists", rule.ID), Field: "id"}
	}
	rs.Rules = append(rs.Rules, rule)
	return s.Replace(rs)
}

// UpdateRule replaces the rule with the same id in place, preserving its
// position so evaluation order is unchanged.
func (s *Store) UpdateRule(rule SteeringRule) error {
	rs := s.Get()
	_, idx := rs.FindRule(rule.ID)
	if idx < 0 {
		return &types.NotFoundError{Resource: "rule", ID: rule.ID}
	}
	rs.Rules[idx] = rule
	return s.Replace(rs)
}

// DeleteRule removes the rule with the given id.
func (s *Store) DeleteRule(id string) error {
	rs := s.Get()
	_, idx := rs.FindRule(id)
	if idx < 0 {
		return &types.NotFoundError{Resource: "rule", ID: id}
	}
	rs.Rules = append(rs.Rules[:idx], rs.Rules[idx+1:]...)
	return s.Replace(rs)
}

// Reload re-reads the rule set from disk. An invalid file leaves the
// current snapshot untouched.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read rule file: %w", err)
	}

	rs := &RuleSet{}
	if err := yaml.Unmarshal(data, rs); err != nil {
		return fmt.Errorf("failed to parse rule file: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("invalid rule set in %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.current = rs
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"rule_set": rs.Name,
		"rules":    len(rs.Rules),
	}).Info("Steering rule set loaded")
	return nil
}

// Watch hot-reloads the rule set when the backing file changes. It runs
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule file watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rule file: %w", err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.WithError(err).Warn("Hot reload of steering rules failed, keeping previous set")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("Rule file watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
