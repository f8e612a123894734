package steering

import (
	"fmt"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Condition combinators.
const (
	CombinatorAnd = "and"
	CombinatorOr  = "or"
)

// SteeringRule is one condition→action mapping. Priority is advisory
// metadata surfaced for conflict display only; evaluation follows strict
// array order within the rule set.
type SteeringRule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Priority   int         `json:"priority" yaml:"priority"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Operator   string      `json:"operator" yaml:"operator"` // "and" or "or"
	Actions    []Action    `json:"actions" yaml:"actions"`
	Continue   bool        `json:"continue" yaml:"continue"`
}

// RuleSet is an ordered collection of steering rules plus the default
// actions applied when no rule produces a routing or rejection outcome.
type RuleSet struct {
	Version        string         `json:"version" yaml:"version"`
	Name           string         `json:"name" yaml:"name"`
	Rules          []SteeringRule `json:"rules" yaml:"rules"`
	DefaultActions []Action       `json:"default_actions,omitempty" yaml:"default_actions,omitempty"`
}

// Validate rejects structurally invalid rule sets at load/registration
// time. Unknown action types are tolerated (forward compatibility); rules
// missing an ID or using a bad combinator are not.
func (rs *RuleSet) Validate() error {
	if rs.Name == "" {
		return &types.ValidationError{Message: "rule set name is required", Field: "name"}
	}
	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if rule.ID == "" {
			return &types.ValidationError{Message: fmt.Sprintf("rule at index %d is missing an id", i), Field: "id"}
		}
		if seen[rule.ID] {
			return &types.ValidationError{Message: fmt.Sprintf("duplicate rule id %q", rule.ID), Field: "id"}
		}
		seen[rule.ID] = true
		if rule.Operator == "" {
			rule.Operator = CombinatorAnd
		}
		if rule.Operator != CombinatorAnd && rule.Operator != CombinatorOr {
			return &types.ValidationError{Message: fmt.Sprintf("rule %s: invalid operator %q", rule.ID, rule.Operator), Field: "operator", ValidTypes: []string{CombinatorAnd, CombinatorOr}}
		}
		for _, cond := range rule.Conditions {
			if cond.Field == "" {
				return &types.ValidationError{Message: fmt.Sprintf("rule %s: condition missing field", rule.ID), Field: "conditions"}
			}
		}
	}
	return nil
}

// FindRule returns the rule with the given id and its index.
func (rs *RuleSet) FindRule(id string) (*SteeringRule, int) {
	for i := range rs.Rules {
		if rs.Rules[i].ID == id {
			return &rs.Rules[i], i
		}
	}
	return nil, -1
}

// Clone returns a deep-enough copy for snapshot isolation: rule and action
// slices are copied so readers never observe in-place edits.
func (rs *RuleSet) Clone() *RuleSet {
	out := &RuleSet{
		Version:        rs.Version,
		Name:           rs.Name,
		Rules:          make([]SteeringRule, len(rs.Rules)),
		DefaultActions: append([]Action(nil), rs.DefaultActions...),
	}
	for i, rule := range rs.Rules {
		rule.Conditions = append([]Condition(nil), rule.Conditions...)
		rule.Actions = append([]Action(nil), rule.Actions...)
		out.Rules[i] = rule
	}
	return out
}
