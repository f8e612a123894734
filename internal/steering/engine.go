package steering

import (
	"github.com/sirupsen/logrus"
)

// RuleResult records the outcome of one rule during an evaluation pass.
type RuleResult struct {
	RuleID         string       `json:"rule_id"`
	RuleName       string       `json:"rule_name"`
	Matched        bool         `json:"matched"`
	ActionsApplied []ActionType `json:"actions_applied,omitempty"`
	Continue       bool         `json:"continue"`
}

// Engine evaluates rule sets against request contexts.
type Engine struct {
	logger *logrus.Logger
}

// NewEngine creates a rule engine.
func NewEngine(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Evaluate runs every enabled rule in array order against ctx, mutating it
// through matched actions. A matched rule with Continue=false halts the
// pass immediately. If the pass finishes without any rule setting routing
// or a rejection, the set's default actions are applied exactly once.
func (e *Engine) Evaluate(rs *RuleSet, ctx *EvalContext) []RuleResult {
	results := make([]RuleResult, 0, len(rs.Rules))

	for i := range rs.Rules {
		rule := &rs.Rules[i]
		result := RuleResult{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Continue: rule.Continue,
		}

		if !rule.Enabled {
			results = append(results, result)
			continue
		}

		if e.matches(rule, ctx) {
			result.Matched = true
			result.ActionsApplied = e.applyActions(rule, rule.Actions, ctx)
		}
		results = append(results, result)

		if result.Matched && !rule.Continue {
			e.logger.WithFields(logrus.Fields{
				"rule_set": rs.Name,
				"rule":     rule.ID,
			}).Debug("Rule evaluation short-circuited")
			break
		}
	}

	if ctx.Routing() == nil && ctx.Reject() == nil && len(rs.DefaultActions) > 0 {
		e.applyActions(nil, rs.DefaultActions, ctx)
	}

	return results
}

// matches combines a rule's conditions with its and/or combinator. An
// empty condition list is vacuously true for "and" and false for "or".
func (e *Engine) matches(rule *SteeringRule, ctx *EvalContext) bool {
	if len(rule.Conditions) == 0 {
		return rule.Operator != CombinatorOr
	}

	for _, cond := range rule.Conditions {
		matched := evalCondition(ctx, cond, e.logger)
		if rule.Operator == CombinatorOr && matched {
			return true
		}
		if rule.Operator != CombinatorOr && !matched {
			return false
		}
	}
	return rule.Operator != CombinatorOr
}

// applyActions applies actions in order. Failures are absorbed: a bad
// action is logged and skipped, never aborting the evaluation pass.
func (e *Engine) applyActions(rule *SteeringRule, actions []Action, ctx *EvalContext) []ActionType {
	applied := make([]ActionType, 0, len(actions))
	ruleID := "default"
	if rule != nil {
		ruleID = rule.ID
	}

	for _, action := range actions {
		switch action.Type {
		case ActionRoute:
			if action.Route == nil {
				e.logActionSkip(ruleID, action, "missing route params")
				continue
			}
			ctx.setRouting(action.Route.Provider, action.Route.Model)
		case ActionReject:
			if action.Reject == nil {
				e.logActionSkip(ruleID, action, "missing reject params")
				continue
			}
			ctx.setReject(action.Reject.Message, action.Reject.Status)
		case ActionTransform:
			if action.Transform == nil {
				e.logActionSkip(ruleID, action, "missing transform params")
				continue
			}
			if err := e.applyTransform(action.Transform, ctx); err != nil {
				e.logActionSkip(ruleID, action, err.Error())
				continue
			}
		case ActionInject:
			if action.Inject == nil {
				e.logActionSkip(ruleID, action, "missing inject params")
				continue
			}
			if err := ctx.SetField(action.Inject.Field, action.Inject.Value); err != nil {
				e.logActionSkip(ruleID, action, err.Error())
				continue
			}
		case ActionLog:
			message := "steering rule matched"
			if action.Log != nil && action.Log.Message != "" {
				message = action.Log.Message
			}
			e.logger.WithField("rule", ruleID).Info(message)
		default:
			// Unknown action types are a no-op so rule sets stay
			// forward-compatible with kinds added later.
			e.logger.WithFields(logrus.Fields{
				"rule":        ruleID,
				"action_type": string(action.Type),
			}).Warn("Unknown action type, skipping")
			continue
		}
		applied = append(applied, action.Type)
	}
	return applied
}

// applyTransform mutates a request field in place.
func (e *Engine) applyTransform(p *TransformParams, ctx *EvalContext) error {
	current := ctx.Field(p.Field).String()

	var next string
	switch p.Operation {
	case "append":
		next = current + p.Value
	case "prepend":
		next = p.Value + current
	case "replace":
		next = p.Value
	default:
		e.logger.WithField("operation", p.Operation).Warn("Unknown transform operation, skipping")
		return nil
	}
	return ctx.SetField(p.Field, next)
}

func (e *Engine) logActionSkip(ruleID string, action Action, reason string) {
	e.logger.WithFields(logrus.Fields{
		"rule":        ruleID,
		"action_type": string(action.Type),
		"reason":      reason,
	}).Warn("Skipping unapplicable action")
}
