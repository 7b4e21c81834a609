package ruleeval

import (
	"sort"

	"appfw/waf"
)

// Result is the outcome of evaluating a rule set against one request.
type Result struct {
	Matched  *waf.Rule
	Decision waf.Decision
}

// Engine evaluates whole rules, first match wins. It backs the operator-side
// rule preview endpoint and the out-of-band analyzer; live inband enforcement
// belongs to the external agent.
type Engine struct {
	evaluator *Evaluator
}

// NewEngine creates a rule evaluation engine on top of a condition evaluator.
func NewEngine(evaluator *Evaluator) *Engine {
	return &Engine{evaluator: evaluator}
}

// EvalRules runs enabled rules in priority order (ties by creation order)
// and returns the first match. No match yields an allow decision.
func (e *Engine) EvalRules(rules []waf.Rule, attrs waf.RequestAttributes) Result {
	ordered := make([]waf.Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for i := range ordered {
		rule := &ordered[i]
		if !rule.Enabled {
			continue
		}
		if e.RuleMatches(*rule, attrs) {
			return Result{Matched: rule, Decision: DecisionForAction(rule.Action)}
		}
	}

	return Result{Decision: waf.DecisionAllow}
}

// RuleMatches combines the rule's conditions under its logical operator.
func (e *Engine) RuleMatches(rule waf.Rule, attrs waf.RequestAttributes) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	if rule.LogicalOperator == waf.LogicalOr {
		for _, c := range rule.Conditions {
			if e.evaluator.Evaluate(c, attrs) {
				return true
			}
		}
		return false
	}

	for _, c := range rule.Conditions {
		if !e.evaluator.Evaluate(c, attrs) {
			return false
		}
	}
	return true
}

// DecisionForAction maps a rule action to the decision reported for traffic
// that matched it. log keeps the request flowing (observe-only).
func DecisionForAction(a waf.Action) waf.Decision {
	switch a {
	case waf.ActionBlock, waf.ActionBan:
		return waf.DecisionDeny
	case waf.ActionCaptcha:
		return waf.DecisionChallenge
	default:
		return waf.DecisionAllow
	}
}
