package crowdsec

import (
	"fmt"
	"strconv"

	"appfw/waf"

	"github.com/rs/zerolog"
)

// Namespace prefixes every document name this compiler emits.
const Namespace = "appfw"

// EmptyRulesName is the document referenced when an application has no
// enabled inband rules, so the agent always has a valid config to load.
const EmptyRulesName = Namespace + "/empty-rules"

type compilerImpl struct {
	logger zerolog.Logger
}

// NewCompiler creates the CrowdSec document compiler.
func NewCompiler(logger zerolog.Logger) waf.Compiler {
	return &compilerImpl{logger: logger}
}

// Compile emits the artifacts for one rule. path_only yields an AppSec rule,
// ip_ban a leaky-bucket scenario, hybrid both. The output depends only on
// the rule state and appID, so unchanged rules re-compile byte-identically.
func (c *compilerImpl) Compile(rule waf.Rule, appID string) (compiled waf.CompiledRule, err error) {
	if err = checkCompilable(rule); err != nil {
		return
	}

	// The enforcement model is deny-by-rule, not allow-by-rule: a geo
	// whitelist ("allow these countries") must compile to a block of every
	// country outside the list.
	rule = invertGeoAllowlist(rule)

	if rule.ProtectionMode == waf.ProtectionPathOnly || rule.ProtectionMode == waf.ProtectionHybrid {
		var doc *waf.Document
		doc, err = c.buildAppSecRule(rule, appID)
		if err != nil {
			return
		}
		compiled.AppSecRule = doc
	}

	if rule.ProtectionMode == waf.ProtectionIPBan || rule.ProtectionMode == waf.ProtectionHybrid {
		var doc *waf.Document
		doc, err = c.buildScenario(rule, appID)
		if err != nil {
			return
		}
		compiled.Scenario = doc
	}

	return
}

func checkCompilable(rule waf.Rule) error {
	if len(rule.Conditions) == 0 {
		return &waf.CompilationError{RuleName: rule.Name, Reason: "rule has no conditions"}
	}
	if rule.ProtectionMode == waf.ProtectionPathOnly && rule.Action == waf.ActionBan {
		return &waf.CompilationError{RuleName: rule.Name, Reason: "action ban has no IP semantics under path_only protection"}
	}
	if rule.RuleType == waf.RuleTypeInband {
		for _, cond := range rule.Conditions {
			if cond.Field == waf.FieldStatusCode {
				return &waf.CompilationError{RuleName: rule.Name, Reason: "status_code conditions cannot be evaluated on the inband request path"}
			}
		}
	}
	return nil
}

// AgentExpressible reports whether a rule can be enforced by the agent at
// all. Rules on response attributes are evaluated locally by the
// out-of-band analyzer instead of being pushed.
func AgentExpressible(rule waf.Rule) bool {
	for _, cond := range rule.Conditions {
		if cond.Field == waf.FieldStatusCode {
			return false
		}
	}
	return true
}

// isGeoRule reports whether every condition inspects the source country.
func isGeoRule(rule waf.Rule) bool {
	for _, cond := range rule.Conditions {
		if cond.Field != waf.FieldCountryCode {
			return false
		}
	}
	return len(rule.Conditions) > 0
}

func invertGeoAllowlist(rule waf.Rule) waf.Rule {
	if rule.Action != waf.ActionAllow {
		return rule
	}
	inverted := false
	conditions := make([]waf.Condition, len(rule.Conditions))
	copy(conditions, rule.Conditions)
	for i, cond := range conditions {
		if cond.Field == waf.FieldCountryCode && cond.Operator == waf.OpIn {
			conditions[i].Operator = waf.OpNotIn
			inverted = true
		}
	}
	if !inverted {
		return rule
	}
	rule.Conditions = conditions
	rule.Action = waf.ActionBlock
	return rule
}

// DocumentName is the agent-facing identifier of a rule's artifacts.
func DocumentName(rule waf.Rule, appID string) string {
	return fmt.Sprintf("%s/custom_%s_%s_%d", Namespace, sanitizeName(rule.Name), appID, rule.ID)
}

// RuleFilenames are the filenames a rule's artifacts can occupy on the
// agent, regardless of protection mode. Used for removal on rule delete.
func RuleFilenames(ruleID int64) []string {
	return []string{
		fmt.Sprintf("custom-appsec-%d.yaml", ruleID),
		fmt.Sprintf("custom-scenario-%d.yaml", ruleID),
	}
}

func (c *compilerImpl) buildAppSecRule(rule waf.Rule, appID string) (*waf.Document, error) {
	conditions := make([]conditionNode, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		node, err := buildConditionNode(cond)
		if err != nil {
			return nil, &waf.CompilationError{RuleName: rule.Name, Reason: err.Error()}
		}
		conditions = append(conditions, node)
	}

	var root ruleNode
	switch {
	case len(conditions) == 1:
		leaf := conditions[0]
		root = ruleNode{Zones: leaf.Zones, Variables: leaf.Variables, Transform: leaf.Transform, Match: leaf.Match}
	case rule.LogicalOperator == waf.LogicalOr:
		root = ruleNode{Or: conditions}
	default:
		root = ruleNode{And: conditions}
	}

	doc := appSecRuleDoc{
		Name:        DocumentName(rule, appID),
		Description: describeRule(rule),
		Rules:       []ruleNode{root},
		Labels: &appSecLabels{
			Type:     "exploit",
			Service:  "http",
			Behavior: "http:exploit",
			Label:    "Custom rule: " + rule.Name,
		},
		OnMatch: agentAction(rule.Action),
	}

	content, err := marshalDoc(doc)
	if err != nil {
		return nil, err
	}
	return &waf.Document{
		Filename: fmt.Sprintf("custom-appsec-%d.yaml", rule.ID),
		Content:  content,
	}, nil
}

func (c *compilerImpl) buildScenario(rule waf.Rule, appID string) (*waf.Document, error) {
	filter, err := buildFilter(rule)
	if err != nil {
		return nil, &waf.CompilationError{RuleName: rule.Name, Reason: err.Error()}
	}

	doc := scenarioDoc{
		Type:        "leaky",
		Name:        DocumentName(rule, appID),
		Description: describeRule(rule),
		Filter:      filter,
		GroupBy:     "evt.Meta.source_ip",
		Capacity:    rule.Capacity,
		Leakspeed:   rule.Leakspeed,
		Blackhole:   strconv.Itoa(rule.RemediationDuration) + "s",
		Labels: &scenarioLabels{
			Service:        "http",
			Type:           "custom_block",
			Remediation:    true,
			ProtectionMode: string(rule.ProtectionMode),
			AppID:          appID,
			RuleID:         strconv.FormatInt(rule.ID, 10),
			RuleName:       rule.Name,
		},
	}

	// Geo rules are stateless: a single event from a listed country is the
	// whole signal, so the scenario fires immediately instead of accruing a
	// leaky bucket.
	if isGeoRule(rule) {
		doc.Type = "trigger"
		doc.Capacity = 0
		doc.Leakspeed = ""
		doc.Labels.Type = "geo_blocking"
	}

	content, err := marshalDoc(doc)
	if err != nil {
		return nil, err
	}
	return &waf.Document{
		Filename: fmt.Sprintf("custom-scenario-%d.yaml", rule.ID),
		Content:  content,
	}, nil
}

// CompileConfig emits the per-application AppSec configuration referencing
// the given rules. Callers pass the rules in listing order; only enabled
// rules with an AppSec artifact are referenced.
func (c *compilerImpl) CompileConfig(config waf.FirewallConfig, rules []waf.Rule) (doc waf.Document, err error) {
	var inband, outofband []string
	for _, rule := range rules {
		if !rule.Enabled || rule.ProtectionMode == waf.ProtectionIPBan || !AgentExpressible(rule) {
			continue
		}
		name := DocumentName(rule, config.AppID)
		if rule.RuleType == waf.RuleTypeOutofband {
			outofband = append(outofband, name)
		} else {
			inband = append(inband, name)
		}
	}
	if len(inband) == 0 {
		inband = []string{EmptyRulesName}
	}
	if !config.OutofbandEnabled {
		outofband = nil
	}

	cfg := appSecConfigDoc{
		Name:               fmt.Sprintf("%s/app-%s", Namespace, config.AppID),
		DefaultRemediation: agentAction(config.DefaultRemediation),
		DefaultPassAction:  "allow",
		BlockedHTTPCode:    config.BlockedHTTPCode,
		PassedHTTPCode:     config.PassedHTTPCode,
		InbandRules:        inband,
		OutofbandRules:     outofband,
		LogLevel:           "info",
	}

	content, err := marshalDoc(cfg)
	if err != nil {
		return
	}
	return waf.Document{
		Filename: fmt.Sprintf("appsec-config-%s.yaml", config.AppID),
		Content:  content,
	}, nil
}

// EmptyRulesDocument is deployed when an application has no enabled inband
// rules.
func EmptyRulesDocument() (waf.Document, error) {
	doc := appSecRuleDoc{
		Name:        EmptyRulesName,
		Description: "Placeholder rule set for applications with no enabled rules",
		Rules:       []ruleNode{},
	}
	content, err := marshalDoc(doc)
	if err != nil {
		return waf.Document{}, err
	}
	return waf.Document{Filename: "empty-rules.yaml", Content: content}, nil
}

// agentAction maps rule actions to the agent's remediation vocabulary:
// block denies with the configured HTTP code, log observes only, allow is
// an explicit pass, captcha challenges, ban is IP-level.
func agentAction(a waf.Action) string {
	switch a {
	case waf.ActionBlock:
		return "deny"
	case waf.ActionLog:
		return "log"
	case waf.ActionAllow:
		return "allow"
	case waf.ActionCaptcha:
		return "challenge"
	case waf.ActionBan:
		return "ban"
	}
	return "deny"
}

func describeRule(rule waf.Rule) string {
	if rule.Description != "" {
		return rule.Description
	}
	return "Custom rule: " + rule.Name
}
