// Package crowdsec compiles firewall rules into the declarative YAML
// documents consumed by the CrowdSec enforcement agent: AppSec rules for
// per-request decisions, leaky-bucket scenarios for IP-level remediation,
// and the per-application AppSec configuration tying them together.
package crowdsec

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// appSecRuleDoc is a single AppSec rule file. Field order is fixed by the
// struct so serialization is deterministic.
type appSecRuleDoc struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Rules       []ruleNode    `yaml:"rules"`
	Labels      *appSecLabels `yaml:"labels,omitempty"`
	OnMatch     string        `yaml:"on_match,omitempty"`
}

// ruleNode is either a leaf condition or a combinator over sub-nodes. Only
// one level of nesting is ever emitted (flat AND/OR per the rule model).
type ruleNode struct {
	And []conditionNode `yaml:"and,omitempty"`
	Or  []conditionNode `yaml:"or,omitempty"`

	// Leaf fields, used when And/Or are empty.
	Zones     []string   `yaml:"zones,omitempty"`
	Variables []string   `yaml:"variables,omitempty"`
	Transform []string   `yaml:"transform,omitempty"`
	Match     *matchSpec `yaml:"match,omitempty"`
}

type conditionNode struct {
	Zones     []string   `yaml:"zones"`
	Variables []string   `yaml:"variables,omitempty"`
	Transform []string   `yaml:"transform,omitempty"`
	Match     *matchSpec `yaml:"match"`
}

type matchSpec struct {
	Type   string `yaml:"type"`
	Value  string `yaml:"value,omitempty"`
	Negate bool   `yaml:"negate,omitempty"`
}

type appSecLabels struct {
	Type      string `yaml:"type"`
	Service   string `yaml:"service"`
	Behavior  string `yaml:"behavior"`
	Label     string `yaml:"label"`
	Spoofable int    `yaml:"spoofable"`
}

// scenarioDoc is a stateful abuse-detection definition. type "leaky" drives
// IP-ban accrual; type "trigger" fires on the first matching event.
type scenarioDoc struct {
	Type        string          `yaml:"type"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description,omitempty"`
	Filter      string          `yaml:"filter"`
	GroupBy     string          `yaml:"groupby"`
	Capacity    int             `yaml:"capacity,omitempty"`
	Leakspeed   string          `yaml:"leakspeed,omitempty"`
	Blackhole   string          `yaml:"blackhole"`
	Labels      *scenarioLabels `yaml:"labels,omitempty"`
}

type scenarioLabels struct {
	Service        string `yaml:"service"`
	Type           string `yaml:"type"`
	Remediation    bool   `yaml:"remediation"`
	ProtectionMode string `yaml:"protection_mode"`
	AppID          string `yaml:"app_id"`
	RuleID         string `yaml:"rule_id"`
	RuleName       string `yaml:"rule_name"`
}

// appSecConfigDoc is the per-application AppSec configuration referencing
// the rule documents the agent should load.
type appSecConfigDoc struct {
	Name               string   `yaml:"name"`
	DefaultRemediation string   `yaml:"default_remediation"`
	DefaultPassAction  string   `yaml:"default_pass_action"`
	BlockedHTTPCode    int      `yaml:"blocked_http_code"`
	PassedHTTPCode     int      `yaml:"passed_http_code"`
	InbandRules        []string `yaml:"inband_rules"`
	OutofbandRules     []string `yaml:"outofband_rules,omitempty"`
	LogLevel           string   `yaml:"log_level"`
}

// marshalDoc is the single serializer for all emitted documents. Two-space
// indent, no trailing document separator.
func marshalDoc(doc interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("marshaling document: %v", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing document encoder: %v", err)
	}
	return buf.Bytes(), nil
}
