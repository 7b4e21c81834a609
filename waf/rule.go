package waf

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Field identifies the request attribute a condition inspects.
type Field string

// Fields a condition can inspect. CountryCode is derived from the source IP
// via the GeoDB rather than read off the request directly.
const (
	FieldRequestPath    Field = "request_path"
	FieldURIFull        Field = "uri_full"
	FieldMethod         Field = "method"
	FieldQueryParameter Field = "query_parameter"
	FieldPostBody       Field = "post_body"
	FieldHeader         Field = "header"
	FieldUserAgent      Field = "user_agent"
	FieldReferer        Field = "referer"
	FieldHost           Field = "host"
	FieldCookie         Field = "cookie"
	FieldProtocol       Field = "protocol"
	FieldIPAddress      Field = "ip_address"
	FieldCountryCode    Field = "country_code"
	FieldStatusCode     Field = "status_code"
)

// Operator is the comparison a condition applies to the observed value.
type Operator string

// Operators supported by conditions.
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Transform is a normalization applied to the observed request value before
// comparison. Transforms never apply to the author-supplied condition value.
type Transform string

// Transforms supported by conditions.
const (
	TransformNormalizePath Transform = "normalize_path"
	TransformURLDecode     Transform = "url_decode"
	TransformBase64Decode  Transform = "base64_decode"
	TransformTrim          Transform = "trim"
	TransformLowercase     Transform = "lowercase"
)

// TransformOrder is the canonical application order. Evaluation and
// compilation both follow this order regardless of how transforms were
// ordered in storage, so results are deterministic.
var TransformOrder = []Transform{
	TransformNormalizePath,
	TransformURLDecode,
	TransformBase64Decode,
	TransformTrim,
	TransformLowercase,
}

// LogicalOperator combines a rule's conditions. Flat, not nested.
type LogicalOperator string

// Condition combinators.
const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Action is what the enforcement agent should do when a rule matches.
type Action string

// Rule actions.
const (
	ActionBan     Action = "ban"
	ActionBlock   Action = "block"
	ActionLog     Action = "log"
	ActionAllow   Action = "allow"
	ActionCaptcha Action = "captcha"
)

// RuleType determines when a rule is evaluated. Inband rules run
// synchronously on the request path inside the enforcement agent; out-of-band
// rules run asynchronously against already-logged traffic.
type RuleType string

// Rule types.
const (
	RuleTypeInband    RuleType = "inband"
	RuleTypeOutofband RuleType = "outofband"
)

// ProtectionMode determines which artifacts a rule compiles to.
type ProtectionMode string

// Protection modes.
const (
	// ProtectionPathOnly compiles to an immediate per-request decision with
	// no IP-level state.
	ProtectionPathOnly ProtectionMode = "path_only"
	// ProtectionIPBan compiles to a leaky-bucket scenario keyed by source IP.
	ProtectionIPBan ProtectionMode = "ip_ban"
	// ProtectionHybrid compiles to both.
	ProtectionHybrid ProtectionMode = "hybrid"
)

// SyncState tracks whether a rule's compiled artifacts have been accepted by
// the enforcement agent. Rules are persisted locally even when the agent push
// fails, so operator work is never lost.
type SyncState string

// Sync states.
const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending_sync"
)

// Condition is a single field/operator/value check with optional transforms.
type Condition struct {
	Field      Field       `json:"field" yaml:"field"`
	Operator   Operator    `json:"operator" yaml:"operator"`
	Value      string      `json:"value" yaml:"value"`
	Transforms []Transform `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

// Rule is a firewall rule owned by exactly one FirewallConfig.
type Rule struct {
	ID          int64  `json:"id"`
	ConfigID    int64  `json:"config_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	// Priority orders evaluation and listing; lower values first. Ties are
	// broken by creation order.
	Priority int `json:"priority"`

	RuleType        RuleType        `json:"rule_type"`
	ProtectionMode  ProtectionMode  `json:"protection_mode"`
	Conditions      []Condition     `json:"conditions"`
	LogicalOperator LogicalOperator `json:"logical_operator"`
	Action          Action          `json:"action"`

	// RemediationDuration is the ban length in seconds for ip_ban/hybrid.
	RemediationDuration int `json:"remediation_duration"`

	// Capacity is the leaky-bucket threshold: the bucket holds Capacity
	// events and the Capacity+1th overflows (CrowdSec convention).
	Capacity int `json:"capacity"`

	// Leakspeed is the bucket drain rate as a duration string, e.g. "10s".
	Leakspeed string `json:"leakspeed"`

	MatchCount  int64      `json:"match_count"`
	LastMatchAt *time.Time `json:"last_match_at,omitempty"`

	SyncState SyncState `json:"sync_state"`

	// Version supports optimistic concurrency on update/toggle/delete.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleDraft is the mutable input to rule creation and update. Zero-valued
// optional fields are defaulted by Normalize.
type RuleDraft struct {
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	Enabled             *bool           `json:"enabled,omitempty"`
	Priority            *int            `json:"priority,omitempty"`
	RuleType            RuleType        `json:"rule_type,omitempty"`
	ProtectionMode      ProtectionMode  `json:"protection_mode,omitempty"`
	Conditions          []Condition     `json:"conditions"`
	LogicalOperator     LogicalOperator `json:"logical_operator,omitempty"`
	Action              Action          `json:"action,omitempty"`
	RemediationDuration int             `json:"remediation_duration,omitempty"`
	Capacity            int             `json:"capacity,omitempty"`
	Leakspeed           string          `json:"leakspeed,omitempty"`
}

// Normalize fills in the documented defaults for optional draft fields.
func (d *RuleDraft) Normalize() {
	if d.RuleType == "" {
		d.RuleType = RuleTypeInband
	}
	if d.ProtectionMode == "" {
		d.ProtectionMode = ProtectionPathOnly
	}
	if d.LogicalOperator == "" {
		d.LogicalOperator = LogicalAnd
	}
	if d.Action == "" {
		d.Action = ActionBlock
	}
	if d.ProtectionMode == ProtectionIPBan || d.ProtectionMode == ProtectionHybrid {
		if d.Capacity == 0 {
			d.Capacity = 1
		}
		if d.Leakspeed == "" {
			d.Leakspeed = "10s"
		}
		if d.RemediationDuration == 0 {
			d.RemediationDuration = 3600
		}
	}
}

var leakspeedPattern = regexp.MustCompile(`^[0-9]+(ms|s|m|h)$`)

// Validate checks the draft against all rule invariants. It returns a
// *ValidationError carrying field-level detail, or nil.
func (d *RuleDraft) Validate() error {
	v := NewValidationError()

	if strings.TrimSpace(d.Name) == "" {
		v.Add("name", "name is required")
	}

	if len(d.Conditions) == 0 {
		v.Add("conditions", "at least one condition is required")
	}
	for i, c := range d.Conditions {
		prefix := fmt.Sprintf("conditions[%d]", i)
		if !validFields[c.Field] {
			v.Add(prefix+".field", fmt.Sprintf("unknown field %q", c.Field))
		}
		if !validOperators[c.Operator] {
			v.Add(prefix+".operator", fmt.Sprintf("unknown operator %q", c.Operator))
		}
		for _, t := range c.Transforms {
			if !validTransforms[t] {
				v.Add(prefix+".transforms", fmt.Sprintf("unknown transform %q", t))
			}
		}
		switch c.Operator {
		case OpRegex:
			if _, err := regexp.Compile(c.Value); err != nil {
				v.Add(prefix+".value", fmt.Sprintf("invalid regex: %v", err))
			}
		case OpIn, OpNotIn:
			if strings.TrimSpace(c.Value) == "" {
				v.Add(prefix+".value", "list operators require a comma-delimited value")
			}
		}
	}

	if d.RuleType != RuleTypeInband && d.RuleType != RuleTypeOutofband {
		v.Add("rule_type", fmt.Sprintf("unknown rule type %q", d.RuleType))
	}
	if d.RuleType == RuleTypeInband {
		for i, c := range d.Conditions {
			if c.Field == FieldStatusCode {
				v.Add(fmt.Sprintf("conditions[%d].field", i), "status_code is only observable after the response; use rule_type outofband")
			}
		}
	}
	if d.LogicalOperator != LogicalAnd && d.LogicalOperator != LogicalOr {
		v.Add("logical_operator", fmt.Sprintf("unknown logical operator %q", d.LogicalOperator))
	}
	if !validActions[d.Action] {
		v.Add("action", fmt.Sprintf("unknown action %q", d.Action))
	}

	switch d.ProtectionMode {
	case ProtectionPathOnly:
		if d.Action == ActionBan {
			v.Add("action", "action ban requires ip_ban or hybrid protection mode")
		}
	case ProtectionIPBan, ProtectionHybrid:
		for i, c := range d.Conditions {
			if scenarioInexpressibleFields[c.Field] {
				v.Add(fmt.Sprintf("conditions[%d].field", i), fmt.Sprintf("field %q is not visible to IP-ban scenarios; use path_only protection", c.Field))
			}
		}
		if d.Capacity < 1 {
			v.Add("capacity", "capacity must be at least 1")
		}
		if !leakspeedPattern.MatchString(d.Leakspeed) {
			v.Add("leakspeed", fmt.Sprintf("invalid leakspeed %q, expected a duration like \"10s\"", d.Leakspeed))
		}
		if d.RemediationDuration < 60 {
			v.Add("remediation_duration", "remediation duration must be at least 60 seconds")
		}
	default:
		v.Add("protection_mode", fmt.Sprintf("unknown protection mode %q", d.ProtectionMode))
	}

	return v.OrNil()
}

var validFields = map[Field]bool{
	FieldRequestPath:    true,
	FieldURIFull:        true,
	FieldMethod:         true,
	FieldQueryParameter: true,
	FieldPostBody:       true,
	FieldHeader:         true,
	FieldUserAgent:      true,
	FieldReferer:        true,
	FieldHost:           true,
	FieldCookie:         true,
	FieldProtocol:       true,
	FieldIPAddress:      true,
	FieldCountryCode:    true,
	FieldStatusCode:     true,
}

// scenarioInexpressibleFields are request attributes the agent's parsed log
// events never carry, so scenario filters cannot inspect them. ip_ban and
// hybrid rules on these fields would fail at compile time, after the
// operator has already left the form.
var scenarioInexpressibleFields = map[Field]bool{
	FieldPostBody: true,
	FieldHeader:   true,
	FieldCookie:   true,
}

var validOperators = map[Operator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpContains:    true,
	OpNotContains: true,
	OpStartsWith:  true,
	OpEndsWith:    true,
	OpRegex:       true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpIn:          true,
	OpNotIn:       true,
}

var validTransforms = map[Transform]bool{
	TransformNormalizePath: true,
	TransformURLDecode:     true,
	TransformBase64Decode:  true,
	TransformTrim:          true,
	TransformLowercase:     true,
}

var validActions = map[Action]bool{
	ActionBan:     true,
	ActionBlock:   true,
	ActionLog:     true,
	ActionAllow:   true,
	ActionCaptcha: true,
}

// ListValues splits a comma-delimited in/not_in value into trimmed items.
func ListValues(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
