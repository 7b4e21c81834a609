// Package templates is the built-in rule template catalog. Templates are
// pure generators: instantiating one yields a rule draft and retains no
// state, so imported rules are indistinguishable from hand-written ones.
package templates

import (
	"fmt"
	"sort"
	"strings"

	"appfw/waf"
)

// Param describes one instantiation parameter of a template.
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
}

// Template is a named, versioned rule generator.
type Template struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Version     int     `json:"version"`
	Params      []Param `json:"params,omitempty"`

	build func(params map[string]string) waf.RuleDraft
}

// Catalog holds the built-in templates.
type Catalog struct {
	templates map[string]Template
}

// NewCatalog creates the catalog with all built-in templates registered.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]Template)}
	for _, t := range builtins() {
		c.templates[t.Key] = t
	}
	return c
}

// Templates returns all templates sorted by key.
func (c *Catalog) Templates() []Template {
	list := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	return list
}

// Get returns a template by key.
func (c *Catalog) Get(key string) (Template, error) {
	t, ok := c.templates[key]
	if !ok {
		return Template{}, waf.ErrNotFound
	}
	return t, nil
}

// Instantiate builds a rule draft from a template and parameters. Missing
// required parameters fail validation; unknown keys are rejected so typos
// surface instead of silently falling back to defaults.
func (c *Catalog) Instantiate(key string, params map[string]string) (waf.RuleDraft, error) {
	t, err := c.Get(key)
	if err != nil {
		return waf.RuleDraft{}, err
	}

	v := waf.NewValidationError()
	known := make(map[string]bool, len(t.Params))
	resolved := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		known[p.Name] = true
		val, ok := params[p.Name]
		if !ok || strings.TrimSpace(val) == "" {
			if p.Required {
				v.Add("params."+p.Name, "required parameter is missing")
				continue
			}
			val = p.Default
		}
		resolved[p.Name] = val
	}
	for name := range params {
		if !known[name] {
			v.Add("params."+name, fmt.Sprintf("template %q has no such parameter", key))
		}
	}
	if err := v.OrNil(); err != nil {
		return waf.RuleDraft{}, err
	}

	draft := t.build(resolved)
	draft.Normalize()
	return draft, nil
}

// badBotPattern matches user agents of tooling that has no business on an
// application origin. Unanchored, so any substring hit counts.
var badBotPattern = `(?i)(sqlmap|nikto|nmap|masscan|zgrab|gobuster|dirbuster|wpscan)`

// crawlerPattern matches aggressive but not outright hostile crawlers,
// challenged rather than blocked.
var crawlerPattern = `(?i)(ahrefsbot|semrushbot|mj12bot|dotbot|blexbot|petalbot)`

func builtins() []Template {
	return []Template{
		{
			Key:         "basic_protection",
			Name:        "Basic protection",
			Description: "Blocks admin path probing and common SQL injection patterns",
			Category:    "protection",
			Version:     1,
			Params: []Param{
				{Name: "admin_path", Description: "Path prefix of the admin area", Default: "/admin"},
			},
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:        "Basic protection",
					Description: "Blocks admin path probing and SQL injection attempts",
					RuleType:    waf.RuleTypeInband,
					Action:      waf.ActionBlock,
					Conditions: []waf.Condition{
						{
							Field:      waf.FieldRequestPath,
							Operator:   waf.OpStartsWith,
							Value:      p["admin_path"],
							Transforms: []waf.Transform{waf.TransformURLDecode, waf.TransformLowercase},
						},
						{
							Field:      waf.FieldURIFull,
							Operator:   waf.OpRegex,
							Value:      `(?i)(union[\s+]+select|select.+from|insert[\s+]+into|drop[\s+]+table|information_schema)`,
							Transforms: []waf.Transform{waf.TransformURLDecode},
						},
					},
					LogicalOperator: waf.LogicalOr,
				}
			},
		},
		{
			Key:         "api_protection",
			Name:        "API protection",
			Description: "Blocks non-browser clients probing API endpoints without a user agent",
			Category:    "protection",
			Version:     1,
			Params: []Param{
				{Name: "api_prefix", Description: "Path prefix of the API", Default: "/api"},
			},
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:        "API protection",
					Description: "Blocks anonymous clients on API paths",
					RuleType:    waf.RuleTypeInband,
					Action:      waf.ActionBlock,
					Conditions: []waf.Condition{
						{Field: waf.FieldRequestPath, Operator: waf.OpStartsWith, Value: p["api_prefix"]},
						{Field: waf.FieldUserAgent, Operator: waf.OpEquals, Value: ""},
					},
					LogicalOperator: waf.LogicalAnd,
				}
			},
		},
		{
			Key:         "bad_bots",
			Name:        "Bad bot blocking",
			Description: "Blocks requests whose user agent matches known attack tooling",
			Category:    "bot-management",
			Version:     1,
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:        "Bad bot blocking",
					Description: "Blocks known attack tooling by user agent",
					RuleType:    waf.RuleTypeInband,
					Action:      waf.ActionBlock,
					Conditions: []waf.Condition{
						{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: badBotPattern},
					},
				}
			},
		},
		{
			Key:         "crawler_challenge",
			Name:        "Crawler challenge",
			Description: "Challenges aggressive SEO crawlers with a captcha",
			Category:    "bot-management",
			Version:     1,
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:        "Crawler challenge",
					Description: "Captcha for aggressive crawlers",
					RuleType:    waf.RuleTypeInband,
					Action:      waf.ActionCaptcha,
					Conditions: []waf.Condition{
						{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: crawlerPattern},
					},
				}
			},
		},
		{
			Key:         "login_bruteforce",
			Name:        "Login brute force",
			Description: "Bans IPs hammering the login endpoint",
			Category:    "rate-limit",
			Version:     1,
			Params: []Param{
				{Name: "login_path", Description: "Path of the login endpoint", Default: "/login"},
			},
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:           "Login brute force",
					Description:    "Bans IPs with repeated login attempts",
					RuleType:       waf.RuleTypeInband,
					ProtectionMode: waf.ProtectionIPBan,
					Action:         waf.ActionBan,
					Conditions: []waf.Condition{
						{Field: waf.FieldRequestPath, Operator: waf.OpEquals, Value: p["login_path"]},
						{Field: waf.FieldMethod, Operator: waf.OpEquals, Value: "POST"},
					},
					LogicalOperator:     waf.LogicalAnd,
					Capacity:            5,
					Leakspeed:           "60s",
					RemediationDuration: 3600,
				}
			},
		},
		{
			Key:         "api_flood",
			Name:        "API flood",
			Description: "Bans IPs flooding API endpoints",
			Category:    "rate-limit",
			Version:     1,
			Params: []Param{
				{Name: "api_prefix", Description: "Path prefix of the API", Default: "/api"},
			},
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:           "API flood",
					Description:    "Bans IPs exceeding the API request budget",
					RuleType:       waf.RuleTypeInband,
					ProtectionMode: waf.ProtectionIPBan,
					Action:         waf.ActionBan,
					Conditions: []waf.Condition{
						{Field: waf.FieldRequestPath, Operator: waf.OpStartsWith, Value: p["api_prefix"]},
					},
					Capacity:            60,
					Leakspeed:           "1s",
					RemediationDuration: 1800,
				}
			},
		},
		{
			Key:         "scraper_ban",
			Name:        "Scraper ban",
			Description: "Bans IPs scraping content at sustained rates",
			Category:    "rate-limit",
			Version:     1,
			build: func(p map[string]string) waf.RuleDraft {
				return waf.RuleDraft{
					Name:           "Scraper ban",
					Description:    "Bans sustained scraping by source IP",
					RuleType:       waf.RuleTypeInband,
					ProtectionMode: waf.ProtectionIPBan,
					Action:         waf.ActionBan,
					Conditions: []waf.Condition{
						{Field: waf.FieldMethod, Operator: waf.OpEquals, Value: "GET"},
					},
					Capacity:            120,
					Leakspeed:           "1s",
					RemediationDuration: 7200,
				}
			},
		},
		{
			Key:         "geo_blocking",
			Name:        "Geo blocking",
			Description: "Restricts traffic by source country",
			Category:    "geo",
			Version:     1,
			Params: []Param{
				{Name: "countries", Description: "Comma-delimited ISO country codes", Required: true},
				{Name: "mode", Description: "whitelist or blacklist", Default: "blacklist"},
			},
			build: func(p map[string]string) waf.RuleDraft {
				// Whitelist mode is authored as in + allow; the compiler
				// inverts it to not_in + block on emission.
				op := waf.OpNotIn
				action := waf.ActionBlock
				name := "Geo blocking"
				if p["mode"] == "whitelist" {
					op = waf.OpIn
					action = waf.ActionAllow
					name = "Geo whitelist"
				}
				return waf.RuleDraft{
					Name:           name,
					Description:    "Country-based traffic restriction",
					RuleType:       waf.RuleTypeInband,
					ProtectionMode: waf.ProtectionIPBan,
					Action:         action,
					Conditions: []waf.Condition{
						{Field: waf.FieldCountryCode, Operator: op, Value: p["countries"]},
					},
					Capacity:            1,
					Leakspeed:           "10s",
					RemediationDuration: 86400,
				}
			},
		},
	}
}
