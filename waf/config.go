package waf

import (
	"strings"
	"time"
)

// FirewallConfig is the aggregate root binding an application to its rule set
// and summary counters. One per application, created lazily on first access
// and never implicitly deleted.
type FirewallConfig struct {
	ID      int64  `json:"id"`
	AppID   string `json:"app_id"`
	Enabled bool   `json:"enabled"`

	InbandEnabled    bool `json:"inband_enabled"`
	OutofbandEnabled bool `json:"outofband_enabled"`

	DefaultRemediation Action `json:"default_remediation"`
	BlockedHTTPCode    int    `json:"blocked_http_code"`
	PassedHTTPCode     int    `json:"passed_http_code"`

	Stats SummaryStats `json:"stats"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SummaryStats are the rolled-up decision counters for a config. They are
// updated transactionally with each decision log append.
type SummaryStats struct {
	TotalRequests int64 `json:"total_requests"`
	Allowed       int64 `json:"allowed"`
	Denied        int64 `json:"denied"`
	Challenged    int64 `json:"challenged"`
}

var botTokens = []string{"bot", "crawler", "scraper"}

// BotProtectionEnabled reports whether any enabled rule looks bot-related,
// by case-insensitive substring of its name.
func BotProtectionEnabled(rules []Rule) bool {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		name := strings.ToLower(r.Name)
		for _, tok := range botTokens {
			if strings.Contains(name, tok) {
				return true
			}
		}
	}
	return false
}
