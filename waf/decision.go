package waf

import (
	"fmt"
	"time"
)

// Decision is the enforcement outcome reported for a request.
type Decision string

// Decisions.
const (
	DecisionAllow     Decision = "allow"
	DecisionDeny      Decision = "deny"
	DecisionChallenge Decision = "challenge"
)

// ParseDecision validates a decision value at the boundary.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionAllow, DecisionDeny, DecisionChallenge:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// TrafficDecisionLogEntry is one enforcement decision reported back by the
// agent. Entries are append-only.
type TrafficDecisionLogEntry struct {
	ID            int64     `json:"id"`
	ConfigID      int64     `json:"config_id"`
	IPAddress     string    `json:"ip_address"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	UserAgent     string    `json:"user_agent,omitempty"`
	StatusCode    int       `json:"status_code,omitempty"`
	Decision      Decision  `json:"decision"`
	MatchedRuleID int64     `json:"matched_rule_id,omitempty"`
	CountryCode   string    `json:"country_code,omitempty"`
	ASN           int       `json:"asn,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TrafficQuery filters a decision log query. Zero values mean "no filter".
type TrafficQuery struct {
	Decision  Decision
	IPAddress string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// TimeRanges accepted by the traffic query API.
var TimeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseTimeRange resolves a named range ("1h", "24h", "7d", "30d") into a
// window ending at now.
func ParseTimeRange(name string, now time.Time) (from time.Time, to time.Time, err error) {
	d, known := TimeRanges[name]
	if !known {
		err = fmt.Errorf("unknown time range %q", name)
		return
	}
	return now.Add(-d), now, nil
}

// HourlyBucket is one wall-clock hour of aggregated decisions. Aggregates are
// zero-filled: a bucket is present for every hour in the window even when no
// traffic was seen.
type HourlyBucket struct {
	Hour       time.Time `json:"hour"`
	Allowed    int64     `json:"allowed"`
	Denied     int64     `json:"denied"`
	Challenged int64     `json:"challenged"`
}
