package waf

import "time"

// RuleStore is the persistence interface for firewall configs and their
// rules. Implementations must enforce the optimistic concurrency contract:
// mutations that carry an expected version fail with ErrConflict when the
// stored version differs.
type RuleStore interface {
	// GetOrCreateConfig returns the config for an application, creating a
	// disabled default on first access.
	GetOrCreateConfig(appID string) (FirewallConfig, error)
	GetConfig(appID string) (FirewallConfig, error)
	GetConfigByID(id int64) (FirewallConfig, error)
	UpdateConfig(config FirewallConfig) (FirewallConfig, error)
	ListConfigs() ([]FirewallConfig, error)

	CreateRule(configID int64, draft RuleDraft) (Rule, error)
	GetRule(id int64) (Rule, error)
	UpdateRule(id int64, expectedVersion int64, draft RuleDraft) (Rule, error)
	ToggleRule(id int64, expectedVersion int64) (Rule, error)

	// DuplicateRule clones a rule with a fresh id, the name suffixed with
	// " (Copy)", counters reset, and the given enabled state.
	DuplicateRule(id int64, enabled bool) (Rule, error)
	DeleteRule(id int64, expectedVersion int64) error

	// ListOrdered returns a config's rules sorted by
	// (enabled desc, priority asc, createdAt asc).
	ListOrdered(configID int64) ([]Rule, error)
	ListEnabled(configID int64, ruleType RuleType) ([]Rule, error)

	ReorderRules(configID int64, ruleIDs []int64) error
	BulkSetEnabled(configID int64, ruleIDs []int64, enabled bool) (int, error)
	BulkDelete(configID int64, ruleIDs []int64) (int, error)
	SetSyncState(configID int64, state SyncState) error

	// Stats summarizes a rule's effectiveness for the operator UI.
	Stats(ruleID int64) (RuleStats, error)
}

// RuleStats are per-rule effectiveness numbers.
type RuleStats struct {
	TotalMatches  int64      `json:"total_matches"`
	LastMatchAt   *time.Time `json:"last_match_at,omitempty"`
	MatchesPerDay float64    `json:"matches_per_day"`
}
