// Package rulestore persists firewall configs and rules in bbolt, with
// optimistic concurrency on every mutation that can race an operator session.
package rulestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"appfw/waf"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfigs      = []byte("firewall_configs")
	bucketConfigsByApp = []byte("firewall_configs_by_app")
	bucketRules        = []byte("firewall_rules")
)

// Store implements waf.RuleStore on a bbolt database. The database handle is
// shared with the decision log so coupled writes can run in one transaction.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore opens the rule buckets on an already-open database.
func NewStore(db *bolt.DB, logger zerolog.Logger) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConfigs, bucketConfigsByApp, bucketRules} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating rule store buckets: %v", err)
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// GetOrCreateConfig returns the config for an application, lazily creating a
// disabled default on first access. Configs are never implicitly deleted.
func (s *Store) GetOrCreateConfig(appID string) (config waf.FirewallConfig, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		byApp := tx.Bucket(bucketConfigsByApp)
		if idBytes := byApp.Get([]byte(appID)); idBytes != nil {
			return loadJSON(tx.Bucket(bucketConfigs), idBytes, &config)
		}

		id, err := tx.Bucket(bucketConfigs).NextSequence()
		if err != nil {
			return err
		}
		now := s.now().UTC()
		config = waf.FirewallConfig{
			ID:                 int64(id),
			AppID:              appID,
			Enabled:            false,
			InbandEnabled:      true,
			OutofbandEnabled:   false,
			DefaultRemediation: waf.ActionBan,
			BlockedHTTPCode:    403,
			PassedHTTPCode:     200,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := putJSON(tx.Bucket(bucketConfigs), itob(config.ID), config); err != nil {
			return err
		}
		s.logger.Info().Str("appID", appID).Int64("configID", config.ID).Msg("Created firewall config")
		return byApp.Put([]byte(appID), itob(config.ID))
	})
	return
}

// GetConfig returns the config for an application without creating one.
func (s *Store) GetConfig(appID string) (config waf.FirewallConfig, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketConfigsByApp).Get([]byte(appID))
		if idBytes == nil {
			return waf.ErrNotFound
		}
		return loadJSON(tx.Bucket(bucketConfigs), idBytes, &config)
	})
	return
}

// GetConfigByID returns a config by its id.
func (s *Store) GetConfigByID(id int64) (config waf.FirewallConfig, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return loadJSON(tx.Bucket(bucketConfigs), itob(id), &config)
	})
	return
}

// ListConfigs returns all firewall configs in id order.
func (s *Store) ListConfigs() (configs []waf.FirewallConfig, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var config waf.FirewallConfig
			if err := json.Unmarshal(v, &config); err != nil {
				continue
			}
			configs = append(configs, config)
		}
		return nil
	})
	return
}

// UpdateConfig stores config changes under an optimistic version check.
func (s *Store) UpdateConfig(config waf.FirewallConfig) (updated waf.FirewallConfig, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		var stored waf.FirewallConfig
		if err := loadJSON(tx.Bucket(bucketConfigs), itob(config.ID), &stored); err != nil {
			return err
		}
		if stored.Version != config.Version {
			return waf.ErrConflict
		}
		updated = config
		updated.Version++
		updated.UpdatedAt = s.now().UTC()
		updated.CreatedAt = stored.CreatedAt
		// Stats are maintained by decision recording, not by operators. The
		// stored counters win over whatever snapshot the caller read.
		updated.Stats = stored.Stats
		return putJSON(tx.Bucket(bucketConfigs), itob(updated.ID), updated)
	})
	return
}

func loadJSON(b *bolt.Bucket, key []byte, out interface{}) error {
	data := b.Get(key)
	if data == nil {
		return waf.ErrNotFound
	}
	return json.Unmarshal(data, out)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func applyDraft(rule *waf.Rule, draft waf.RuleDraft) {
	rule.Name = draft.Name
	rule.Description = draft.Description
	if draft.Enabled != nil {
		rule.Enabled = *draft.Enabled
	}
	if draft.Priority != nil {
		rule.Priority = *draft.Priority
	}
	rule.RuleType = draft.RuleType
	rule.ProtectionMode = draft.ProtectionMode
	rule.Conditions = draft.Conditions
	rule.LogicalOperator = draft.LogicalOperator
	rule.Action = draft.Action
	rule.RemediationDuration = draft.RemediationDuration
	rule.Capacity = draft.Capacity
	rule.Leakspeed = draft.Leakspeed
}

// CreateRule validates and persists a new rule for a config. Priority
// defaults to max(existing)+10 so operators can insert between rules later.
func (s *Store) CreateRule(configID int64, draft waf.RuleDraft) (rule waf.Rule, err error) {
	draft.Normalize()
	if err = draft.Validate(); err != nil {
		return
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketConfigs).Get(itob(configID)) == nil {
			return waf.ErrNotFound
		}

		rules := tx.Bucket(bucketRules)
		id, err := rules.NextSequence()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		rule = waf.Rule{
			ID:        int64(id),
			ConfigID:  configID,
			Enabled:   true,
			SyncState: waf.SyncStatePending,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		applyDraft(&rule, draft)
		if draft.Priority == nil {
			rule.Priority = nextPriority(tx, configID)
		}

		return putJSON(rules, itob(rule.ID), rule)
	})
	if err == nil {
		s.logger.Info().Int64("ruleID", rule.ID).Str("name", rule.Name).Msg("Created firewall rule")
	}
	return
}

func nextPriority(tx *bolt.Tx, configID int64) int {
	maxPriority := 0
	forEachRule(tx, configID, func(r waf.Rule) {
		if r.Priority > maxPriority {
			maxPriority = r.Priority
		}
	})
	return maxPriority + 10
}

func forEachRule(tx *bolt.Tx, configID int64, fn func(waf.Rule)) {
	c := tx.Bucket(bucketRules).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rule waf.Rule
		if err := json.Unmarshal(v, &rule); err != nil {
			continue
		}
		if rule.ConfigID == configID {
			fn(rule)
		}
	}
}

// GetRule returns a rule by id.
func (s *Store) GetRule(id int64) (rule waf.Rule, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return loadJSON(tx.Bucket(bucketRules), itob(id), &rule)
	})
	return
}

// UpdateRule re-validates and stores a changed rule. Identity, counters and
// creation time are preserved; the rule goes back to pending sync.
func (s *Store) UpdateRule(id int64, expectedVersion int64, draft waf.RuleDraft) (rule waf.Rule, err error) {
	draft.Normalize()
	if err = draft.Validate(); err != nil {
		return
	}

	err = s.mutateRule(id, expectedVersion, func(r *waf.Rule) error {
		applyDraft(r, draft)
		r.SyncState = waf.SyncStatePending
		return nil
	})
	if err != nil {
		return
	}
	return s.GetRule(id)
}

// ToggleRule flips the enabled flag. Counters are untouched, so toggling
// twice restores the exact prior state.
func (s *Store) ToggleRule(id int64, expectedVersion int64) (rule waf.Rule, err error) {
	err = s.mutateRule(id, expectedVersion, func(r *waf.Rule) error {
		r.Enabled = !r.Enabled
		r.SyncState = waf.SyncStatePending
		return nil
	})
	if err != nil {
		return
	}
	return s.GetRule(id)
}

// DuplicateRule clones a rule with a fresh id, the name suffixed with
// " (Copy)" and counters reset. The clone starts with the given enabled
// state; callers default this to false so a duplicate never silently
// double-enforces.
func (s *Store) DuplicateRule(id int64, enabled bool) (clone waf.Rule, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)

		var source waf.Rule
		if err := loadJSON(rules, itob(id), &source); err != nil {
			return err
		}

		newID, err := rules.NextSequence()
		if err != nil {
			return err
		}

		now := s.now().UTC()
		clone = source
		clone.ID = int64(newID)
		clone.Name = source.Name + " (Copy)"
		clone.Enabled = enabled
		clone.Priority = nextPriority(tx, source.ConfigID)
		clone.MatchCount = 0
		clone.LastMatchAt = nil
		clone.SyncState = waf.SyncStatePending
		clone.Version = 1
		clone.CreatedAt = now
		clone.UpdatedAt = now

		return putJSON(rules, itob(clone.ID), clone)
	})
	return
}

// DeleteRule removes a rule under an optimistic version check.
func (s *Store) DeleteRule(id int64, expectedVersion int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		var rule waf.Rule
		if err := loadJSON(rules, itob(id), &rule); err != nil {
			return err
		}
		if expectedVersion != 0 && rule.Version != expectedVersion {
			return waf.ErrConflict
		}
		return rules.Delete(itob(id))
	})
}

// ListOrdered returns a config's rules sorted by (enabled desc, priority
// asc, createdAt asc), so enabled rules surface first for operator review.
func (s *Store) ListOrdered(configID int64) (rules []waf.Rule, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		forEachRule(tx, configID, func(r waf.Rule) {
			rules = append(rules, r)
		})
		return nil
	})
	if err != nil {
		return
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Enabled != rules[j].Enabled {
			return rules[i].Enabled
		}
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
	return
}

// ListEnabled returns enabled rules of a type in priority order. An empty
// ruleType matches both types.
func (s *Store) ListEnabled(configID int64, ruleType waf.RuleType) ([]waf.Rule, error) {
	all, err := s.ListOrdered(configID)
	if err != nil {
		return nil, err
	}
	var rules []waf.Rule
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		if ruleType != "" && r.RuleType != ruleType {
			continue
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ReorderRules rewrites priorities to match the given id order, 1-based.
func (s *Store) ReorderRules(configID int64, ruleIDs []int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		now := s.now().UTC()
		for i, id := range ruleIDs {
			var rule waf.Rule
			if err := loadJSON(rules, itob(id), &rule); err != nil {
				return err
			}
			if rule.ConfigID != configID {
				return waf.ErrNotFound
			}
			rule.Priority = i + 1
			rule.Version++
			rule.UpdatedAt = now
			rule.SyncState = waf.SyncStatePending
			if err := putJSON(rules, itob(id), rule); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkSetEnabled enables or disables a set of rules and reports how many
// were changed.
func (s *Store) BulkSetEnabled(configID int64, ruleIDs []int64, enabled bool) (changed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		now := s.now().UTC()
		for _, id := range ruleIDs {
			var rule waf.Rule
			if err := loadJSON(rules, itob(id), &rule); err != nil {
				if err == waf.ErrNotFound {
					continue
				}
				return err
			}
			if rule.ConfigID != configID || rule.Enabled == enabled {
				continue
			}
			rule.Enabled = enabled
			rule.Version++
			rule.UpdatedAt = now
			rule.SyncState = waf.SyncStatePending
			if err := putJSON(rules, itob(id), rule); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return
}

// BulkDelete removes a set of rules and reports how many were deleted.
// Unknown ids and rules belonging to other configs are skipped.
func (s *Store) BulkDelete(configID int64, ruleIDs []int64) (deleted int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		for _, id := range ruleIDs {
			var rule waf.Rule
			if err := loadJSON(rules, itob(id), &rule); err != nil {
				if err == waf.ErrNotFound {
					continue
				}
				return err
			}
			if rule.ConfigID != configID {
				continue
			}
			if err := rules.Delete(itob(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return
}

// SetSyncState marks all of a config's rules with the given sync state,
// used by the deployer after a push succeeds or fails.
func (s *Store) SetSyncState(configID int64, state waf.SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		var innerErr error
		forEachRule(tx, configID, func(r waf.Rule) {
			if innerErr != nil || r.SyncState == state {
				return
			}
			r.SyncState = state
			innerErr = putJSON(rules, itob(r.ID), r)
		})
		return innerErr
	})
}

func (s *Store) mutateRule(id int64, expectedVersion int64, mutate func(*waf.Rule) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rules := tx.Bucket(bucketRules)
		var rule waf.Rule
		if err := loadJSON(rules, itob(id), &rule); err != nil {
			return err
		}
		if expectedVersion != 0 && rule.Version != expectedVersion {
			return waf.ErrConflict
		}
		if err := mutate(&rule); err != nil {
			return err
		}
		rule.Version++
		rule.UpdatedAt = s.now().UTC()
		return putJSON(rules, itob(rule.ID), rule)
	})
}

// RecordMatchTx increments a rule's match counter and stamps the last match
// time inside an in-flight transaction, so the decision log append and the
// counter move commit together or not at all.
func (s *Store) RecordMatchTx(tx *bolt.Tx, ruleID int64, at time.Time) error {
	rules := tx.Bucket(bucketRules)
	var rule waf.Rule
	if err := loadJSON(rules, itob(ruleID), &rule); err != nil {
		return err
	}
	rule.MatchCount++
	at = at.UTC()
	rule.LastMatchAt = &at
	return putJSON(rules, itob(ruleID), rule)
}

// BumpStatsTx rolls a decision into the owning config's summary counters
// inside an in-flight transaction.
func (s *Store) BumpStatsTx(tx *bolt.Tx, configID int64, decision waf.Decision) error {
	configs := tx.Bucket(bucketConfigs)
	var config waf.FirewallConfig
	if err := loadJSON(configs, itob(configID), &config); err != nil {
		return err
	}
	config.Stats.TotalRequests++
	switch decision {
	case waf.DecisionAllow:
		config.Stats.Allowed++
	case waf.DecisionDeny:
		config.Stats.Denied++
	case waf.DecisionChallenge:
		config.Stats.Challenged++
	}
	return putJSON(configs, itob(configID), config)
}

// Stats computes per-rule effectiveness: total matches and matches per day
// since creation.
func (s *Store) Stats(ruleID int64) (stats waf.RuleStats, err error) {
	rule, err := s.GetRule(ruleID)
	if err != nil {
		return
	}

	daysActive := s.now().UTC().Sub(rule.CreatedAt).Hours() / 24
	if daysActive < 1 {
		daysActive = 1
	}
	stats = waf.RuleStats{
		TotalMatches:  rule.MatchCount,
		LastMatchAt:   rule.LastMatchAt,
		MatchesPerDay: float64(int(float64(rule.MatchCount)/daysActive*100)) / 100,
	}
	return
}

// DB exposes the underlying database for components that share transactions
// with the store, such as the decision log.
func (s *Store) DB() *bolt.DB {
	return s.db
}

var _ waf.RuleStore = (*Store)(nil)
