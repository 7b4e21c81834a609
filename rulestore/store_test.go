package rulestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"appfw/testutils"
	"appfw/waf"

	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) (*Store, func()) {
	dir, err := os.MkdirTemp("", "rulestore")
	if err != nil {
		t.Fatal(err)
	}
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	store, err := NewStore(db, testutils.NewTestLogger(t))
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return store, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func pathDraft(name string) waf.RuleDraft {
	return waf.RuleDraft{
		Name: name,
		Conditions: []waf.Condition{
			{Field: waf.FieldRequestPath, Operator: waf.OpStartsWith, Value: "/admin"},
		},
	}
}

func TestGetOrCreateConfigCreatesDisabledDefault(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()

	// Act
	config, err := store.GetOrCreateConfig("app-1")

	// Assert
	assert.Nil(t, err)
	assert.False(t, config.Enabled)
	assert.True(t, config.InbandEnabled)
	assert.Equal(t, waf.ActionBan, config.DefaultRemediation)
	assert.Equal(t, 403, config.BlockedHTTPCode)
	assert.Equal(t, int64(1), config.Version)

	// Second call returns the same config, not a new one.
	again, err := store.GetOrCreateConfig("app-1")
	assert.Nil(t, err)
	assert.Equal(t, config.ID, again.ID)
}

func TestGetConfigDoesNotCreate(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	_, err := store.GetConfig("missing")

	assert.Equal(t, waf.ErrNotFound, err)
}

func TestUpdateConfigVersionConflict(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, err := store.GetOrCreateConfig("app-1")
	assert.Nil(t, err)

	// Act: first writer wins, second carries a stale version.
	config.Enabled = true
	updated, err := store.UpdateConfig(config)
	assert.Nil(t, err)
	assert.Equal(t, config.Version+1, updated.Version)

	_, err = store.UpdateConfig(config)

	// Assert
	assert.Equal(t, waf.ErrConflict, err)
}

func TestCreateRuleDefaultsPriority(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")

	// Act
	first, err1 := store.CreateRule(config.ID, pathDraft("First"))
	second, err2 := store.CreateRule(config.ID, pathDraft("Second"))

	// Assert: max existing + 10, leaving gaps for later inserts.
	assert.Nil(t, err1)
	assert.Nil(t, err2)
	assert.Equal(t, 10, first.Priority)
	assert.Equal(t, 20, second.Priority)
	assert.True(t, first.Enabled)
	assert.Equal(t, waf.SyncStatePending, first.SyncState)
}

func TestCreateRuleRejectsInvalidDraft(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")

	_, err := store.CreateRule(config.ID, waf.RuleDraft{Name: "No conditions"})

	verr, ok := err.(*waf.ValidationError)
	if assert.True(t, ok, "expected *waf.ValidationError, got %v", err) {
		assert.Contains(t, verr.Fields, "conditions")
	}
}

func TestCreateRuleUnknownConfig(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	_, err := store.CreateRule(999, pathDraft("Orphan"))

	assert.Equal(t, waf.ErrNotFound, err)
}

func TestUpdateRulePreservesCountersAndBumpsVersion(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Original"))

	matchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := store.DB().Update(func(tx *bolt.Tx) error {
		return store.RecordMatchTx(tx, rule.ID, matchedAt)
	})
	assert.Nil(t, err)

	// Act
	draft := pathDraft("Renamed")
	updated, err := store.UpdateRule(rule.ID, rule.Version, draft)

	// Assert
	assert.Nil(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, rule.Version+1, updated.Version)
	assert.Equal(t, int64(1), updated.MatchCount)
	assert.Equal(t, rule.CreatedAt, updated.CreatedAt)
	assert.Equal(t, waf.SyncStatePending, updated.SyncState)
}

func TestUpdateRuleStaleVersion(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Original"))

	_, err := store.UpdateRule(rule.ID, rule.Version+5, pathDraft("Renamed"))

	assert.Equal(t, waf.ErrConflict, err)
}

func TestToggleRuleTwiceRestoresState(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Toggled"))

	// Act
	off, err := store.ToggleRule(rule.ID, rule.Version)
	assert.Nil(t, err)
	on, err := store.ToggleRule(rule.ID, off.Version)
	assert.Nil(t, err)

	// Assert
	assert.False(t, off.Enabled)
	assert.True(t, on.Enabled)
	assert.Equal(t, rule.MatchCount, on.MatchCount)
}

func TestDuplicateRuleResetsCountersAndDisables(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Block Admin"))
	err := store.DB().Update(func(tx *bolt.Tx) error {
		return store.RecordMatchTx(tx, rule.ID, time.Now())
	})
	assert.Nil(t, err)

	// Act
	clone, err := store.DuplicateRule(rule.ID, false)

	// Assert
	assert.Nil(t, err)
	assert.NotEqual(t, rule.ID, clone.ID)
	assert.Equal(t, "Block Admin (Copy)", clone.Name)
	assert.False(t, clone.Enabled)
	assert.Equal(t, int64(0), clone.MatchCount)
	assert.Nil(t, clone.LastMatchAt)
	assert.Equal(t, int64(1), clone.Version)
	assert.Equal(t, rule.Conditions, clone.Conditions)
}

func TestDeleteRule(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Doomed"))

	assert.Equal(t, waf.ErrConflict, store.DeleteRule(rule.ID, rule.Version+1))
	assert.Nil(t, store.DeleteRule(rule.ID, rule.Version))

	_, err := store.GetRule(rule.ID)
	assert.Equal(t, waf.ErrNotFound, err)
}

func TestListOrderedEnabledFirstThenPriority(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")

	low := pathDraft("Low priority")
	lowPriority := 50
	low.Priority = &lowPriority
	high := pathDraft("High priority")
	highPriority := 5
	high.Priority = &highPriority

	a, _ := store.CreateRule(config.ID, low)
	b, _ := store.CreateRule(config.ID, high)
	c, _ := store.CreateRule(config.ID, pathDraft("Disabled"))
	_, err := store.ToggleRule(c.ID, c.Version)
	assert.Nil(t, err)

	// Act
	rules, err := store.ListOrdered(config.ID)

	// Assert: enabled rules first, by ascending priority; disabled last.
	assert.Nil(t, err)
	if assert.Len(t, rules, 3) {
		assert.Equal(t, b.ID, rules[0].ID)
		assert.Equal(t, a.ID, rules[1].ID)
		assert.Equal(t, c.ID, rules[2].ID)
	}
}

func TestListEnabledFiltersByType(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")

	inband := pathDraft("Inband")
	outofband := pathDraft("Outofband")
	outofband.RuleType = waf.RuleTypeOutofband
	store.CreateRule(config.ID, inband)
	oob, _ := store.CreateRule(config.ID, outofband)

	rules, err := store.ListEnabled(config.ID, waf.RuleTypeOutofband)

	assert.Nil(t, err)
	if assert.Len(t, rules, 1) {
		assert.Equal(t, oob.ID, rules[0].ID)
	}
}

func TestReorderRulesAssignsSequentialPriorities(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	a, _ := store.CreateRule(config.ID, pathDraft("A"))
	b, _ := store.CreateRule(config.ID, pathDraft("B"))
	c, _ := store.CreateRule(config.ID, pathDraft("C"))

	// Act: reverse the order.
	err := store.ReorderRules(config.ID, []int64{c.ID, b.ID, a.ID})

	// Assert
	assert.Nil(t, err)
	rules, _ := store.ListOrdered(config.ID)
	if assert.Len(t, rules, 3) {
		assert.Equal(t, c.ID, rules[0].ID)
		assert.Equal(t, 1, rules[0].Priority)
		assert.Equal(t, a.ID, rules[2].ID)
		assert.Equal(t, 3, rules[2].Priority)
	}
}

func TestBulkSetEnabledCountsOnlyChanges(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	a, _ := store.CreateRule(config.ID, pathDraft("A"))
	b, _ := store.CreateRule(config.ID, pathDraft("B"))

	// a is already enabled, so only b counts after disabling it first.
	_, err := store.ToggleRule(b.ID, b.Version)
	assert.Nil(t, err)

	changed, err := store.BulkSetEnabled(config.ID, []int64{a.ID, b.ID, 999}, true)

	assert.Nil(t, err)
	assert.Equal(t, 1, changed)
}

func TestSetSyncState(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("A"))
	assert.Equal(t, waf.SyncStatePending, rule.SyncState)

	err := store.SetSyncState(config.ID, waf.SyncStateSynced)

	assert.Nil(t, err)
	got, _ := store.GetRule(rule.ID)
	assert.Equal(t, waf.SyncStateSynced, got.SyncState)
}

func TestRecordMatchAndStatsAreMonotonic(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Matched"))

	// Act
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := store.DB().Update(func(tx *bolt.Tx) error {
			if err := store.RecordMatchTx(tx, rule.ID, at); err != nil {
				return err
			}
			return store.BumpStatsTx(tx, config.ID, waf.DecisionDeny)
		})
		assert.Nil(t, err)
	}

	// Assert
	got, _ := store.GetRule(rule.ID)
	assert.Equal(t, int64(3), got.MatchCount)
	if assert.NotNil(t, got.LastMatchAt) {
		assert.Equal(t, at, *got.LastMatchAt)
	}
	cfg, _ := store.GetConfigByID(config.ID)
	assert.Equal(t, int64(3), cfg.Stats.TotalRequests)
	assert.Equal(t, int64(3), cfg.Stats.Denied)
}

func TestRuleStatsPerDay(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	config, _ := store.GetOrCreateConfig("app-1")
	rule, _ := store.CreateRule(config.ID, pathDraft("Stats"))

	for i := 0; i < 10; i++ {
		err := store.DB().Update(func(tx *bolt.Tx) error {
			return store.RecordMatchTx(tx, rule.ID, base)
		})
		assert.Nil(t, err)
	}

	// Act: four days later.
	store.now = func() time.Time { return base.Add(4 * 24 * time.Hour) }
	stats, err := store.Stats(rule.ID)

	// Assert
	assert.Nil(t, err)
	assert.Equal(t, int64(10), stats.TotalMatches)
	assert.Equal(t, 2.5, stats.MatchesPerDay)
}

func TestBulkDelete(t *testing.T) {
	// Arrange
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")
	other, _ := store.GetOrCreateConfig("app-2")
	mine, _ := store.CreateRule(config.ID, pathDraft("Mine"))
	foreign, _ := store.CreateRule(other.ID, pathDraft("Foreign"))

	// Act: one real rule, one foreign, one unknown.
	deleted, err := store.BulkDelete(config.ID, []int64{mine.ID, foreign.ID, 999})

	// Assert
	assert.Nil(t, err)
	assert.Equal(t, 1, deleted)
	_, err = store.GetRule(mine.ID)
	assert.Equal(t, waf.ErrNotFound, err)
	_, err = store.GetRule(foreign.ID)
	assert.Nil(t, err)
}

func TestUpdateConfigPreservesStats(t *testing.T) {
	// Arrange: the caller read the config before decisions were recorded.
	store, cleanup := newTestStore(t)
	defer cleanup()
	config, _ := store.GetOrCreateConfig("app-1")

	err := store.DB().Update(func(tx *bolt.Tx) error {
		return store.BumpStatsTx(tx, config.ID, waf.DecisionDeny)
	})
	assert.Nil(t, err)

	// Act: write back the pre-bump snapshot.
	config.Enabled = true
	updated, err := store.UpdateConfig(config)

	// Assert: the recorded decision survives the config write.
	assert.Nil(t, err)
	assert.True(t, updated.Enabled)
	assert.Equal(t, int64(1), updated.Stats.TotalRequests)
	assert.Equal(t, int64(1), updated.Stats.Denied)
}
