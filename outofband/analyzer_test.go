package outofband

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"appfw/decisionlog"
	"appfw/rulestore"
	"appfw/ruleeval"
	"appfw/testutils"
	"appfw/waf"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"
)

// mockMultiRegexEngine backs the prefilter with the standard regexp package,
// standing in for Hyperscan.
type mockMultiRegexEngineFactory struct {
	scans int
}

type mockMultiRegexEngine struct {
	factory  *mockMultiRegexEngineFactory
	patterns []waf.MultiRegexEnginePattern
	compiled map[int]*regexp.Regexp
}

func (f *mockMultiRegexEngineFactory) NewMultiRegexEngine(patterns []waf.MultiRegexEnginePattern) (waf.MultiRegexEngine, error) {
	m := &mockMultiRegexEngine{factory: f, patterns: patterns, compiled: make(map[int]*regexp.Regexp)}
	for _, p := range patterns {
		rx, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, err
		}
		m.compiled[p.ID] = rx
	}
	return m, nil
}

func (m *mockMultiRegexEngine) Scan(input []byte) (matchedIDs []int, err error) {
	m.factory.scans++
	for _, p := range m.patterns {
		if m.compiled[p.ID].Match(input) {
			matchedIDs = append(matchedIDs, p.ID)
		}
	}
	return
}

func (m *mockMultiRegexEngine) Close() {}

type testHarness struct {
	analyzer *Analyzer
	store    *rulestore.Store
	log      *decisionlog.Log
	configID int64
	factory  *mockMultiRegexEngineFactory
	cleanup  func()
}

func newHarness(t *testing.T) *testHarness {
	dir, err := os.MkdirTemp("", "outofband")
	if err != nil {
		t.Fatal(err)
	}
	db, err := bolt.Open(filepath.Join(dir, "test.db"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	logger := testutils.NewTestLogger(t)
	store, err := rulestore.NewStore(db, logger)
	if err != nil {
		t.Fatal(err)
	}
	log, err := decisionlog.NewLog(store, logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	config, err := store.GetOrCreateConfig("app-1")
	if err != nil {
		t.Fatal(err)
	}
	config.Enabled = true
	config.OutofbandEnabled = true
	config, err = store.UpdateConfig(config)
	if err != nil {
		t.Fatal(err)
	}

	engine := ruleeval.NewEngine(ruleeval.NewEvaluator(logger, nil))
	factory := &mockMultiRegexEngineFactory{}
	analyzer := NewAnalyzer(store, log, engine, factory, time.Minute, logger)

	return &testHarness{
		analyzer: analyzer,
		store:    store,
		log:      log,
		configID: config.ID,
		factory:  factory,
		cleanup: func() {
			db.Close()
			os.RemoveAll(dir)
		},
	}
}

func (h *testHarness) createOutofbandRule(t *testing.T, draft waf.RuleDraft) waf.Rule {
	draft.RuleType = waf.RuleTypeOutofband
	rule, err := h.store.CreateRule(h.configID, draft)
	if err != nil {
		t.Fatal(err)
	}
	return rule
}

func allowedEntry(configID int64, path string, ua string, ts time.Time) waf.TrafficDecisionLogEntry {
	return waf.TrafficDecisionLogEntry{
		ConfigID:  configID,
		IPAddress: "198.51.100.7",
		Method:    "GET",
		Path:      path,
		UserAgent: ua,
		Decision:  waf.DecisionAllow,
		Timestamp: ts,
	}
}

func TestAnalyzeAppendsDenyForMatchedTraffic(t *testing.T) {
	// Arrange
	h := newHarness(t)
	defer h.cleanup()
	rule := h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Scanner sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: `(?i)sqlmap`},
		},
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/search", "sqlmap/1.5", base)))
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/search", "Mozilla/5.0", base.Add(time.Second))))

	// Act
	h.analyzer.AnalyzeAll()

	// Assert: one new deny referencing the rule, with counters moved.
	denies, err := h.log.Query(h.configID, waf.TrafficQuery{Decision: waf.DecisionDeny})
	assert.Nil(t, err)
	if assert.Len(t, denies, 1) {
		assert.Equal(t, rule.ID, denies[0].MatchedRuleID)
		assert.Equal(t, "sqlmap/1.5", denies[0].UserAgent)
	}

	matched, err := h.store.GetRule(rule.ID)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), matched.MatchCount)
}

func TestAnalyzeDoesNotRejudgeSeenEntries(t *testing.T) {
	// Arrange
	h := newHarness(t)
	defer h.cleanup()
	rule := h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Scanner sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: `(?i)sqlmap`},
		},
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/a", "sqlmap/1.5", base)))

	// Act: two passes over the same log.
	h.analyzer.AnalyzeAll()
	h.analyzer.AnalyzeAll()

	// Assert: the match is recorded once.
	matched, err := h.store.GetRule(rule.ID)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), matched.MatchCount)
}

func TestAnalyzeSkipsConfigsWithoutOutofband(t *testing.T) {
	// Arrange
	h := newHarness(t)
	defer h.cleanup()
	h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Scanner sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: `(?i)sqlmap`},
		},
	})
	config, err := h.store.GetConfigByID(h.configID)
	assert.Nil(t, err)
	config.OutofbandEnabled = false
	_, err = h.store.UpdateConfig(config)
	assert.Nil(t, err)

	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/a", "sqlmap/1.5", time.Now())))

	// Act
	h.analyzer.AnalyzeAll()

	// Assert
	denies, err := h.log.Query(h.configID, waf.TrafficQuery{Decision: waf.DecisionDeny})
	assert.Nil(t, err)
	assert.Len(t, denies, 0)
}

func TestPrefilterSkipsFullEvaluationOnMiss(t *testing.T) {
	// Arrange: a pure-regex AND rule that cannot match the logged traffic.
	h := newHarness(t)
	defer h.cleanup()
	h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Scanner sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: `(?i)sqlmap`},
		},
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/a", "Mozilla/5.0", base)))

	// Act
	h.analyzer.AnalyzeAll()

	// Assert: the prefilter scanned, nothing matched, nothing appended.
	assert.True(t, h.factory.scans > 0)
	denies, err := h.log.Query(h.configID, waf.TrafficQuery{Decision: waf.DecisionDeny})
	assert.Nil(t, err)
	assert.Len(t, denies, 0)
}

func TestStatusCodeConditionEvaluatedOutOfBand(t *testing.T) {
	// Arrange: status_code rules are rejected inband and exist exactly for
	// this path.
	h := newHarness(t)
	defer h.cleanup()
	rule := h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Error probing",
		Action: waf.ActionCaptcha,
		Conditions: []waf.Condition{
			{Field: waf.FieldStatusCode, Operator: waf.OpGreaterThan, Value: "499"},
		},
	})

	entry := allowedEntry(h.configID, "/missing", "Mozilla/5.0", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	entry.StatusCode = 503
	assert.Nil(t, h.log.Append(entry))

	// Act
	h.analyzer.AnalyzeAll()

	// Assert
	challenges, err := h.log.Query(h.configID, waf.TrafficQuery{Decision: waf.DecisionChallenge})
	assert.Nil(t, err)
	if assert.Len(t, challenges, 1) {
		assert.Equal(t, rule.ID, challenges[0].MatchedRuleID)
	}
}

func TestPrefilterScansTransformedValues(t *testing.T) {
	// Arrange: the regex only matches the url-decoded path, so a scan of the
	// raw value alone would drop the rule before evaluation.
	h := newHarness(t)
	defer h.cleanup()
	rule := h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Encoded admin sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{
				Field:      waf.FieldRequestPath,
				Operator:   waf.OpRegex,
				Value:      `^/admin`,
				Transforms: []waf.Transform{waf.TransformURLDecode},
			},
		},
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/%61dmin/config.php", "Mozilla/5.0", base)))

	// Act
	h.analyzer.AnalyzeAll()

	// Assert
	assert.True(t, h.factory.scans > 0)
	denies, err := h.log.Query(h.configID, waf.TrafficQuery{Decision: waf.DecisionDeny})
	assert.Nil(t, err)
	if assert.Len(t, denies, 1) {
		assert.Equal(t, rule.ID, denies[0].MatchedRuleID)
	}
}

func TestAnalyzeWatermarkSurvivesRestart(t *testing.T) {
	// Arrange
	h := newHarness(t)
	defer h.cleanup()
	rule := h.createOutofbandRule(t, waf.RuleDraft{
		Name:   "Scanner sweep",
		Action: waf.ActionBlock,
		Conditions: []waf.Condition{
			{Field: waf.FieldUserAgent, Operator: waf.OpRegex, Value: `(?i)sqlmap`},
		},
	})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Nil(t, h.log.Append(allowedEntry(h.configID, "/a", "sqlmap/1.5", base)))
	h.analyzer.AnalyzeAll()

	// Act: a fresh analyzer over the same store, as after a process restart.
	logger := testutils.NewTestLogger(t)
	restarted := NewAnalyzer(h.store, h.log, ruleeval.NewEngine(ruleeval.NewEvaluator(logger, nil)), &mockMultiRegexEngineFactory{}, time.Minute, logger)
	restarted.AnalyzeAll()

	// Assert: the match is still recorded once.
	matched, err := h.store.GetRule(rule.ID)
	assert.Nil(t, err)
	assert.Equal(t, int64(1), matched.MatchCount)
}
