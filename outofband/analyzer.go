// Package outofband analyzes already-logged traffic against out-of-band
// rules. Inband enforcement happens in the external agent; this analyzer
// covers the rules that are too expensive or too retrospective for the
// request path, such as status-code conditions and broad regex sweeps.
package outofband

import (
	"context"
	"time"

	"appfw/decisionlog"
	"appfw/ruleeval"
	"appfw/waf"

	"github.com/rs/zerolog"
)

// defaultBatchSize bounds how many recent entries one pass inspects per
// config.
const defaultBatchSize = 500

// Analyzer periodically sweeps the decision log of every config with
// out-of-band analysis enabled. Matches append challenge/deny decisions and
// move the matched rule's counters; allowed traffic is left untouched.
type Analyzer struct {
	store    waf.RuleStore
	log      *decisionlog.Log
	engine   *ruleeval.Engine
	factory  waf.MultiRegexEngineFactory
	interval time.Duration
	logger   zerolog.Logger

	batchSize int
}

// NewAnalyzer creates the out-of-band analyzer. The factory may be nil, in
// which case every rule is fully evaluated without prefiltering.
func NewAnalyzer(store waf.RuleStore, log *decisionlog.Log, engine *ruleeval.Engine, factory waf.MultiRegexEngineFactory, interval time.Duration, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		store:     store,
		log:       log,
		engine:    engine,
		factory:   factory,
		interval:  interval,
		logger:    logger,
		batchSize: defaultBatchSize,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (a *Analyzer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.AnalyzeAll()
		}
	}
}

// AnalyzeAll runs one pass over every eligible config.
func (a *Analyzer) AnalyzeAll() {
	configs, err := a.store.ListConfigs()
	if err != nil {
		a.logger.Err(err).Msg("Out-of-band pass could not list configs")
		return
	}

	for _, config := range configs {
		if !config.Enabled || !config.OutofbandEnabled {
			continue
		}
		if err := a.analyzeConfig(config); err != nil {
			a.logger.Err(err).Str("appID", config.AppID).Msg("Out-of-band pass failed for config")
		}
	}
}

func (a *Analyzer) analyzeConfig(config waf.FirewallConfig) error {
	rules, err := a.store.ListEnabled(config.ID, waf.RuleTypeOutofband)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	entries, err := a.log.Recent(config.ID, a.batchSize)
	if err != nil {
		return err
	}

	pf, err := a.newPrefilter(rules)
	if err != nil {
		return err
	}
	defer pf.close()

	// The watermark lives next to the log itself, so a restarted process
	// picks up where the previous one stopped instead of re-judging the
	// last batch.
	lastSeen, err := a.log.Watermark(config.ID)
	if err != nil {
		return err
	}

	maxSeen := lastSeen
	// Recent is newest first; analyze oldest first so appended decisions
	// keep log order.
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.ID <= lastSeen {
			continue
		}
		if entry.ID > maxSeen {
			maxSeen = entry.ID
		}
		// Only traffic that passed inband enforcement is re-judged.
		if entry.Decision != waf.DecisionAllow {
			continue
		}
		if err := a.analyzeEntry(config, rules, pf, entry); err != nil {
			return err
		}
	}
	if maxSeen == lastSeen {
		return nil
	}
	return a.log.SetWatermark(config.ID, maxSeen)
}

func (a *Analyzer) analyzeEntry(config waf.FirewallConfig, rules []waf.Rule, pf *prefilter, entry waf.TrafficDecisionLogEntry) error {
	attrs := waf.AttributesFromLogEntry(entry)

	candidates, err := pf.candidates(rules, attrs)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	result := a.engine.EvalRules(candidates, attrs)
	if result.Matched == nil {
		return nil
	}

	a.logger.Info().
		Str("appID", config.AppID).
		Int64("ruleID", result.Matched.ID).
		Str("path", entry.Path).
		Str("decision", string(result.Decision)).
		Msg("Out-of-band rule matched logged traffic")

	if result.Decision == waf.DecisionAllow {
		// Observe-only actions keep the original entry as the record.
		return nil
	}

	return a.log.Append(waf.TrafficDecisionLogEntry{
		ConfigID:      config.ID,
		IPAddress:     entry.IPAddress,
		Method:        entry.Method,
		Path:          entry.Path,
		UserAgent:     entry.UserAgent,
		StatusCode:    entry.StatusCode,
		Decision:      result.Decision,
		MatchedRuleID: result.Matched.ID,
		CountryCode:   entry.CountryCode,
		ASN:           entry.ASN,
		Timestamp:     time.Now().UTC(),
	})
}
