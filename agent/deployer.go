package agent

import (
	"context"
	"time"

	"appfw/crowdsec"
	"appfw/waf"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Deployer compiles an application's full document set and pushes it to the
// enforcement agent. A push failure never rolls back stored rules; they stay
// pending_sync and Deploy is retried.
type Deployer struct {
	store    waf.RuleStore
	compiler waf.Compiler
	client   waf.AgentClient
	timeout  time.Duration
	logger   zerolog.Logger

	syncFailures prometheus.Counter
}

// NewDeployer creates a Deployer. The timeout bounds one whole deploy.
func NewDeployer(store waf.RuleStore, compiler waf.Compiler, client waf.AgentClient, timeout time.Duration, logger zerolog.Logger, registerer prometheus.Registerer) *Deployer {
	d := &Deployer{
		store:    store,
		compiler: compiler,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "appfw_agent_sync_failures_total",
			Help: "Deploys that failed to reach the enforcement agent.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(d.syncFailures)
	}
	return d
}

// Deploy compiles and pushes everything the agent needs for one application:
// all enabled rules' artifacts, the empty-rules placeholder, and the appsec
// config referencing them. Compilation errors are hard failures; agent
// errors are returned as *waf.AgentSyncError with the rules left
// pending_sync for a later retry.
func (d *Deployer) Deploy(ctx context.Context, configID int64) error {
	config, err := d.store.GetConfigByID(configID)
	if err != nil {
		return err
	}
	rules, err := d.store.ListOrdered(configID)
	if err != nil {
		return err
	}

	docs, err := d.compileAll(config, rules)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.client.PushDocuments(ctx, config.AppID, docs); err != nil {
		d.syncFailures.Inc()
		d.logger.Warn().Err(err).Str("appID", config.AppID).Msg("Agent push failed, rules stay pending sync")
		return &waf.AgentSyncError{ConfigID: configID, Err: err}
	}

	if err := d.store.SetSyncState(configID, waf.SyncStateSynced); err != nil {
		return err
	}
	d.logger.Info().Str("appID", config.AppID).Int("documents", len(docs)).Msg("Deployed documents to agent")
	return nil
}

func (d *Deployer) compileAll(config waf.FirewallConfig, rules []waf.Rule) ([]waf.Document, error) {
	var docs []waf.Document
	for _, rule := range rules {
		if !rule.Enabled || !crowdsec.AgentExpressible(rule) {
			continue
		}
		compiled, err := d.compiler.Compile(rule, config.AppID)
		if err != nil {
			return nil, err
		}
		docs = append(docs, compiled.Documents()...)
	}

	empty, err := crowdsec.EmptyRulesDocument()
	if err != nil {
		return nil, err
	}
	docs = append(docs, empty)

	configDoc, err := d.compiler.CompileConfig(config, rules)
	if err != nil {
		return nil, err
	}
	return append(docs, configDoc), nil
}

// RemoveRule de-registers a deleted rule's artifacts. Best effort; a miss on
// the agent side is not an error.
func (d *Deployer) RemoveRule(ctx context.Context, appID string, ruleID int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.client.RemoveDocuments(ctx, appID, crowdsec.RuleFilenames(ruleID))
}
