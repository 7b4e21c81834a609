package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"appfw/waf"

	"github.com/gorilla/mux"
)

// ruleResponse is a rule plus an optional soft-failure warning: the change
// was saved, but the agent push did not go through yet.
type ruleResponse struct {
	Rule    waf.Rule `json:"rule"`
	Warning string   `json:"warning,omitempty"`
}

const pendingSyncWarning = "saved, but not yet active: enforcement agent unreachable, sync pending"

func ruleID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// deploySoft pushes the config's document set and swallows agent
// unavailability, returning a warning for the response instead. A rule set
// that fails to compile is reported as such, not as a pending sync.
func (s *Server) deploySoft(r *http.Request, configID int64) string {
	err := s.deployer.Deploy(r.Context(), configID)
	if err == nil {
		return ""
	}
	var compileErr *waf.CompilationError
	if errors.As(err, &compileErr) {
		s.logger.Err(err).Int64("configID", configID).Msg("Rule set does not compile")
		return "saved, but not deployed: " + compileErr.Error()
	}
	if _, ok := err.(*waf.AgentSyncError); ok {
		return pendingSyncWarning
	}
	s.logger.Err(err).Int64("configID", configID).Msg("Deploy after rule change failed")
	return pendingSyncWarning
}

// requireVersion rejects mutations that omit the version the caller last
// saw. A zero version would bypass the optimistic concurrency check.
func requireVersion(version int64) error {
	if version >= 1 {
		return nil
	}
	v := waf.NewValidationError()
	v.Add("version", "version is required")
	return v.OrNil()
}

// ruleForConfig loads a rule and checks it belongs to the config in the
// request path, so rule ids cannot be probed across applications.
func (s *Server) ruleForConfig(r *http.Request, configID int64) (waf.Rule, error) {
	rule, err := s.store.GetRule(ruleID(r))
	if err != nil {
		return waf.Rule{}, err
	}
	if rule.ConfigID != configID {
		return waf.Rule{}, waf.ErrNotFound
	}
	return rule, nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rules, err := s.store.ListOrdered(config.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": rules,
		"total": len(rules),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var draft waf.RuleDraft
	if err := decodeBody(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := s.store.CreateRule(config.ID, draft)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	if warning == "" {
		rule, _ = s.store.GetRule(rule.ID)
	}
	writeJSON(w, http.StatusCreated, ruleResponse{Rule: rule, Warning: warning})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rule, err := s.ruleForConfig(r, config.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// updateRuleRequest carries the draft plus the version the caller last saw.
type updateRuleRequest struct {
	waf.RuleDraft
	Version int64 `json:"version"`
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.ruleForConfig(r, config.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req updateRuleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := requireVersion(req.Version); err != nil {
		s.writeServiceError(w, err)
		return
	}
	rule, err := s.store.UpdateRule(ruleID(r), req.Version, req.RuleDraft)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	if warning == "" {
		rule, _ = s.store.GetRule(rule.ID)
	}
	writeJSON(w, http.StatusOK, ruleResponse{Rule: rule, Warning: warning})
}

type versionRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.ruleForConfig(r, config.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req versionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := requireVersion(req.Version); err != nil {
		s.writeServiceError(w, err)
		return
	}
	rule, err := s.store.ToggleRule(ruleID(r), req.Version)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	if warning == "" {
		rule, _ = s.store.GetRule(rule.ID)
	}
	writeJSON(w, http.StatusOK, ruleResponse{Rule: rule, Warning: warning})
}

func (s *Server) handleDuplicateRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.ruleForConfig(r, config.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	// Duplicates start disabled unless explicitly requested, so a copy
	// never silently double-enforces.
	enabled := r.URL.Query().Get("enabled") == "true"

	clone, err := s.store.DuplicateRule(ruleID(r), enabled)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	writeJSON(w, http.StatusCreated, ruleResponse{Rule: clone, Warning: warning})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.ruleForConfig(r, config.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	version, _ := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err := requireVersion(version); err != nil {
		s.writeServiceError(w, err)
		return
	}
	id := ruleID(r)
	if err := s.store.DeleteRule(id, version); err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := s.deployer.RemoveRule(r.Context(), config.AppID, id); err != nil {
		s.logger.Warn().Err(err).Int64("ruleID", id).Msg("Could not remove rule artifacts from agent")
	}
	s.deploySoft(r, config.ID)
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	RuleIDs []int64 `json:"rule_ids"`
}

func (s *Server) handleReorderRules(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req reorderRequest
	if err := decodeBody(r, &req); err != nil || len(req.RuleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "rule_ids is required")
		return
	}

	if err := s.store.ReorderRules(config.ID, req.RuleIDs); err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	rules, err := s.store.ListOrdered(config.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":   rules,
		"warning": warning,
	})
}

type bulkToggleRequest struct {
	RuleIDs []int64 `json:"rule_ids"`
	Enabled bool    `json:"enabled"`
}

func (s *Server) handleBulkToggle(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req bulkToggleRequest
	if err := decodeBody(r, &req); err != nil || len(req.RuleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "rule_ids is required")
		return
	}

	changed, err := s.store.BulkSetEnabled(config.ID, req.RuleIDs, req.Enabled)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed": changed,
		"warning": warning,
	})
}

type bulkDeleteRequest struct {
	RuleIDs []int64 `json:"rule_ids"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req bulkDeleteRequest
	if err := decodeBody(r, &req); err != nil || len(req.RuleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "rule_ids is required")
		return
	}

	deleted, err := s.store.BulkDelete(config.ID, req.RuleIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	for _, id := range req.RuleIDs {
		if err := s.deployer.RemoveRule(r.Context(), config.AppID, id); err != nil {
			s.logger.Warn().Err(err).Int64("ruleID", id).Msg("Could not remove rule artifacts from agent")
		}
	}
	warning := s.deploySoft(r, config.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"warning": warning,
	})
}

func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if _, err := s.ruleForConfig(r, config.ID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	stats, err := s.store.Stats(ruleID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	recent, err := s.log.CountRuleMatches(config.ID, ruleID(r), time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleStatsResponse{RuleStats: stats, Recent7dMatches: recent})
}

// ruleStatsResponse adds the trailing-week match count, computed from the
// decision log, to the counter-derived stats.
type ruleStatsResponse struct {
	waf.RuleStats
	Recent7dMatches int64 `json:"recent_7d_matches"`
}

// handleRuleArtifacts previews the documents a rule compiles to, without
// pushing anything.
func (s *Server) handleRuleArtifacts(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rule, err := s.ruleForConfig(r, config.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	compiled, err := s.compiler.Compile(rule, config.AppID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	artifacts := make(map[string]string)
	for _, doc := range compiled.Documents() {
		artifacts[doc.Filename] = string(doc.Content)
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// testRulesRequest carries the synthetic request attributes to evaluate the
// app's enabled rules against.
type testRulesRequest struct {
	Attributes map[string]string `json:"attributes"`
}

type testRulesResponse struct {
	Decision      waf.Decision `json:"decision"`
	MatchedRuleID int64        `json:"matched_rule_id,omitempty"`
	MatchedRule   string       `json:"matched_rule,omitempty"`
}

// handleTestRules previews what the rule set would decide for a synthetic
// request. Counters and the decision log are untouched.
func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req testRulesRequest
	if err := decodeBody(r, &req); err != nil || len(req.Attributes) == 0 {
		writeError(w, http.StatusBadRequest, "attributes is required")
		return
	}

	attrs := make(waf.RequestAttributes, len(req.Attributes))
	for k, v := range req.Attributes {
		attrs[waf.Field(k)] = v
	}

	rules, err := s.store.ListEnabled(config.ID, "")
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	result := s.engine.EvalRules(rules, attrs)
	resp := testRulesResponse{Decision: result.Decision}
	if result.Matched != nil {
		resp.MatchedRuleID = result.Matched.ID
		resp.MatchedRule = result.Matched.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := s.deployer.Deploy(r.Context(), config.ID); err != nil {
		if syncErr, ok := err.(*waf.AgentSyncError); ok {
			writeError(w, http.StatusBadGateway, syncErr.Error())
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	rules, err := s.store.ListOrdered(config.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":                 config,
		"bot_protection_enabled": waf.BotProtectionEnabled(rules),
	})
}

// updateConfigRequest is the mutable subset of the firewall config.
type updateConfigRequest struct {
	Enabled            *bool       `json:"enabled,omitempty"`
	InbandEnabled      *bool       `json:"inband_enabled,omitempty"`
	OutofbandEnabled   *bool       `json:"outofband_enabled,omitempty"`
	DefaultRemediation *waf.Action `json:"default_remediation,omitempty"`
	BlockedHTTPCode    *int        `json:"blocked_http_code,omitempty"`
	Version            int64       `json:"version"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req updateConfigRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Enabled != nil {
		config.Enabled = *req.Enabled
	}
	if req.InbandEnabled != nil {
		config.InbandEnabled = *req.InbandEnabled
	}
	if req.OutofbandEnabled != nil {
		config.OutofbandEnabled = *req.OutofbandEnabled
	}
	if req.DefaultRemediation != nil {
		config.DefaultRemediation = *req.DefaultRemediation
	}
	if req.BlockedHTTPCode != nil {
		config.BlockedHTTPCode = *req.BlockedHTTPCode
	}
	if err := requireVersion(req.Version); err != nil {
		s.writeServiceError(w, err)
		return
	}
	config.Version = req.Version

	updated, err := s.store.UpdateConfig(config)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":  updated,
		"warning": warning,
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": s.catalog.Templates(),
	})
}

type importTemplateRequest struct {
	Params map[string]string `json:"params"`
}

func (s *Server) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	config, err := s.configFor(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var req importTemplateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	draft, err := s.catalog.Instantiate(mux.Vars(r)["key"], req.Params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	rule, err := s.store.CreateRule(config.ID, draft)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	warning := s.deploySoft(r, config.ID)
	if warning == "" {
		rule, _ = s.store.GetRule(rule.ID)
	}
	writeJSON(w, http.StatusCreated, ruleResponse{Rule: rule, Warning: warning})
}
