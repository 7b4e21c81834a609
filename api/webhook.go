package api

import (
	"net/http"
	"strings"
	"time"

	"appfw/waf"
)

// webhookEvent is one decision reported by the enforcement agent. The agent
// identifies rules by document name; the id is resolved here.
type webhookEvent struct {
	AppID      string    `json:"app_id"`
	IPAddress  string    `json:"ip"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"user_agent,omitempty"`
	StatusCode int       `json:"status,omitempty"`
	Decision   string    `json:"decision"`
	RuleName   string    `json:"rule_name,omitempty"`
	Country    string    `json:"country,omitempty"`
	ASN        int       `json:"asn,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var event webhookEvent
	if err := decodeBody(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ingestEvent(event); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type webhookBatch struct {
	Events []webhookEvent `json:"events"`
}

// handleWebhookBatch ingests a batch in order. The batch is not atomic; the
// response reports how many events were accepted before the first failure.
func (s *Server) handleWebhookBatch(w http.ResponseWriter, r *http.Request) {
	var batch webhookBatch
	if err := decodeBody(r, &batch); err != nil || len(batch.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events is required")
		return
	}

	accepted := 0
	for _, event := range batch.Events {
		if err := s.ingestEvent(event); err != nil {
			s.logger.Warn().Err(err).Str("appID", event.AppID).Msg("Webhook batch event rejected")
			break
		}
		accepted++
	}

	status := http.StatusAccepted
	if accepted < len(batch.Events) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{
		"accepted": accepted,
		"total":    len(batch.Events),
	})
}

func (s *Server) ingestEvent(event webhookEvent) error {
	decision, err := waf.ParseDecision(event.Decision)
	if err != nil {
		v := waf.NewValidationError()
		v.Add("decision", err.Error())
		return v.OrNil()
	}
	if event.AppID == "" {
		v := waf.NewValidationError()
		v.Add("app_id", "app_id is required")
		return v.OrNil()
	}

	config, err := s.store.GetOrCreateConfig(event.AppID)
	if err != nil {
		return err
	}

	entry := waf.TrafficDecisionLogEntry{
		ConfigID:    config.ID,
		IPAddress:   event.IPAddress,
		Method:      event.Method,
		Path:        event.Path,
		UserAgent:   event.UserAgent,
		StatusCode:  event.StatusCode,
		Decision:    decision,
		CountryCode: event.Country,
		ASN:         event.ASN,
		Timestamp:   event.Timestamp,
	}

	if event.RuleName != "" {
		entry.MatchedRuleID = s.resolveRule(config.ID, event.RuleName)
	}
	if entry.CountryCode == "" && s.geoDB != nil && entry.IPAddress != "" {
		entry.CountryCode = s.geoDB.GeoLookup(entry.IPAddress)
	}

	return s.log.Append(entry)
}

// resolveRule maps an agent-reported document name back to a rule id. The
// id is the trailing underscore-separated token of the document name.
func (s *Server) resolveRule(configID int64, docName string) int64 {
	idx := strings.LastIndex(docName, "_")
	if idx < 0 || idx+1 >= len(docName) {
		return 0
	}

	var id int64
	for _, c := range docName[idx+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		id = id*10 + int64(c-'0')
	}

	rule, err := s.store.GetRule(id)
	if err != nil || rule.ConfigID != configID {
		return 0
	}
	return id
}
