// Package api exposes the operator-facing REST contract: rule CRUD and
// lifecycle, template import, traffic queries, the agent webhook, and the
// live decision feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"appfw/agent"
	"appfw/decisionlog"
	"appfw/ruleeval"
	"appfw/templates"
	"appfw/waf"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires the HTTP handlers to the application services.
type Server struct {
	store    waf.RuleStore
	compiler waf.Compiler
	deployer *agent.Deployer
	catalog  *templates.Catalog
	log      *decisionlog.Log
	engine   *ruleeval.Engine
	geoDB    waf.GeoDB
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the API server. geoDB may be nil; webhook entries then
// keep whatever country code the agent reported.
func NewServer(store waf.RuleStore, compiler waf.Compiler, deployer *agent.Deployer, catalog *templates.Catalog, log *decisionlog.Log, engine *ruleeval.Engine, geoDB waf.GeoDB, logger zerolog.Logger) *Server {
	return &Server{
		store:    store,
		compiler: compiler,
		deployer: deployer,
		catalog:  catalog,
		log:      log,
		engine:   engine,
		geoDB:    geoDB,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)

	app := v1.PathPrefix("/apps/{app}").Subrouter()
	app.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	app.HandleFunc("/config", s.handleUpdateConfig).Methods(http.MethodPut)
	app.HandleFunc("/deploy", s.handleDeploy).Methods(http.MethodPost)

	app.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	app.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	app.HandleFunc("/rules/reorder", s.handleReorderRules).Methods(http.MethodPost)
	app.HandleFunc("/rules/bulk", s.handleBulkToggle).Methods(http.MethodPost)
	app.HandleFunc("/rules/bulk-delete", s.handleBulkDelete).Methods(http.MethodPost)
	app.HandleFunc("/rules/test", s.handleTestRules).Methods(http.MethodPost)
	app.HandleFunc("/rules/{id:[0-9]+}", s.handleGetRule).Methods(http.MethodGet)
	app.HandleFunc("/rules/{id:[0-9]+}", s.handleUpdateRule).Methods(http.MethodPut)
	app.HandleFunc("/rules/{id:[0-9]+}", s.handleDeleteRule).Methods(http.MethodDelete)
	app.HandleFunc("/rules/{id:[0-9]+}/toggle", s.handleToggleRule).Methods(http.MethodPost)
	app.HandleFunc("/rules/{id:[0-9]+}/duplicate", s.handleDuplicateRule).Methods(http.MethodPost)
	app.HandleFunc("/rules/{id:[0-9]+}/stats", s.handleRuleStats).Methods(http.MethodGet)
	app.HandleFunc("/rules/{id:[0-9]+}/artifacts", s.handleRuleArtifacts).Methods(http.MethodGet)

	app.HandleFunc("/templates/{key}/import", s.handleImportTemplate).Methods(http.MethodPost)

	app.HandleFunc("/traffic", s.handleQueryTraffic).Methods(http.MethodGet)
	app.HandleFunc("/traffic/summary", s.handleTrafficSummary).Methods(http.MethodGet)
	app.HandleFunc("/traffic/hourly", s.handleTrafficHourly).Methods(http.MethodGet)
	app.HandleFunc("/traffic/recent", s.handleTrafficRecent).Methods(http.MethodGet)
	app.HandleFunc("/traffic/live", s.handleTrafficLive).Methods(http.MethodGet)

	v1.HandleFunc("/webhook/decisions", s.handleWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhook/decisions/batch", s.handleWebhookBatch).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the error taxonomy onto HTTP statuses. Unexpected
// errors are logged with context and returned without internals.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *waf.ValidationError
	var compileErr *waf.CompilationError

	switch {
	case errors.Is(err, waf.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, waf.ErrConflict):
		writeError(w, http.StatusConflict, "version conflict, reload and retry")
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
	case errors.As(err, &compileErr):
		writeError(w, http.StatusUnprocessableEntity, compileErr.Error())
	default:
		s.logger.Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// configFor resolves the {app} path variable, creating the config lazily.
func (s *Server) configFor(r *http.Request) (waf.FirewallConfig, error) {
	return s.store.GetOrCreateConfig(mux.Vars(r)["app"])
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
