package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"appfw/agent"
	"appfw/api"
	"appfw/crowdsec"
	"appfw/decisionlog"
	"appfw/geodb"
	"appfw/hyperscan"
	"appfw/outofband"
	"appfw/ruleeval"
	"appfw/rulestore"
	"appfw/templates"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Dependency injection composition root
func main() {
	listenAddr := flag.String("listen", ":8080", "address the API server listens on")
	dbPath := flag.String("db", "appfw.db", "path to the bbolt database file")
	agentURL := flag.String("agenturl", "http://localhost:7422", "base URL of the enforcement agent API")
	agentKey := flag.String("agentkey", "", "API key for the enforcement agent. Can also be set via APPFW_AGENT_KEY.")
	agentTimeout := flag.Duration("agenttimeout", 10*time.Second, "timeout for one whole agent deploy")
	geoCachePath := flag.String("geocache", "geoipdata.json", "path to the GeoIP range cache file")
	oobInterval := flag.Duration("oobinterval", 30*time.Second, "how often the out-of-band analyzer re-scans recent traffic")
	logLevel := flag.String("loglevel", "info", "sets log level. Can be one of: debug, info, warn, error, fatal, panic.")
	profiling := flag.Bool("profiling", false, "whether to enable the :6060/debug/pprof/ endpoint")
	flag.Parse()

	if *profiling {
		go func() {
			http.ListenAndServe(":6060", nil)
		}()
	}

	loglevel, _ := zerolog.ParseLevel(*logLevel)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(loglevel).With().Timestamp().Caller().Logger()

	apiKey := *agentKey
	if apiKey == "" {
		apiKey = os.Getenv("APPFW_AGENT_KEY")
	}

	db, err := bolt.Open(*dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logger.Fatal().Err(err).Str("path", *dbPath).Msg("Error while opening database")
	}
	defer db.Close()

	store, err := rulestore.NewStore(db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Error while creating rule store")
	}

	registry := prometheus.DefaultRegisterer
	log, err := decisionlog.NewLog(store, logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Error while creating decision log")
	}

	gdb := geodb.NewGeoDB(logger, *geoCachePath, geodb.NewFileSystem())
	compiler := crowdsec.NewCompiler(logger)
	client := agent.NewHTTPClient(*agentURL, apiKey, *agentTimeout, logger)
	deployer := agent.NewDeployer(store, compiler, client, *agentTimeout, logger, registry)
	regexErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appfw_condition_regex_errors_total",
		Help: "Condition regex patterns that failed to compile at evaluation time.",
	})
	registry.MustRegister(regexErrors)

	evaluator := ruleeval.NewEvaluator(logger, gdb)
	evaluator.OnRegexError = func(pattern string, err error) {
		regexErrors.Inc()
	}
	engine := ruleeval.NewEngine(evaluator)

	mref := hyperscan.NewMultiRegexEngineFactory()
	analyzer := outofband.NewAnalyzer(store, log, engine, mref, *oobInterval, logger)
	go analyzer.Run(context.Background())

	server := api.NewServer(store, compiler, deployer, templates.NewCatalog(), log, engine, gdb, logger)

	logger.Info().Str("addr", *listenAddr).Msg("Starting firewall management server")
	if err := http.ListenAndServe(*listenAddr, server.Router()); err != nil {
		logger.Fatal().Err(err).Msg("Error while running firewall management server")
	}
}
