package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	httpadapter "github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/kafka"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/gateway"
	openaiadapter "github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/openai"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/oracle"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/postgres"
	redisadapter "github.com/couchcryptid/coastal-hazard-pipeline/internal/adapter/redis"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/config"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/dispatch"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/hotspot"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/observability"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/pipeline"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/scoring"
	"github.com/couchcryptid/coastal-hazard-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Error("close error", "error", err)
			}
		}
	}()
	checks := readiness{}

	// Persistence (PostgreSQL when DATABASE_URL is set, memory otherwise).
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		closers = append(closers, pg.Close)
		checks = append(checks, pg)
		st = pg
		logger.Info("postgres store enabled")
	} else {
		st = store.NewMemory()
		logger.Info("in-memory store enabled")
	}

	// Subscriber directory.
	var directory dispatch.Directory
	switch {
	case cfg.RedisAddr != "":
		dir, err := redisadapter.NewDirectory(ctx, redisadapter.Config{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
		}, logger)
		if err != nil {
			return err
		}
		closers = append(closers, dir.Close)
		checks = append(checks, dir)
		directory = dir
		logger.Info("redis subscriber directory enabled", "addr", cfg.RedisAddr)
	case cfg.SubscribersFile != "":
		dir, err := dispatch.LoadStaticDirectory(cfg.SubscribersFile)
		if err != nil {
			return err
		}
		directory = dir
		logger.Info("static subscriber directory loaded", "file", cfg.SubscribersFile)
	case cfg.DemoMode:
		directory = dispatch.NewStaticDirectory(dispatch.Subscriber{ID: "demo-operator", Channels: config.Channels})
		logger.Info("demo subscriber directory enabled")
	default:
		directory = dispatch.NewStaticDirectory()
		logger.Warn("no subscriber directory configured, alerts will have no recipients")
	}

	// Kafka source and sinks.
	var (
		reader *kafkaadapter.Reader
		writer *kafkaadapter.Writer
	)
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)
		closers = append(closers, writer.Close, reader.Close)
	}

	// Dispatch.
	dispatchOpts := []dispatch.Option{dispatch.WithTaskStore(st)}
	if writer != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithExhaustedSink(writer))
	}
	dispatcher := dispatch.New(dispatch.Config{
		Retry: dispatch.RetryPolicy{
			MaxAttempts:    cfg.AlertMaxAttempts,
			InitialBackoff: cfg.AlertInitialBackoff,
			MaxBackoff:     cfg.AlertMaxBackoff,
			BackoffFactor:  2,
		},
		SendTimeout: cfg.AlertSendTimeout,
		Workers:     cfg.ChannelWorkers,
		RatePerSec:  cfg.ChannelRatePerSec,
		Burst:       cfg.ChannelBurst,
	}, directory, channels(cfg, logger), logger, metrics, dispatchOpts...)
	dispatcher.Start(ctx)

	// Clustering, restored from persisted live hotspots.
	hcfg := hotspot.DefaultConfig()
	hcfg.EscalationThreshold = cfg.EscalationThreshold
	hcfg.SecondEscalationThreshold = cfg.SecondEscalationThreshold
	hcfg.InactivityWindow = cfg.InactivityWindow
	hcfg.CooldownWindow = cfg.CooldownWindow
	engine := hotspot.NewEngine(hcfg, st, dispatcher, logger, metrics)
	known, err := st.ListHotspots(ctx, store.HotspotFilter{States: append(slices.Clone(store.LiveStates), domain.StateResolved)})
	if err != nil {
		return fmt.Errorf("load hotspots: %w", err)
	}
	logger.Info("hotspots restored", "live", engine.Restore(known), "loaded", len(known))

	// Finish alert work an earlier run left behind.
	tasks, err := st.ListAlertTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("load alert tasks: %w", err)
	}
	dispatcher.Resume(ctx, tasks)
	if n, err := dispatcher.Reconcile(ctx, known, tasks); err != nil {
		logger.Error("alert reconciliation incomplete", "reconciled", n, "error", err)
	}

	// Scoring, optionally blended with nearby reports from other reporters.
	var scoreOpts []scoring.Option
	if cfg.CorroborationEnabled {
		scoreOpts = append(scoreOpts, scoring.WithCorroboration(scoring.NewCorroborator(st, scoring.CorroborationConfig{
			AIWeight: cfg.CorroborationAIWeight,
			Weight:   cfg.CorroborationWeight,
			RadiusKm: cfg.CorroborationRadiusKm,
			Window:   cfg.CorroborationWindow,
		})))
	}
	scorer := scoring.NewScorer(newOracle(cfg, logger, metrics), scoring.Config{
		CredibleThreshold:       cfg.CredibleThreshold,
		MisinformationThreshold: cfg.MisinformationThreshold,
		EscalateConfidence:      cfg.EscalateConfidence,
		Timeout:                 cfg.ScoringTimeout,
		Retries:                 1,
	}, logger, metrics, scoreOpts...)

	deps := pipeline.Deps{
		Store:      st,
		Scorer:     scorer,
		Engine:     engine,
		Dispatcher: dispatcher,
	}
	if reader != nil {
		deps.Source = reader
		deps.Publisher = writer
		deps.LostTriggers = writer
	}
	coord := pipeline.New(pipeline.Config{
		ScoringWorkers: cfg.ScoringWorkers,
		ClusterShards:  cfg.ClusterShards,
		QueueSize:      cfg.QueueSize,
		BatchSize:      cfg.BatchSize,
		ClockSkew:      cfg.ClockSkew,
		SweepInterval:  cfg.SweepInterval,
	}, deps, logger, metrics)
	checks = append(checks, coord)

	srv := httpadapter.NewServer(cfg.HTTPAddr, coord, st, checks, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start pipeline.
	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- coord.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting submissions, drain the pipeline, then let queued alert
	// tasks finish before closing the sinks they report to.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case err := <-pipelineDone:
		if err != nil {
			logger.Error("pipeline error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("pipeline drain timed out")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// newOracle picks the scoring backend and wraps it in the response cache.
func newOracle(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) domain.Oracle {
	var o domain.Oracle
	switch cfg.OracleProvider {
	case config.OracleHTTP:
		o = oracle.NewClient(cfg.OracleURL, cfg.OracleToken, cfg.OracleCredibleLabels, cfg.ScoringTimeout, logger)
	case config.OracleOpenAI:
		o = openaiadapter.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, logger)
	default:
		// Keyword scoring is cheap enough that caching would only cost memory.
		logger.Info("scoring oracle enabled", "provider", config.OracleHeuristic)
		return scoring.NewHeuristicOracle()
	}
	logger.Info("scoring oracle enabled", "provider", cfg.OracleProvider, "cache_size", cfg.ScoringCacheSize, "timeout", cfg.ScoringTimeout)
	return scoring.NewCachedOracle(o, cfg.ScoringCacheSize, metrics)
}

// channels builds one adapter per channel: the HTTP gateway when a URL is
// configured, the log channel in demo mode, and nothing otherwise.
func channels(cfg *config.Config, logger *slog.Logger) []dispatch.Channel {
	var out []dispatch.Channel
	for _, name := range config.Channels {
		switch url, ok := cfg.GatewayURLs[name]; {
		case ok:
			out = append(out, gateway.NewChannel(name, url, cfg.AlertSendTimeout, logger))
			logger.Info("alert channel enabled", "channel", name, "mode", "gateway")
		case cfg.DemoMode:
			out = append(out, dispatch.NewLogChannel(name, logger))
			logger.Info("alert channel enabled", "channel", name, "mode", "demo")
		default:
			logger.Warn("alert channel has no adapter", "channel", name)
		}
	}
	return out
}

// readiness is ready when every check passes.
type readiness []interface {
	CheckReadiness(ctx context.Context) error
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}
