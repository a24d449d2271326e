// Command assessd runs the document assessment service: HTTP and MCP intake,
// text extraction, quota admission and the assessment scheduler.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Sendient/ai-detector-sub001/api"
	"github.com/Sendient/ai-detector-sub001/auth"
	"github.com/Sendient/ai-detector-sub001/blobstore"
	"github.com/Sendient/ai-detector-sub001/config"
	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/idgen"
	"github.com/Sendient/ai-detector-sub001/jobq"
	"github.com/Sendient/ai-detector-sub001/observability"
	"github.com/Sendient/ai-detector-sub001/pipeline"
	"github.com/Sendient/ai-detector-sub001/quota"
	"github.com/Sendient/ai-detector-sub001/records"
	"github.com/Sendient/ai-detector-sub001/scheduler"
	"github.com/Sendient/ai-detector-sub001/scoring"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "assessd.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// App DB: documents, batches, quota ledger and job queue.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(records.Schema),
		dbopen.WithSchema(quota.Schema),
		dbopen.WithSchema(jobq.Schema))
	if err != nil {
		slog.Error("app db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Observability DB (separate from app DB to avoid write contention).
	obsDB, err := dbopen.Open(cfg.ObservabilityPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()

	metrics := observability.NewMetricsManager(obsDB, observability.MetricsConfig{Logger: logger})
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB,
		observability.WithEventIDGenerator(idgen.Prefixed("evt_", idgen.Default)),
		observability.WithEventLogger(logger))

	blobs, err := blobstore.Open(ctx, cfg.Storage)
	if err != nil {
		slog.Error("blob storage", "error", err, "backend", cfg.Storage.Backend)
		os.Exit(1)
	}

	plans, err := quota.NewStaticPlans(cfg.Plans)
	if err != nil {
		slog.Error("plans", "error", err)
		os.Exit(1)
	}

	httpScorer, err := scoring.NewHTTPScorer(cfg.Scorer.HTTPConfig)
	if err != nil {
		slog.Error("scorer", "error", err)
		os.Exit(1)
	}
	breaker := scoring.NewBreaker(
		scoring.WithBreakerThreshold(cfg.Scorer.BreakerThreshold),
		scoring.WithBreakerResetTimeout(cfg.Scorer.BreakerReset))
	scorer := scoring.Guard(httpScorer, breaker)

	store := records.New(db, records.WithLogger(logger))
	ledger := quota.NewLedger(db, plans, quota.WithLogger(logger))
	queue := jobq.New(db, jobq.Options{Queue: "assess", Logger: logger})

	sched := scheduler.New(store, ledger, queue, blobs, scorer, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithEvents(events))

	svc := pipeline.New(pipeline.Deps{
		Store:     store,
		Ledger:    ledger,
		Plans:     plans,
		Scheduler: sched,
		Blobs:     blobs,
		Extractor: cfg.Extractor.Registry(logger),
		Metrics:   metrics,
		Events:    events,
		Logger:    logger,
	}, cfg.Intake)

	// Crash recovery: resume intake and repair queue and ledger state.
	if err := svc.Recover(ctx); err != nil {
		slog.Error("recover", "error", err)
		os.Exit(1)
	}

	sampler := observability.NewSampler(metrics, 15*time.Second)
	sampler.Gauge(observability.MetricQueueDepth, func(ctx context.Context) (float64, error) {
		n, err := queue.Len(ctx)
		return float64(n), err
	})
	go sampler.Run(ctx)
	go retentionLoop(ctx, metrics, events, cfg.Retention)

	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMaxBody(cfg.Intake.MaxFileBytes*4),
		api.WithVersion(version),
		api.WithCheck("database", pingCheck(db)),
		api.WithCheck("observability", pingCheck(obsDB)),
		api.WithGauge("queue_depth", queue.Len),
		api.WithCheck("scorer", func(context.Context) error {
			if breaker.State() == scoring.BreakerOpen {
				return scoring.ErrCircuitOpen
			}
			return nil
		}),
	}
	if cfg.Auth.TenantSecret != "" {
		v, err := auth.NewVerifier([]byte(cfg.Auth.TenantSecret), cfg.Auth.Issuer)
		if err != nil {
			slog.Error("auth", "error", err)
			os.Exit(1)
		}
		apiOpts = append(apiOpts, api.WithAuth(v))
	} else {
		slog.Warn("tenant assertions disabled, trusting the X-Tenant-ID header")
	}
	h := api.New(svc, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("assessd listening", "addr", cfg.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	// Intake goroutines finish their document; the scheduler drains in-flight
	// assessments.
	svc.Wait()
	<-schedDone
	slog.Info("server stopped")
}

func pingCheck(db *sql.DB) api.Check {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// retentionLoop prunes old observability rows once a day.
func retentionLoop(ctx context.Context, mm *observability.MetricsManager, el *observability.EventLogger, r config.RetentionConfig) {
	prune := func() {
		if r.Metrics > 0 {
			if n, err := mm.Cleanup(ctx, r.Metrics); err != nil {
				slog.Warn("metrics cleanup", "error", err)
			} else if n > 0 {
				slog.Info("metrics cleanup", "deleted", n)
			}
		}
		if r.Events > 0 {
			if n, err := el.Cleanup(ctx, r.Events); err != nil {
				slog.Warn("events cleanup", "error", err)
			} else if n > 0 {
				slog.Info("events cleanup", "deleted", n)
			}
		}
	}
	prune()
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
