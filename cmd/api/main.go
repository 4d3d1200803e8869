// Package main is the entry point for the turf war snapshot service.
//
// It loads configuration, connects to Postgres (applying migrations when
// enabled), wires the ingest pipeline, job executor, weekly rollup and cron
// scheduler, and serves the HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"turfwar/internal/api/handlers"
	"turfwar/internal/config"
	"turfwar/internal/core"
	"turfwar/internal/db"
	"turfwar/internal/external"
	"turfwar/internal/ingest"
	"turfwar/internal/metrics"
	"turfwar/internal/queue"
	"turfwar/internal/rollup"
	"turfwar/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("turf war service starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(pool, logger); err != nil {
			return err
		}
	}

	awsCfg := &lazyAWSConfig{region: cfg.AWS.Region}

	var cw metrics.CloudWatchClient
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		ac, err := awsCfg.get(ctx)
		if err != nil {
			return err
		}
		cw = cloudwatch.NewFromConfig(ac)
	}
	mb := metrics.New(cfg.Observability, cw, logger)

	var publisher ingest.EventPublisher = queue.NoopPublisher{}
	if url := cfg.AWS.SnapshotEventsQueueURL; url != "" {
		ac, err := awsCfg.get(ctx)
		if err != nil {
			return err
		}
		publisher = queue.NewSQSPublisher(sqs.NewFromConfig(ac), url, logger)
	}

	jobs := db.NewJobRepository(pool, cfg.Scheduler.FailureThreshold)
	guilds := db.NewGuildRepository(pool)

	ingestor := ingest.New(ingest.Config{
		Store:     db.NewSnapshotStore(pool),
		Publisher: publisher,
		Metrics:   mb.Recorder,
		Logger:    logger,
	})

	executor := scheduler.NewExecutor(scheduler.ExecutorConfig{
		Registry: jobs,
		Fetcher:  external.NewGameClient(cfg.GameAPI),
		Ingester: ingestor,
		Metrics:  mb.Recorder,
		Logger:   logger,
	})

	weekly := rollup.New(rollup.Config{
		Guilds:      guilds,
		Store:       db.NewWeeklyRepository(pool),
		Weeks:       cfg.Rollup.Weeks,
		Concurrency: cfg.Rollup.Concurrency,
		Metrics:     mb.Recorder,
		Logger:      logger,
	})

	// The handler's Rebuilder stays a nil interface when scheduling is off.
	var sched *scheduler.Scheduler
	var rebuilder handlers.Rebuilder
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			Jobs:           jobs,
			Runner:         executor,
			Rollup:         weekly,
			Settings:       cfg.Scheduler,
			RollupSchedule: cfg.Rollup.Schedule,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		rebuilder = sched
	} else {
		logger.Warn("scheduler disabled; jobs run only on demand")
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = mb.Recorder
	srv.MetricsHandler = mb.Handler
	srv.HealthProbes = []core.HealthProbe{db.HealthProbe{DB: pool}}

	snapshotHandler := handlers.NewSnapshotHandler(ingestor, nil, cfg.Server.MaxPayloadBytes, logger)
	jobHandler := handlers.NewJobHandler(handlers.JobHandlerConfig{
		Jobs:          jobs,
		Guilds:        guilds,
		Scheduler:     rebuilder,
		Runner:        executor,
		Validator:     srv.Validator,
		RunOnRegister: cfg.Scheduler.RunOnRegister,
		Logger:        logger,
	})
	srv.APIRouteRegistrars = append(srv.APIRouteRegistrars,
		snapshotHandler.RegisterRoutes,
		jobHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	if mb.Run != nil {
		go mb.Run(ctx)
	}

	serveErr := runHTTPServer(ctx, srv, cfg, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown error", "error", err)
		}
	}
	mb.Flush(shutdownCtx)

	if serveErr != nil {
		return serveErr
	}
	logger.Info("service stopped cleanly")
	return nil
}

// runHTTPServer serves until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Snapshot uploads run to tens of megabytes.
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// lazyAWSConfig loads the shared AWS config on first use so deployments
// without AWS integrations never need credentials.
type lazyAWSConfig struct {
	region string
	cfg    *aws.Config
}

func (l *lazyAWSConfig) get(ctx context.Context) (aws.Config, error) {
	if l.cfg != nil {
		return *l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(l.region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", l.region, err)
	}
	l.cfg = &cfg
	return cfg, nil
}

// newLogger creates a JSON slog.Logger for the given level name.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
