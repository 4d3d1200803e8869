// Package main is the entrypoint for the weekly rollup job.
//
// Under Lambda it is invoked by an EventBridge schedule; anywhere else it
// performs a single rollup pass and exits. The long-running API process
// runs the same rollup on its own cron, so deployments pick one or the other.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"

	"turfwar/internal/config"
	"turfwar/internal/db"
	"turfwar/internal/metrics"
	"turfwar/internal/rollup"
)

// RollupRunner recomputes weekly performance for every guild.
type RollupRunner interface {
	Run(ctx context.Context) error
}

// Handler holds the dependencies for one rollup invocation.
type Handler struct {
	Rollup RollupRunner
	// Flush ships buffered metrics before the invocation returns. Optional.
	Flush  func(ctx context.Context)
	Logger *slog.Logger
}

// Handle runs one rollup pass. The event is only used for log correlation.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	invocationID := event.ID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	logger = logger.With("invocation_id", invocationID)

	start := time.Now()
	logger.InfoContext(ctx, "weekly rollup started", "source", event.Source)

	err := h.Rollup.Run(ctx)
	if h.Flush != nil {
		h.Flush(context.WithoutCancel(ctx))
	}
	if err != nil {
		logger.ErrorContext(ctx, "weekly rollup failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("weekly rollup: %w", err)
	}

	logger.InfoContext(ctx, "weekly rollup completed", "duration_ms", time.Since(start).Milliseconds())
	return fmt.Sprintf("rollup %s completed", invocationID), nil
}

// underLambda reports whether the process was started by the Lambda runtime.
func underLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" || os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	handler, cleanup, err := setup(context.Background(), logger)
	if err != nil {
		logger.Error("rollup initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if underLambda() {
		logger.Info("rollup lambda initialized")
		lambda.Start(handler.Handle)
		return
	}

	if _, err := handler.Handle(context.Background(), events.CloudWatchEvent{Source: "cli"}); err != nil {
		cleanup()
		os.Exit(1)
	}
}

// setup loads configuration and builds the handler. cleanup releases the
// database pool.
func setup(ctx context.Context, logger *slog.Logger) (*Handler, func(), error) {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	var cw metrics.CloudWatchClient
	if cfg.Observability.MetricsBackend == "cloudwatch" {
		ac, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("loading AWS config (region=%s): %w", cfg.AWS.Region, err)
		}
		cw = cloudwatch.NewFromConfig(ac)
	}
	mb := metrics.New(cfg.Observability, cw, logger)

	svc := rollup.New(rollup.Config{
		Guilds:      db.NewGuildRepository(pool),
		Store:       db.NewWeeklyRepository(pool),
		Weeks:       cfg.Rollup.Weeks,
		Concurrency: cfg.Rollup.Concurrency,
		Metrics:     mb.Recorder,
		Logger:      logger,
	})

	return &Handler{Rollup: svc, Flush: mb.Flush, Logger: logger}, pool.Close, nil
}
