// Package scheduler fires the recurring per-guild game API calls, records
// their health in the job registry, and hosts the maintenance triggers
// (registry reload and weekly rollup).
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"turfwar/internal/ingest"
	"turfwar/internal/types"
)

// Registry is the slice of the job registry the executor needs.
type Registry interface {
	Get(ctx context.Context, guildID int64) (*types.JobEntry, error)
	RecordSuccess(ctx context.Context, guildID int64, at time.Time) error
	RecordFailure(ctx context.Context, guildID int64, at time.Time, message string) (types.FailureOutcome, error)
}

// Fetcher performs the outbound call for a job.
type Fetcher interface {
	Fetch(ctx context.Context, entry types.JobEntry) (*types.SnapshotPayload, error)
}

// Ingester stores a fetched payload.
type Ingester interface {
	Ingest(ctx context.Context, payload *types.SnapshotPayload, receivedAt time.Time) (*ingest.Result, error)
}

// RunOutcome describes one execution of a job.
type RunOutcome struct {
	RunID     string                `json:"run_id"`
	GuildID   int64                 `json:"guild_id"`
	Status    string                `json:"status"`
	Result    *ingest.Result        `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorCode types.ErrorCode       `json:"error_code,omitempty"`
	Failure   *types.FailureOutcome `json:"failure,omitempty"`
	Duration  time.Duration         `json:"duration_ns"`
}

// ExecutorConfig holds the Executor's dependencies.
type ExecutorConfig struct {
	Registry Registry
	Fetcher  Fetcher
	Ingester Ingester
	Metrics  types.MetricsRecorder
	Clock    quartz.Clock
	Logger   *slog.Logger
}

// Executor runs a single job: fetch, ingest, then record the outcome.
type Executor struct {
	registry Registry
	fetcher  Fetcher
	ingester Ingester
	metrics  types.MetricsRecorder
	clock    quartz.Clock
	logger   *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &Executor{
		registry: cfg.Registry,
		fetcher:  cfg.Fetcher,
		ingester: cfg.Ingester,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
	}
}

// Run executes entry once. Fetch and ingest failures are recorded against
// the job and reported in the outcome; Run itself never fails. A call refused
// by an open breaker is reported as skipped and not recorded.
func (e *Executor) Run(ctx context.Context, entry types.JobEntry) RunOutcome {
	start := e.clock.Now()
	runID := uuid.NewString()
	ctx = types.WithRequestID(ctx, runID)
	logger := e.logger.With("run_id", runID, "guild_id", entry.GuildID)
	ctx = types.WithLogger(ctx, logger)

	out := RunOutcome{RunID: runID, GuildID: entry.GuildID}

	// No database work happens until the fetch returns.
	payload, err := e.fetcher.Fetch(ctx, entry)
	if err == nil {
		out.Result, err = e.ingester.Ingest(ctx, payload, e.clock.Now())
	}

	switch {
	case err != nil && types.CodeOf(err) == types.ErrCodeUpstreamUnavailable:
		// The host's breaker refused the call, so nothing was attempted for
		// this guild and its registry state is left alone.
		out.Status = types.OutcomeSkipped
		out.Error = err.Error()
		out.ErrorCode = types.ErrCodeUpstreamUnavailable
		logger.WarnContext(ctx, "job run refused by open circuit breaker", "error", err)
	case err != nil:
		out.Status = types.OutcomeFailure
		out.Error = err.Error()
		out.ErrorCode = types.CodeOf(err)

		fo, recErr := e.registry.RecordFailure(ctx, entry.GuildID, e.clock.Now(), err.Error())
		if recErr != nil {
			logger.ErrorContext(ctx, "failed to record job failure", "error", recErr)
		} else {
			out.Failure = &fo
		}
		if out.Failure != nil && out.Failure.Disabled {
			logger.WarnContext(ctx, "job disabled after consecutive failures",
				"failure_count", fo.FailureCount, "error", err)
		} else {
			logger.WarnContext(ctx, "job run failed", "error_code", out.ErrorCode, "error", err)
		}
	default:
		out.Status = types.OutcomeSuccess
		if recErr := e.registry.RecordSuccess(ctx, entry.GuildID, e.clock.Now()); recErr != nil {
			logger.ErrorContext(ctx, "failed to record job success", "error", recErr)
		}
		logger.InfoContext(ctx, "job run succeeded",
			"members", out.Result.MembersProcessed,
			"round", out.Result.RoundNumber,
		)
	}

	out.Duration = e.clock.Since(start)
	e.metrics.RecordJobRun(out.Status, out.Duration)
	return out
}

// RunScheduled is the trigger path. The registry is consulted first so a
// trigger left over from a stale rebuild never calls a disabled or deleted
// job; such firings are skipped.
func (e *Executor) RunScheduled(ctx context.Context, entry types.JobEntry) RunOutcome {
	current, err := e.registry.Get(ctx, entry.GuildID)
	if err != nil || !current.IsActive {
		reason := "inactive"
		switch {
		case types.CodeOf(err) == types.ErrCodeNotFoundJob:
			reason = "deleted"
		case err != nil && !errors.Is(err, context.Canceled):
			reason = "registry unavailable"
			e.logger.WarnContext(ctx, "skipping trigger, registry read failed",
				"guild_id", entry.GuildID, "error", err)
		}
		e.logger.DebugContext(ctx, "skipping trigger", "guild_id", entry.GuildID, "reason", reason)
		e.metrics.RecordJobRun(types.OutcomeSkipped, 0)
		return RunOutcome{GuildID: entry.GuildID, Status: types.OutcomeSkipped, Error: reason}
	}
	return e.Run(ctx, entry)
}
