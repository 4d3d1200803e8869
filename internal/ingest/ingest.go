// Package ingest turns one guild payload into guild, member and time-series
// rows inside a single transaction.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"turfwar/internal/types"
	"turfwar/internal/window"
)

// Result summarizes a committed ingest.
type Result struct {
	GuildID            int64  `json:"guild_id"`
	GuildName          string `json:"guild"`
	GuildMight         int64  `json:"guild_might"`
	TotalDeployedPower int64  `json:"total_deployed_power"`
	TotalSpentElixir   int64  `json:"total_spent_elixir"`
	MembersProcessed   int    `json:"members_processed"`
	SnapshotsCreated   int    `json:"snapshots_created"`
	SnapshotDatetime   string `json:"snapshot_datetime"`
	RoundNumber        int    `json:"round_number"`
	IsSnipeTime        bool   `json:"is_snipe_time"`
}

// Config holds the Ingestor's dependencies. Publisher and Metrics are optional.
type Config struct {
	Store     Store
	Publisher EventPublisher
	Metrics   types.MetricsRecorder
	Logger    *slog.Logger
}

// Ingestor implements the snapshot ingest pipeline.
type Ingestor struct {
	store     Store
	publisher EventPublisher
	metrics   types.MetricsRecorder
	logger    *slog.Logger
}

func New(cfg Config) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &Ingestor{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Ingest validates payload, classifies receivedAt and writes every row in one
// transaction. Validation failures touch no storage. A storage failure rolls
// the whole payload back and returns an internal_ingestion_failed error.
func (in *Ingestor) Ingest(ctx context.Context, payload *types.SnapshotPayload, receivedAt time.Time) (*Result, error) {
	if err := Validate(payload); err != nil {
		return nil, err
	}

	bucket := window.Classify(receivedAt)
	guild := payload.Guild
	logger := types.LoggerFromContext(ctx, in.logger).With(
		"guild_id", guild.ID,
		"snapshot_datetime", bucket.Datetime(),
	)

	tx, err := in.store.BeginTx(ctx)
	if err != nil {
		return nil, ingestionError("begin", guild.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.UpsertGuild(ctx, guild); err != nil {
		return nil, ingestionError("upsert guild", guild.ID, err)
	}

	deployed := payload.TotalDeployedPower()
	spent := payload.TotalSpentElixir()

	err = tx.UpsertGuildSnapshot(ctx, types.GuildSnapshot{
		GuildID:            guild.ID,
		Bucket:             bucket,
		TotalDeployedPower: deployed,
		TotalSpentElixir:   spent,
		MembersCount:       guild.MembersCount,
		AveragePower:       guild.AveragePower,
		GuildMight:         guild.SummaryPower,
		Rank:               guild.Rank,
		Place:              guild.Place,
		RatingPoints:       guild.RatingPoints,
	})
	if err != nil {
		return nil, ingestionError("upsert guild snapshot", guild.ID, err)
	}

	for i := range payload.Members {
		m := &payload.Members[i]
		if err := tx.UpsertMember(ctx, guild.ID, m); err != nil {
			return nil, ingestionError("upsert member", guild.ID, err).
				WithDetails(map[string]any{"profile_id": m.ProfileID})
		}
		err := tx.UpsertMemberSnapshot(ctx, types.MemberSnapshot{
			ProfileID:      m.ProfileID,
			GuildID:        guild.ID,
			Bucket:         bucket,
			SummaryPower:   m.SummaryPower,
			SpentElixir:    m.SpentElixir,
			RemainingPower: m.RemainingPower,
			GuildMight:     m.GuildMight,
		})
		if err != nil {
			return nil, ingestionError("upsert member snapshot", guild.ID, err).
				WithDetails(map[string]any{"profile_id": m.ProfileID})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, ingestionError("commit", guild.ID, err)
	}

	result := &Result{
		GuildID:            guild.ID,
		GuildName:          guild.Name,
		GuildMight:         guild.SummaryPower,
		TotalDeployedPower: deployed,
		TotalSpentElixir:   spent,
		MembersProcessed:   len(payload.Members),
		SnapshotsCreated:   len(payload.Members) + 1,
		SnapshotDatetime:   bucket.Datetime(),
		RoundNumber:        bucket.Round,
		IsSnipeTime:        bucket.IsSnipe,
	}

	in.metrics.RecordIngest(bucket.Round, bucket.IsSnipe, result.MembersProcessed)
	logger.InfoContext(ctx, "snapshot ingested",
		"guild", guild.Name,
		"round", bucket.Round,
		"snipe", bucket.IsSnipe,
		"members", result.MembersProcessed,
		"deployed_power", deployed,
	)

	in.publish(ctx, logger, result, receivedAt)
	return result, nil
}

func (in *Ingestor) publish(ctx context.Context, logger *slog.Logger, r *Result, receivedAt time.Time) {
	if in.publisher == nil {
		return
	}
	err := in.publisher.PublishSnapshotIngested(ctx, types.SnapshotIngestedEvent{
		GuildID:          r.GuildID,
		GuildName:        r.GuildName,
		SnapshotDatetime: r.SnapshotDatetime,
		RoundNumber:      r.RoundNumber,
		IsSnipeTime:      r.IsSnipeTime,
		MembersProcessed: r.MembersProcessed,
		TotalDeployed:    r.TotalDeployedPower,
		ReceivedAt:       receivedAt.UTC(),
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to publish snapshot event", "error", err)
	}
}

func ingestionError(stage string, guildID int64, err error) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeInternalIngestionFailed,
		"snapshot ingest failed at "+stage,
		err,
		map[string]any{"guild_id": guildID, "stage": stage},
	)
}
