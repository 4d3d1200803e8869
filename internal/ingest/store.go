package ingest

import (
	"context"

	"turfwar/internal/types"
)

// Store opens the unit of work for one ingest.
type Store interface {
	BeginTx(ctx context.Context) (SnapshotTx, error)
}

// SnapshotTx is one transaction scoped to a single pooled connection. Every
// upsert is keyed by its natural key and overwrites mutable columns only.
type SnapshotTx interface {
	UpsertGuild(ctx context.Context, g *types.GuildPayload) error
	UpsertGuildSnapshot(ctx context.Context, s types.GuildSnapshot) error
	UpsertMember(ctx context.Context, guildID int64, m *types.MemberPayload) error
	UpsertMemberSnapshot(ctx context.Context, s types.MemberSnapshot) error

	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

// EventPublisher is notified after a snapshot commits.
type EventPublisher interface {
	PublishSnapshotIngested(ctx context.Context, event types.SnapshotIngestedEvent) error
}
