package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"turfwar/internal/types"
)

// GuildRepository reads the guilds table populated by ingest.
type GuildRepository struct {
	db DBTX
}

func NewGuildRepository(db DBTX) *GuildRepository {
	return &GuildRepository{db: db}
}

// GetName returns the stored guild name, or nil when the guild has never
// been ingested.
func (r *GuildRepository) GetName(ctx context.Context, guildID int64) (*string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT name FROM guilds WHERE id = $1`, guildID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up guild name", err)
	}
	return &name, nil
}

// ListIDs returns every known guild id in ascending order.
func (r *GuildRepository) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM guilds ORDER BY id`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list guilds", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan guild ids", err)
	}
	return ids, nil
}
