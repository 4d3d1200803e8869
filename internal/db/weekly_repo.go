package db

import (
	"context"
	"math"
	"time"

	"turfwar/internal/types"
)

// WeeklyRepository computes and stores guild_weekly_performance rows.
type WeeklyRepository struct {
	db DBTX
}

func NewWeeklyRepository(db DBTX) *WeeklyRepository {
	return &WeeklyRepository{db: db}
}

// dateOnly keeps the wall-clock calendar day of t for a DATE column.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AggregateWeek sums round-3 participation for one guild over the seven
// local days starting at weekStart. Each member contributes their latest
// round-3 snapshot of each day.
func (r *WeeklyRepository) AggregateWeek(ctx context.Context, guildID int64, weekStart time.Time) (types.WeeklyAggregate, error) {
	agg := types.WeeklyAggregate{GuildID: guildID, WeekStart: weekStart}
	start := dateOnly(weekStart)
	end := start.AddDate(0, 0, 6)

	err := r.db.QueryRow(ctx,
		`WITH latest AS (
			SELECT DISTINCT ON (profile_id, snapshot_date)
				profile_id, summary_power, spent_elixir
			FROM turf_war_snapshots
			WHERE guild_id = $1
			  AND round_number = 3
			  AND snapshot_date BETWEEN $2 AND $3
			ORDER BY profile_id, snapshot_date, snapshot_time DESC
		)
		SELECT
			COALESCE(SUM(summary_power), 0)::BIGINT,
			COALESCE(SUM(spent_elixir), 0)::BIGINT,
			COUNT(DISTINCT profile_id)::INT,
			COALESCE((SELECT current_members FROM guilds WHERE id = $1), 0)
		FROM latest`,
		guildID, start, end,
	).Scan(&agg.TotalPower, &agg.TotalElixir, &agg.MembersPlaced, &agg.TotalMembers)
	if err != nil {
		return agg, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate weekly performance", err)
	}
	return agg, nil
}

// UpsertWeekly stores p, replacing any earlier computation for the same week.
func (r *WeeklyRepository) UpsertWeekly(ctx context.Context, p types.WeeklyPerformance) error {
	start := dateOnly(p.WeekStart)
	_, err := r.db.Exec(ctx,
		`INSERT INTO guild_weekly_performance (
			guild_id, week_start_date, week_end_date, total_power, total_elixir,
			members_placed, total_members, participation_rate,
			avg_elixir_per_active, performance_tier
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (guild_id, week_start_date) DO UPDATE SET
			week_end_date = EXCLUDED.week_end_date,
			total_power = EXCLUDED.total_power,
			total_elixir = EXCLUDED.total_elixir,
			members_placed = EXCLUDED.members_placed,
			total_members = EXCLUDED.total_members,
			participation_rate = EXCLUDED.participation_rate,
			avg_elixir_per_active = EXCLUDED.avg_elixir_per_active,
			performance_tier = EXCLUDED.performance_tier,
			computed_at = NOW()`,
		p.GuildID, start, start.AddDate(0, 0, 6), p.TotalPower, p.TotalElixir,
		p.MembersPlaced, p.TotalMembers, p.ParticipationRate,
		int64(math.Round(p.AvgElixirPerActive)), string(p.Tier),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert weekly performance", err)
	}
	return nil
}
