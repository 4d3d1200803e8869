package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"turfwar/internal/ingest"
	"turfwar/internal/types"
)

// SnapshotStore opens the per-payload transaction used by ingest.
type SnapshotStore struct {
	db TxBeginner
}

var _ ingest.Store = (*SnapshotStore)(nil)

func NewSnapshotStore(db TxBeginner) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// BeginTx starts a transaction. The returned SnapshotTx must be committed or
// rolled back by the caller.
func (s *SnapshotStore) BeginTx(ctx context.Context) (ingest.SnapshotTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin snapshot transaction", err)
	}
	return &snapshotTx{tx: tx}, nil
}

type snapshotTx struct {
	tx pgx.Tx
}

// bucketArgs converts a classification into the three natural-key columns.
// pgx writes DATE and TIMESTAMP from the wall clock of the value, so the
// reporting-zone time is passed as is.
func bucketArgs(c types.Classification) (time.Time, pgtype.Time, time.Time) {
	l := c.Local
	day := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
	clock := pgtype.Time{
		Microseconds: int64(l.Hour())*int64(time.Hour/time.Microsecond) +
			int64(l.Minute())*int64(time.Minute/time.Microsecond) +
			int64(l.Second())*int64(time.Second/time.Microsecond),
		Valid: true,
	}
	wall := time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), 0, time.UTC)
	return day, clock, wall
}

// UpsertGuild writes the guild profile. created_on is kept from the first sighting.
func (t *snapshotTx) UpsertGuild(ctx context.Context, g *types.GuildPayload) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO guilds (
			id, name, slogan, rank, icon, created_on, is_qa_guild, min_might,
			influence, auto_accept_requests, internal_message, members_count,
			average_power, summary_power, max_summary_power, pinned_message,
			game_server, current_members, current_officers, request_id,
			invite_id, place, old_place, rating_points
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			slogan = EXCLUDED.slogan,
			rank = EXCLUDED.rank,
			icon = EXCLUDED.icon,
			is_qa_guild = EXCLUDED.is_qa_guild,
			min_might = EXCLUDED.min_might,
			influence = EXCLUDED.influence,
			auto_accept_requests = EXCLUDED.auto_accept_requests,
			internal_message = EXCLUDED.internal_message,
			members_count = EXCLUDED.members_count,
			average_power = EXCLUDED.average_power,
			summary_power = EXCLUDED.summary_power,
			max_summary_power = EXCLUDED.max_summary_power,
			pinned_message = EXCLUDED.pinned_message,
			game_server = EXCLUDED.game_server,
			current_members = EXCLUDED.current_members,
			current_officers = EXCLUDED.current_officers,
			request_id = EXCLUDED.request_id,
			invite_id = EXCLUDED.invite_id,
			place = EXCLUDED.place,
			old_place = EXCLUDED.old_place,
			rating_points = EXCLUDED.rating_points,
			updated_at = NOW()`,
		g.ID, g.Name, g.Slogan, g.Rank, g.Icon.String(), g.CreatedOn.Ptr(),
		bool(g.IsQAGuild), g.MinMight, g.Influence, bool(g.AutoAcceptRequests),
		g.InternalMessage, g.MembersCount, g.AveragePower, g.SummaryPower,
		g.MaxSummaryPower, g.PinnedMessage, g.GameServer.String(), g.CurrentMembers,
		g.CurrentOfficers, g.RequestID.String(), g.InviteID.String(), g.Place,
		g.OldPlace, g.RatingPoints,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert guild", err)
	}
	return nil
}

func (t *snapshotTx) UpsertGuildSnapshot(ctx context.Context, s types.GuildSnapshot) error {
	day, clock, wall := bucketArgs(s.Bucket)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO guild_snapshots (
			guild_id, snapshot_date, snapshot_time, snapshot_datetime,
			round_number, is_snipe_time, total_deployed_power, total_spent_elixir,
			members_count, average_power, guild_might, rank, place, rating_points
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (guild_id, snapshot_date, snapshot_time) DO UPDATE SET
			total_deployed_power = EXCLUDED.total_deployed_power,
			total_spent_elixir = EXCLUDED.total_spent_elixir,
			members_count = EXCLUDED.members_count,
			average_power = EXCLUDED.average_power,
			guild_might = EXCLUDED.guild_might,
			rank = EXCLUDED.rank,
			place = EXCLUDED.place,
			rating_points = EXCLUDED.rating_points`,
		s.GuildID, day, clock, wall,
		s.Bucket.Round, s.Bucket.IsSnipe, s.TotalDeployedPower, s.TotalSpentElixir,
		s.MembersCount, s.AveragePower, s.GuildMight, s.Rank, s.Place, s.RatingPoints,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert guild snapshot", err)
	}
	return nil
}

// UpsertMember writes the player profile and moves it to guildID. Join date,
// creation date, account type, former-master flag and server are immutable
// once recorded.
func (t *snapshotTx) UpsertMember(ctx context.Context, guildID int64, m *types.MemberPayload) error {
	nb := m.NameBit
	_, err := t.tx.Exec(ctx,
		`INSERT INTO players (
			profile_id, guild_id, name, prefix, country, frame_id, medal_id,
			time_zone, medal_value, chosen_language, country_is_static, joined_on,
			role, was_guild_master, locked_gw_till, locked_gs_till,
			locked_regatta_till, locked_gf_till, created_on, type,
			remaining_power, guild_might, fame, game_server, last_visit,
			warlord_id, warlord_promote
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (profile_id) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			name = EXCLUDED.name,
			prefix = EXCLUDED.prefix,
			country = EXCLUDED.country,
			frame_id = EXCLUDED.frame_id,
			medal_id = EXCLUDED.medal_id,
			time_zone = EXCLUDED.time_zone,
			medal_value = EXCLUDED.medal_value,
			chosen_language = EXCLUDED.chosen_language,
			country_is_static = EXCLUDED.country_is_static,
			role = EXCLUDED.role,
			locked_gw_till = EXCLUDED.locked_gw_till,
			locked_gs_till = EXCLUDED.locked_gs_till,
			locked_regatta_till = EXCLUDED.locked_regatta_till,
			locked_gf_till = EXCLUDED.locked_gf_till,
			remaining_power = EXCLUDED.remaining_power,
			guild_might = EXCLUDED.guild_might,
			fame = EXCLUDED.fame,
			last_visit = EXCLUDED.last_visit,
			warlord_id = EXCLUDED.warlord_id,
			warlord_promote = EXCLUDED.warlord_promote,
			updated_at = NOW()`,
		m.ProfileID, guildID, nb.Name, nb.Prefix, nb.Country.String(), nb.FrameID,
		nb.MedalID, nb.TimeZone.String(), nb.MedalValue, nb.ChosenLanguage,
		bool(nb.CountryIsStatic), m.JoinedOn.Ptr(), m.Role.String(),
		bool(m.WasGuildMaster), m.LockedGWTill.Ptr(), m.LockedGSTill.Ptr(),
		m.LockedRegattaTill.Ptr(), m.LockedGFTill.Ptr(), m.CreatedOn.Ptr(),
		m.Type.String(), m.RemainingPower, m.GuildMight, m.Fame,
		m.GameServer.String(), m.LastVisit.Ptr(), m.WarlordID.String(),
		m.WarlordPromote.String(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert player", err)
	}
	return nil
}

func (t *snapshotTx) UpsertMemberSnapshot(ctx context.Context, s types.MemberSnapshot) error {
	day, clock, wall := bucketArgs(s.Bucket)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO turf_war_snapshots (
			profile_id, guild_id, snapshot_date, snapshot_time, snapshot_datetime,
			round_number, is_snipe_time, summary_power, spent_elixir,
			remaining_power, guild_might
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (profile_id, snapshot_date, snapshot_time) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			summary_power = EXCLUDED.summary_power,
			spent_elixir = EXCLUDED.spent_elixir,
			remaining_power = EXCLUDED.remaining_power,
			guild_might = EXCLUDED.guild_might`,
		s.ProfileID, s.GuildID, day, clock, wall,
		s.Bucket.Round, s.Bucket.IsSnipe, s.SummaryPower, s.SpentElixir,
		s.RemainingPower, s.GuildMight,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert member snapshot", err)
	}
	return nil
}

func (t *snapshotTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit snapshot transaction", err)
	}
	return nil
}

// Rollback is a no-op after a successful Commit.
func (t *snapshotTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
