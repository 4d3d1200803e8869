package types

import (
	"maps"
	"time"
)

// Classification is the round/snipe bucket computed for an instant.
// Date and Clock form the natural key of every snapshot row.
type Classification struct {
	Round   int       `json:"round_number"`
	IsSnipe bool      `json:"is_snipe_time"`
	Local   time.Time `json:"-"`
}

// Date is the local calendar day, YYYY-MM-DD.
func (c Classification) Date() string { return c.Local.Format(time.DateOnly) }

// Clock is the local wall-clock time, HH:MM:SS.
func (c Classification) Clock() string { return c.Local.Format(time.TimeOnly) }

// Datetime is the local date and time, YYYY-MM-DD HH:MM:SS.
func (c Classification) Datetime() string { return c.Local.Format(time.DateTime) }

// GuildSnapshot is the guild-level aggregate for one (guild, date, time) bucket.
type GuildSnapshot struct {
	GuildID            int64
	Bucket             Classification
	TotalDeployedPower int64
	TotalSpentElixir   int64
	MembersCount       int
	AveragePower       float64
	GuildMight         int64
	Rank               int64
	Place              int
	RatingPoints       int64
}

// MemberSnapshot is one member's row for a (profile, date, time) bucket.
type MemberSnapshot struct {
	ProfileID      int64
	GuildID        int64
	Bucket         Classification
	SummaryPower   int64
	SpentElixir    int64
	RemainingPower int64
	GuildMight     int64
}

// JobEntry is the durable recurring call definition for one guild.
type JobEntry struct {
	ID           int64      `json:"id"`
	GuildID      int64      `json:"guild_id"`
	GuildName    *string    `json:"guild_name"`
	URL          string     `json:"url"`
	Method       string     `json:"method"`
	Headers      Headers    `json:"headers"`
	Body         string     `json:"body"`
	IsActive     bool       `json:"is_active"`
	LastSuccess  *time.Time `json:"last_success"`
	LastFailure  *time.Time `json:"last_failure"`
	FailureCount int        `json:"failure_count"`
	LastError    *string    `json:"failure_message"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so a scheduled trigger never observes later
// mutations of the registry entry it was built from.
func (j JobEntry) Clone() JobEntry {
	out := j
	out.Headers = maps.Clone(j.Headers)
	if j.GuildName != nil {
		name := *j.GuildName
		out.GuildName = &name
	}
	if j.LastError != nil {
		msg := *j.LastError
		out.LastError = &msg
	}
	return out
}

// FailureOutcome reports the registry state after a recorded failure.
type FailureOutcome struct {
	FailureCount int  `json:"failure_count"`
	Disabled     bool `json:"disabled"`
}

// PerformanceTier classifies a guild's week of round-3 participation.
type PerformanceTier string

const (
	TierSkip PerformanceTier = "SKIP"
	TierWeak PerformanceTier = "WEAK"
	TierHard PerformanceTier = "HARD"
)

// WeeklyAggregate is the raw input of the weekly rollup for one guild/week.
type WeeklyAggregate struct {
	GuildID       int64
	WeekStart     time.Time
	TotalPower    int64
	TotalElixir   int64
	MembersPlaced int
	TotalMembers  int
}

// WeeklyPerformance is one row of guild_weekly_performance.
type WeeklyPerformance struct {
	GuildID            int64           `json:"guild_id"`
	WeekStart          time.Time       `json:"week_start_date"`
	TotalPower         int64           `json:"total_power"`
	TotalElixir        int64           `json:"total_elixir"`
	MembersPlaced      int             `json:"members_placed"`
	TotalMembers       int             `json:"total_members"`
	ParticipationRate  float64         `json:"participation_rate"`
	AvgElixirPerActive float64         `json:"avg_elixir_per_active"`
	Tier               PerformanceTier `json:"performance_tier"`
}

// SnapshotIngestedEvent is published after an ingest commits.
type SnapshotIngestedEvent struct {
	GuildID          int64     `json:"guild_id"`
	GuildName        string    `json:"guild_name"`
	SnapshotDatetime string    `json:"snapshot_datetime"`
	RoundNumber      int       `json:"round_number"`
	IsSnipeTime      bool      `json:"is_snipe_time"`
	MembersProcessed int       `json:"members_processed"`
	TotalDeployed    int64     `json:"total_deployed_power"`
	ReceivedAt       time.Time `json:"received_at"`
}
