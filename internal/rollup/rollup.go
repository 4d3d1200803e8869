// Package rollup recomputes guild_weekly_performance from round-3 member
// snapshots.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"turfwar/internal/types"
	"turfwar/internal/window"
)

// Tier thresholds.
const (
	MinParticipation  = 30.0
	MinAvgElixir      = 1000.0
	HardParticipation = 70.0
	HardAvgElixir     = 3000.0
)

// GuildLister enumerates guilds to roll up.
type GuildLister interface {
	ListIDs(ctx context.Context) ([]int64, error)
}

// Store reads weekly aggregates and writes computed rows.
type Store interface {
	AggregateWeek(ctx context.Context, guildID int64, weekStart time.Time) (types.WeeklyAggregate, error)
	UpsertWeekly(ctx context.Context, p types.WeeklyPerformance) error
}

// Config holds the Service's dependencies.
type Config struct {
	Guilds      GuildLister
	Store       Store
	Weeks       int
	Concurrency int
	Clock       quartz.Clock
	Metrics     types.MetricsRecorder
	Logger      *slog.Logger
}

type Service struct {
	guilds      GuildLister
	store       Store
	weeks       int
	concurrency int
	clock       quartz.Clock
	metrics     types.MetricsRecorder
	logger      *slog.Logger
}

func New(cfg Config) *Service {
	s := &Service{
		guilds:      cfg.Guilds,
		store:       cfg.Store,
		weeks:       max(cfg.Weeks, 1),
		concurrency: max(cfg.Concurrency, 1),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if s.clock == nil {
		s.clock = quartz.NewReal()
	}
	if s.metrics == nil {
		s.metrics = types.NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Weeks returns the week starts covered by a run at now, oldest first.
func (s *Service) Weeks(now time.Time) []time.Time {
	current := window.WeekStart(now)
	out := make([]time.Time, s.weeks)
	for i := range s.weeks {
		out[i] = current.AddDate(0, 0, -7*(s.weeks-1-i))
	}
	return out
}

// Run recomputes every covered week for every guild. A failing guild is
// logged and counted without stopping the others; Run reports an error when
// any guild failed or the guild list could not be read.
func (s *Service) Run(ctx context.Context) error {
	start := s.clock.Now()
	ids, err := s.guilds.ListIDs(ctx)
	if err != nil {
		s.metrics.RecordRollup(types.OutcomeFailure, 0)
		return fmt.Errorf("listing guilds: %w", err)
	}
	weeks := s.Weeks(start)

	var failed, written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			n, err := s.rollupGuild(gctx, id, weeks)
			written.Add(int64(n))
			if err != nil {
				failed.Add(1)
				s.logger.ErrorContext(gctx, "weekly rollup failed for guild", "guild_id", id, "error", err)
			}
			// Isolated per guild.
			return nil
		})
	}
	_ = g.Wait()

	outcome := types.OutcomeSuccess
	if failed.Load() > 0 {
		outcome = types.OutcomeFailure
	}
	s.metrics.RecordRollup(outcome, len(ids))
	s.logger.InfoContext(ctx, "weekly rollup finished",
		"guilds", len(ids),
		"weeks", len(weeks),
		"rows_written", written.Load(),
		"failed_guilds", failed.Load(),
		"duration", s.clock.Since(start),
	)

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("weekly rollup failed for %d of %d guilds", n, len(ids))
	}
	return nil
}

func (s *Service) rollupGuild(ctx context.Context, guildID int64, weeks []time.Time) (int, error) {
	written := 0
	for _, week := range weeks {
		agg, err := s.store.AggregateWeek(ctx, guildID, week)
		if err != nil {
			return written, err
		}
		perf, ok := Compute(agg)
		if !ok {
			continue
		}
		if err := s.store.UpsertWeekly(ctx, perf); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Compute derives participation, elixir per active member and the tier. It
// returns false when the guild size is unknown.
func Compute(agg types.WeeklyAggregate) (types.WeeklyPerformance, bool) {
	if agg.TotalMembers <= 0 {
		return types.WeeklyPerformance{}, false
	}
	participation := math.Round(float64(agg.MembersPlaced)/float64(agg.TotalMembers)*100*100) / 100
	var avg float64
	if agg.MembersPlaced > 0 {
		avg = math.Round(float64(agg.TotalElixir) / float64(agg.MembersPlaced))
	}
	return types.WeeklyPerformance{
		GuildID:            agg.GuildID,
		WeekStart:          agg.WeekStart,
		TotalPower:         agg.TotalPower,
		TotalElixir:        agg.TotalElixir,
		MembersPlaced:      agg.MembersPlaced,
		TotalMembers:       agg.TotalMembers,
		ParticipationRate:  participation,
		AvgElixirPerActive: avg,
		Tier:               Tier(participation, avg),
	}, true
}

// Tier classifies a week. SKIP takes precedence over HARD.
func Tier(participation, avgElixir float64) types.PerformanceTier {
	switch {
	case participation < MinParticipation || avgElixir < MinAvgElixir:
		return types.TierSkip
	case participation >= HardParticipation && avgElixir >= HardAvgElixir:
		return types.TierHard
	default:
		return types.TierWeak
	}
}
