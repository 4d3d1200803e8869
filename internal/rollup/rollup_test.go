package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turfwar/internal/types"
	"turfwar/internal/window"
)

type fakeGuilds struct {
	ids []int64
	err error
}

func (f fakeGuilds) ListIDs(context.Context) ([]int64, error) { return f.ids, f.err }

type fakeStore struct {
	mu       sync.Mutex
	aggs     map[int64]types.WeeklyAggregate
	failFor  int64
	upserted []types.WeeklyPerformance
	asked    []time.Time
}

func (f *fakeStore) AggregateWeek(_ context.Context, guildID int64, week time.Time) (types.WeeklyAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if guildID == f.failFor {
		return types.WeeklyAggregate{}, errors.New("statement timeout")
	}
	f.asked = append(f.asked, week)
	agg := f.aggs[guildID]
	agg.GuildID = guildID
	agg.WeekStart = week
	return agg, nil
}

func (f *fakeStore) UpsertWeekly(_ context.Context, p types.WeeklyPerformance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, p)
	return nil
}

func TestTier(t *testing.T) {
	tests := []struct {
		participation, avg float64
		want               types.PerformanceTier
	}{
		{29.99, 5000, types.TierSkip},
		{90, 999, types.TierSkip},
		{30, 1000, types.TierWeak},
		{69.99, 5000, types.TierWeak},
		{70, 2999, types.TierWeak},
		{70, 3000, types.TierHard},
		{100, 10000, types.TierHard},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tier(tt.participation, tt.avg), "participation=%v avg=%v", tt.participation, tt.avg)
	}
}

func TestCompute(t *testing.T) {
	perf, ok := Compute(types.WeeklyAggregate{
		GuildID:       42,
		TotalPower:    900000,
		TotalElixir:   50000,
		MembersPlaced: 14,
		TotalMembers:  20,
	})
	require.True(t, ok)
	assert.Equal(t, 70.0, perf.ParticipationRate)
	assert.Equal(t, 3571.0, perf.AvgElixirPerActive)
	assert.Equal(t, types.TierHard, perf.Tier)
}

func TestCompute_RoundsParticipation(t *testing.T) {
	perf, ok := Compute(types.WeeklyAggregate{MembersPlaced: 1, TotalMembers: 3, TotalElixir: 1000})
	require.True(t, ok)
	assert.Equal(t, 33.33, perf.ParticipationRate)
	assert.Equal(t, types.TierWeak, perf.Tier)
}

func TestCompute_NoneParticipated(t *testing.T) {
	perf, ok := Compute(types.WeeklyAggregate{TotalMembers: 20})
	require.True(t, ok)
	assert.Zero(t, perf.ParticipationRate)
	assert.Zero(t, perf.AvgElixirPerActive)
	assert.Equal(t, types.TierSkip, perf.Tier)
}

func TestCompute_UnknownGuildSize(t *testing.T) {
	_, ok := Compute(types.WeeklyAggregate{MembersPlaced: 5})
	assert.False(t, ok)
}

func TestWeeks(t *testing.T) {
	s := New(Config{Weeks: 3})
	// Wednesday 2024-03-13 10:00 local.
	now := time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC)

	weeks := s.Weeks(now)
	require.Len(t, weeks, 3)
	loc := window.Location()
	assert.Equal(t, time.Date(2024, 2, 25, 0, 0, 0, 0, loc), weeks[0])
	assert.Equal(t, time.Date(2024, 3, 3, 0, 0, 0, 0, loc), weeks[1])
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, loc), weeks[2])
}

func newTestService(t *testing.T, guilds GuildLister, store Store) *Service {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2024, 3, 13, 5, 0, 0, 0, time.UTC))
	return New(Config{Guilds: guilds, Store: store, Weeks: 2, Concurrency: 2, Clock: clock})
}

func TestRun_WritesEveryGuildWeek(t *testing.T) {
	store := &fakeStore{aggs: map[int64]types.WeeklyAggregate{
		1: {MembersPlaced: 10, TotalMembers: 20, TotalElixir: 20000},
		2: {MembersPlaced: 0, TotalMembers: 0},
		3: {MembersPlaced: 18, TotalMembers: 20, TotalElixir: 90000},
	}}
	s := newTestService(t, fakeGuilds{ids: []int64{1, 2, 3}}, store)

	require.NoError(t, s.Run(context.Background()))

	assert.Len(t, store.upserted, 4, "guild 2 has no known size and is skipped")
	tiers := map[int64]types.PerformanceTier{}
	for _, p := range store.upserted {
		tiers[p.GuildID] = p.Tier
	}
	assert.Equal(t, types.TierWeak, tiers[1])
	assert.Equal(t, types.TierHard, tiers[3])
}

func TestRun_IsolatesGuildFailures(t *testing.T) {
	store := &fakeStore{
		aggs:    map[int64]types.WeeklyAggregate{1: {MembersPlaced: 10, TotalMembers: 10, TotalElixir: 50000}},
		failFor: 2,
	}
	s := newTestService(t, fakeGuilds{ids: []int64{1, 2}}, store)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 guilds")
	assert.Len(t, store.upserted, 2, "guild 1 still gets both weeks")
}

func TestRun_ListError(t *testing.T) {
	s := newTestService(t, fakeGuilds{err: errors.New("db down")}, &fakeStore{})
	assert.Error(t, s.Run(context.Background()))
}
