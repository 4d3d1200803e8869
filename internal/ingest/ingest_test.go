package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turfwar/internal/types"
)

// --- In-memory transactional store ---

type guildSnapKey struct {
	guildID    int64
	date, time string
}

type memberSnapKey struct {
	profileID  int64
	date, time string
}

type memState struct {
	guilds      map[int64]types.GuildPayload
	members     map[int64]int64 // profile -> guild
	guildSnaps  map[guildSnapKey]types.GuildSnapshot
	memberSnaps map[memberSnapKey]types.MemberSnapshot
}

func newMemState() memState {
	return memState{
		guilds:      map[int64]types.GuildPayload{},
		members:     map[int64]int64{},
		guildSnaps:  map[guildSnapKey]types.GuildSnapshot{},
		memberSnaps: map[memberSnapKey]types.MemberSnapshot{},
	}
}

func (s memState) clone() memState {
	return memState{
		guilds:      maps.Clone(s.guilds),
		members:     maps.Clone(s.members),
		guildSnaps:  maps.Clone(s.guildSnaps),
		memberSnaps: maps.Clone(s.memberSnaps),
	}
}

type memStore struct {
	mu        sync.Mutex
	state     memState
	beginErr  error
	failOn    func(op string, id int64) error
	begins    int
	rollbacks int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (s *memStore) BeginTx(context.Context) (SnapshotTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &memTx{store: s, staged: s.state.clone()}, nil
}

type memTx struct {
	store  *memStore
	staged memState
	done   bool
}

func (tx *memTx) fail(op string, id int64) error {
	if tx.store.failOn != nil {
		return tx.store.failOn(op, id)
	}
	return nil
}

func (tx *memTx) UpsertGuild(_ context.Context, g *types.GuildPayload) error {
	if err := tx.fail("guild", g.ID); err != nil {
		return err
	}
	tx.staged.guilds[g.ID] = *g
	return nil
}

func (tx *memTx) UpsertGuildSnapshot(_ context.Context, s types.GuildSnapshot) error {
	if err := tx.fail("guild_snapshot", s.GuildID); err != nil {
		return err
	}
	tx.staged.guildSnaps[guildSnapKey{s.GuildID, s.Bucket.Date(), s.Bucket.Clock()}] = s
	return nil
}

func (tx *memTx) UpsertMember(_ context.Context, guildID int64, m *types.MemberPayload) error {
	if err := tx.fail("member", m.ProfileID); err != nil {
		return err
	}
	tx.staged.members[m.ProfileID] = guildID
	return nil
}

func (tx *memTx) UpsertMemberSnapshot(_ context.Context, s types.MemberSnapshot) error {
	if err := tx.fail("member_snapshot", s.ProfileID); err != nil {
		return err
	}
	tx.staged.memberSnaps[memberSnapKey{s.ProfileID, s.Bucket.Date(), s.Bucket.Clock()}] = s
	return nil
}

func (tx *memTx) Commit(context.Context) error {
	if err := tx.fail("commit", 0); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.state = tx.staged
	tx.done = true
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.store.mu.Lock()
	tx.store.rollbacks++
	tx.store.mu.Unlock()
	tx.done = true
	return nil
}

type recordingPublisher struct {
	events []types.SnapshotIngestedEvent
	err    error
}

func (p *recordingPublisher) PublishSnapshotIngested(_ context.Context, e types.SnapshotIngestedEvent) error {
	p.events = append(p.events, e)
	return p.err
}

// --- Fixtures ---

func payload(guildID int64, members ...types.MemberPayload) *types.SnapshotPayload {
	return &types.SnapshotPayload{
		Guild: &types.GuildPayload{
			ID:           guildID,
			Name:         "Ironclad",
			SummaryPower: 5000,
			MembersCount: len(members),
		},
		Members: members,
	}
}

func member(profileID, power, elixir int64) types.MemberPayload {
	return types.MemberPayload{ProfileID: profileID, SummaryPower: power, SpentElixir: elixir}
}

// 12:50 UTC is 17:50 in the reporting zone: round 2, snipe.
var snipeInstant = time.Date(2024, 3, 10, 12, 50, 0, 0, time.UTC)

// --- Tests ---

func TestIngest_WritesAllRows(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	in := New(Config{Store: store, Publisher: pub})

	res, err := in.Ingest(context.Background(), payload(42, member(1, 100, 1000), member(2, 250, 3000)), snipeInstant)
	require.NoError(t, err)

	assert.Equal(t, int64(42), res.GuildID)
	assert.Equal(t, 2, res.MembersProcessed)
	assert.Equal(t, 3, res.SnapshotsCreated)
	assert.Equal(t, int64(350), res.TotalDeployedPower)
	assert.Equal(t, int64(4000), res.TotalSpentElixir)
	assert.Equal(t, int64(5000), res.GuildMight)
	assert.Equal(t, 2, res.RoundNumber)
	assert.True(t, res.IsSnipeTime)
	assert.Equal(t, "2024-03-10 17:50:00", res.SnapshotDatetime)

	snap, ok := store.state.guildSnaps[guildSnapKey{42, "2024-03-10", "17:50:00"}]
	require.True(t, ok)
	assert.Equal(t, int64(350), snap.TotalDeployedPower)
	assert.Equal(t, int64(5000), snap.GuildMight)
	assert.Len(t, store.state.memberSnaps, 2)
	assert.Equal(t, int64(42), store.state.members[2])

	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(42), pub.events[0].GuildID)
}

func TestIngest_IdempotentWithinBucket(t *testing.T) {
	store := newMemStore()
	in := New(Config{Store: store})
	ctx := context.Background()

	_, err := in.Ingest(ctx, payload(42, member(1, 100, 1000)), snipeInstant)
	require.NoError(t, err)

	// Same second, updated values.
	_, err = in.Ingest(ctx, payload(42, member(1, 900, 1500)), snipeInstant.Add(300*time.Millisecond))
	require.NoError(t, err)

	require.Len(t, store.state.guildSnaps, 1)
	require.Len(t, store.state.memberSnaps, 1)
	assert.Equal(t, int64(900), store.state.guildSnaps[guildSnapKey{42, "2024-03-10", "17:50:00"}].TotalDeployedPower)
	assert.Equal(t, int64(1500), store.state.memberSnaps[memberSnapKey{1, "2024-03-10", "17:50:00"}].SpentElixir)
}

func TestIngest_AtomicOnMemberFailure(t *testing.T) {
	store := newMemStore()
	store.failOn = func(op string, id int64) error {
		if op == "member" && id == 3 {
			return errors.New("value too long for type character varying")
		}
		return nil
	}
	in := New(Config{Store: store})

	p := payload(42, member(1, 1, 1), member(2, 1, 1), member(3, 1, 1), member(4, 1, 1), member(5, 1, 1))
	res, err := in.Ingest(context.Background(), p, snipeInstant)
	require.Error(t, err)
	assert.Nil(t, res)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalIngestionFailed, appErr.Code)
	assert.Equal(t, int64(3), appErr.Details["profile_id"])

	assert.Empty(t, store.state.guilds, "guild upsert must roll back")
	assert.Empty(t, store.state.guildSnaps)
	assert.Empty(t, store.state.members)
	assert.Empty(t, store.state.memberSnaps)
	assert.Equal(t, 1, store.rollbacks)
}

func TestIngest_CommitFailureRollsBack(t *testing.T) {
	store := newMemStore()
	store.failOn = func(op string, _ int64) error {
		if op == "commit" {
			return errors.New("could not serialize access")
		}
		return nil
	}
	pub := &recordingPublisher{}
	in := New(Config{Store: store, Publisher: pub})

	_, err := in.Ingest(context.Background(), payload(42, member(1, 1, 1)), snipeInstant)
	assert.Equal(t, types.ErrCodeInternalIngestionFailed, types.CodeOf(err))
	assert.Empty(t, store.state.guilds)
	assert.Empty(t, pub.events, "nothing is published for an uncommitted ingest")
}

func TestIngest_BeginFailure(t *testing.T) {
	store := newMemStore()
	store.beginErr = errors.New("pool exhausted")
	in := New(Config{Store: store})

	_, err := in.Ingest(context.Background(), payload(42, member(1, 1, 1)), snipeInstant)
	assert.Equal(t, types.ErrCodeInternalIngestionFailed, types.CodeOf(err))
}

func TestIngest_ValidationHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name    string
		payload *types.SnapshotPayload
	}{
		{"nil payload", nil},
		{"missing guild", &types.SnapshotPayload{Members: []types.MemberPayload{member(1, 1, 1)}}},
		{"zero guild id", payload(0, member(1, 1, 1))},
		{"no members", payload(42)},
		{"member without profile id", payload(42, member(1, 1, 1), member(0, 1, 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			in := New(Config{Store: store})

			_, err := in.Ingest(context.Background(), tt.payload, snipeInstant)
			require.Error(t, err)
			assert.True(t, types.CodeOf(err).IsValidation(), "got %s", types.CodeOf(err))
			assert.Zero(t, store.begins, "validation must not open a transaction")
		})
	}
}

func TestValidate_ReportsFieldPath(t *testing.T) {
	err := Validate(payload(42, member(1, 1, 1), member(0, 1, 1)))

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	fields, ok := appErr.Details["fields"].([]FieldError)
	require.True(t, ok)
	require.NotEmpty(t, fields)
	assert.Contains(t, fields[0].Field, "Members[1].ProfileID")
}

func TestIngest_PublishFailureDoesNotFailIngest(t *testing.T) {
	store := newMemStore()
	in := New(Config{Store: store, Publisher: &recordingPublisher{err: errors.New("sqs down")}})

	res, err := in.Ingest(context.Background(), payload(42, member(1, 1, 1)), snipeInstant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MembersProcessed)
	assert.Len(t, store.state.guilds, 1)
}

func TestIngest_MembershipTransferOverwritesGuild(t *testing.T) {
	store := newMemStore()
	in := New(Config{Store: store})
	ctx := context.Background()

	_, err := in.Ingest(ctx, payload(42, member(7, 1, 1)), snipeInstant)
	require.NoError(t, err)
	_, err = in.Ingest(ctx, payload(43, member(7, 1, 1)), snipeInstant.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(43), store.state.members[7])
	assert.Equal(t, int64(43), store.state.memberSnaps[memberSnapKey{7, "2024-03-10", "18:50:00"}].GuildID)
}

func TestIngest_ConcurrentGuilds(t *testing.T) {
	store := newMemStore()
	in := New(Config{Store: store})

	var wg sync.WaitGroup
	for g := int64(1); g <= 8; g++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := in.Ingest(context.Background(), payload(id, member(id*100, 1, 1)), snipeInstant)
			assert.NoError(t, err, fmt.Sprintf("guild %d", id))
		}(g)
	}
	wg.Wait()
}
