package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"

	"turfwar/internal/config"
	"turfwar/internal/external"
	"turfwar/internal/ingest"
	"turfwar/internal/scheduler"
	"turfwar/internal/types"
	"turfwar/internal/window"
)

// memRegistry is an in-memory job registry serving both the handler and the
// executor, with the failure threshold at 2.
type memRegistry struct {
	mu      sync.Mutex
	entries map[int64]*types.JobEntry
	nextID  int64
}

func newMemRegistry() *memRegistry {
	return &memRegistry{entries: map[int64]*types.JobEntry{}}
}

func (r *memRegistry) Upsert(_ context.Context, e types.JobEntry) (*types.JobEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.GuildID]; ok {
		e.ID = cur.ID
	} else {
		r.nextID++
		e.ID = r.nextID
	}
	e.IsActive = true
	e.FailureCount = 0
	e.LastError = nil
	stored := e.Clone()
	r.entries[e.GuildID] = &stored
	return &e, nil
}

func (r *memRegistry) ListAll(context.Context) ([]types.JobEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.JobEntry
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (r *memRegistry) Get(_ context.Context, guildID int64) (*types.JobEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[guildID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	c := e.Clone()
	return &c, nil
}

func (r *memRegistry) Reactivate(ctx context.Context, guildID int64) (*types.JobEntry, error) {
	r.mu.Lock()
	e, ok := r.entries[guildID]
	if ok {
		e.IsActive = true
		e.FailureCount = 0
		e.LastError = nil
	}
	r.mu.Unlock()
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return r.Get(ctx, guildID)
}

func (r *memRegistry) RecordSuccess(_ context.Context, guildID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[guildID]
	e.LastSuccess = &at
	e.FailureCount = 0
	e.LastError = nil
	return nil
}

func (r *memRegistry) RecordFailure(_ context.Context, guildID int64, at time.Time, msg string) (types.FailureOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[guildID]
	e.LastFailure = &at
	e.FailureCount++
	e.LastError = &msg
	if e.FailureCount >= 2 {
		e.IsActive = false
	}
	return types.FailureOutcome{FailureCount: e.FailureCount, Disabled: !e.IsActive}, nil
}

// memSnapshotStore keeps committed rows by natural key. Writes made inside a
// transaction become visible only on Commit.
type memSnapshotStore struct {
	mu              sync.Mutex
	guilds          map[int64]string
	guildSnapshots  map[string]types.GuildSnapshot
	memberSnapshots map[string]types.MemberSnapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{
		guilds:          map[int64]string{},
		guildSnapshots:  map[string]types.GuildSnapshot{},
		memberSnapshots: map[string]types.MemberSnapshot{},
	}
}

func bucketKey(id int64, c types.Classification) string {
	return fmt.Sprintf("%d|%s|%s", id, c.Date(), c.Clock())
}

func (s *memSnapshotStore) BeginTx(context.Context) (ingest.SnapshotTx, error) {
	return &memSnapshotTx{store: s}, nil
}

type memSnapshotTx struct {
	store   *memSnapshotStore
	pending []func()
	done    bool
}

func (t *memSnapshotTx) UpsertGuild(_ context.Context, g *types.GuildPayload) error {
	id, name := g.ID, g.Name
	t.pending = append(t.pending, func() { t.store.guilds[id] = name })
	return nil
}

func (t *memSnapshotTx) UpsertGuildSnapshot(_ context.Context, s types.GuildSnapshot) error {
	t.pending = append(t.pending, func() { t.store.guildSnapshots[bucketKey(s.GuildID, s.Bucket)] = s })
	return nil
}

func (t *memSnapshotTx) UpsertMember(context.Context, int64, *types.MemberPayload) error {
	return nil
}

func (t *memSnapshotTx) UpsertMemberSnapshot(_ context.Context, s types.MemberSnapshot) error {
	t.pending = append(t.pending, func() { t.store.memberSnapshots[bucketKey(s.ProfileID, s.Bucket)] = s })
	return nil
}

func (t *memSnapshotTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, apply := range t.pending {
		apply()
	}
	t.done = true
	return nil
}

func (t *memSnapshotTx) Rollback(context.Context) error {
	if !t.done {
		t.pending = nil
	}
	return nil
}

const stubGuildResponse = `{"result":{"guild":{"id":42,"name":"Ironclad","summary_power":5000,"members_count":1},` +
	`"members":[{"profile_id":7,"summary_power":1200,"spent_elixir":3000,"NameBit":{"Name":"Vex"}}]}}`

func TestSaveRequest_RegistersAndRunsAgainstGameStub(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth string
		gotBody string
	)
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotBody = string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(stubGuildResponse))
	}))
	defer stub.Close()

	now := time.Date(2024, 3, 10, 12, 50, 0, 0, time.UTC) // 17:50 UTC+5
	clock := quartz.NewMock(t)
	clock.Set(now)

	registry := newMemRegistry()
	store := newMemSnapshotStore()
	executor := scheduler.NewExecutor(scheduler.ExecutorConfig{
		Registry: registry,
		Fetcher: external.NewGameClient(config.GameAPIConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 0,
			UserAgent:  "TurfWar-Test/1.0",
		}),
		Ingester: ingest.New(ingest.Config{Store: store, Logger: discardLogger()}),
		Clock:    clock,
		Logger:   discardLogger(),
	})
	h := NewJobHandler(JobHandlerConfig{
		Jobs:          registry,
		Guilds:        &mockGuildNamer{},
		Runner:        executor,
		RunOnRegister: true,
		Logger:        discardLogger(),
	})
	router := chi.NewRouter()
	router.Route("/api", h.RegisterRoutes)
	f := &jobFixture{router: router}

	rec := f.do(http.MethodPost, "/api/cron/save-request", `{
		"url": "`+stub.URL+`/guild/members",
		"headers": {"Authorization": "Bearer captured"},
		"body": {"guild_id": 42}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	mu.Lock()
	if gotAuth != "Bearer captured" {
		t.Errorf("expected captured header to be replayed, got %q", gotAuth)
	}
	if gotBody != `{"guild_id":42}` {
		t.Errorf("expected stored body to be replayed, got %q", gotBody)
	}
	mu.Unlock()

	entry, err := registry.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	if entry.LastSuccess == nil || !entry.LastSuccess.Equal(now) {
		t.Errorf("expected last_success %v, got %v", now, entry.LastSuccess)
	}
	if entry.FailureCount != 0 || !entry.IsActive {
		t.Errorf("expected healthy entry, got failure_count=%d active=%v", entry.FailureCount, entry.IsActive)
	}

	bucket := window.Classify(now)
	if len(store.guildSnapshots) != 1 {
		t.Fatalf("expected exactly one guild snapshot, got %d", len(store.guildSnapshots))
	}
	snap, ok := store.guildSnapshots[bucketKey(42, bucket)]
	if !ok {
		t.Fatalf("expected guild snapshot at bucket %s %s, have %v", bucket.Date(), bucket.Clock(), store.guildSnapshots)
	}
	if snap.Bucket.Round != 2 || !snap.Bucket.IsSnipe {
		t.Errorf("expected round 2 snipe bucket, got %+v", snap.Bucket)
	}
	if snap.TotalDeployedPower != 1200 || snap.MembersCount != 1 {
		t.Errorf("unexpected aggregates %+v", snap)
	}
	if _, ok := store.memberSnapshots[bucketKey(7, bucket)]; !ok {
		t.Error("expected member snapshot for profile 7 at the same bucket")
	}

	// A second run inside the same bucket overwrites rather than adds.
	out := executor.Run(context.Background(), *entry)
	if out.Status != types.OutcomeSuccess {
		t.Fatalf("expected second run to succeed, got %+v", out)
	}
	if len(store.guildSnapshots) != 1 || len(store.memberSnapshots) != 1 {
		t.Errorf("expected one row per natural key, got %d guild and %d member snapshots",
			len(store.guildSnapshots), len(store.memberSnapshots))
	}
}
