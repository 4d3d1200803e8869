package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"

	"turfwar/internal/core"
	"turfwar/internal/ingest"
	"turfwar/internal/types"
)

// --- Mock Ingester ---

type mockIngester struct {
	result     *ingest.Result
	err        error
	payload    *types.SnapshotPayload
	receivedAt time.Time
	calls      int
}

func (m *mockIngester) Ingest(_ context.Context, p *types.SnapshotPayload, at time.Time) (*ingest.Result, error) {
	m.calls++
	m.payload = p
	m.receivedAt = at
	return m.result, m.err
}

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeSnapshotRouter(h *SnapshotHandler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api", h.RegisterRoutes)
	return r
}

func postSnapshot(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/turf-war/snapshot", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestHandleIngest_BarePayload(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 50, 0, 0, time.UTC)
	clock := quartz.NewMock(t)
	clock.Set(now)

	ing := &mockIngester{result: &ingest.Result{GuildID: 77, MembersProcessed: 2, RoundNumber: 2, IsSnipeTime: true}}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, clock, 1<<20, discardLogger()))

	rec := postSnapshot(t, router, `{"guild":{"id":77,"name":"Iron"},"members":[{"profile_id":1},{"profile_id":2}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ing.payload == nil || ing.payload.Guild == nil || ing.payload.Guild.ID != 77 {
		t.Fatalf("unexpected payload passed to ingester: %+v", ing.payload)
	}
	if len(ing.payload.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(ing.payload.Members))
	}
	if !ing.receivedAt.Equal(now) {
		t.Errorf("expected receive time from clock, got %v", ing.receivedAt)
	}

	var resp struct {
		Success bool          `json:"success"`
		Message string        `json:"message"`
		Data    ingest.Result `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Message != "Data saved successfully" {
		t.Errorf("unexpected envelope %+v", resp)
	}
	if resp.Data.MembersProcessed != 2 || !resp.Data.IsSnipeTime {
		t.Errorf("unexpected result %+v", resp.Data)
	}
}

func TestHandleIngest_GameEnvelope(t *testing.T) {
	ing := &mockIngester{result: &ingest.Result{GuildID: 5}}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, quartz.NewMock(t), 1<<20, discardLogger()))

	rec := postSnapshot(t, router, `{"result":{"guild":{"id":5},"members":[{"profile_id":9,"NameBit":{"Name":"Ash"}}]},"server_time":1710000000}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ing.payload.Guild == nil || ing.payload.Guild.ID != 5 {
		t.Fatalf("expected envelope to be unwrapped, got %+v", ing.payload)
	}
	if ing.payload.Members[0].NameBit.Name != "Ash" {
		t.Errorf("expected member name to decode, got %q", ing.payload.Members[0].NameBit.Name)
	}
}

func TestHandleIngest_ValidationErrorMapsTo400(t *testing.T) {
	ing := &mockIngester{err: types.NewAppError(types.ErrCodeValidationMissingField, "payload must contain guild and members", nil)}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, quartz.NewMock(t), 1<<20, discardLogger()))

	rec := postSnapshot(t, router, `{"members":[]}`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeValidationMissingField) {
		t.Errorf("unexpected code %q", resp.Error.Code)
	}
}

func TestHandleIngest_IngestionFailureMapsTo500(t *testing.T) {
	ing := &mockIngester{err: types.NewAppError(types.ErrCodeInternalIngestionFailed, "snapshot ingestion failed", nil)}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, quartz.NewMock(t), 1<<20, discardLogger()))

	rec := postSnapshot(t, router, `{"guild":{"id":1},"members":[{"profile_id":1}]}`)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandleIngest_MalformedJSON(t *testing.T) {
	ing := &mockIngester{}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, quartz.NewMock(t), 1<<20, discardLogger()))

	rec := postSnapshot(t, router, `{"guild":`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if ing.calls != 0 {
		t.Error("ingester must not be called for malformed JSON")
	}
}

func TestHandleIngest_PayloadTooLarge(t *testing.T) {
	ing := &mockIngester{}
	router := makeSnapshotRouter(NewSnapshotHandler(ing, quartz.NewMock(t), 64, discardLogger()))

	big := `{"guild":{"id":1,"slogan":"` + strings.Repeat("x", 200) + `"},"members":[{"profile_id":1}]}`
	rec := postSnapshot(t, router, big)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if ing.calls != 0 {
		t.Error("ingester must not be called for an oversized body")
	}
}
