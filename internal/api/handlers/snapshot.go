// Package handlers contains the HTTP handlers for the turf war API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"

	"turfwar/internal/core"
	"turfwar/internal/ingest"
	"turfwar/internal/types"
)

// SnapshotIngester stores one guild payload received at a given instant.
type SnapshotIngester interface {
	Ingest(ctx context.Context, payload *types.SnapshotPayload, receivedAt time.Time) (*ingest.Result, error)
}

// SnapshotHandler accepts guild payloads pushed by collectors.
type SnapshotHandler struct {
	ingester SnapshotIngester
	clock    quartz.Clock
	maxBytes int64
	logger   *slog.Logger
}

// NewSnapshotHandler builds a SnapshotHandler. maxBytes bounds the request
// body; clock defaults to the real clock.
func NewSnapshotHandler(ing SnapshotIngester, clock quartz.Clock, maxBytes int64, logger *slog.Logger) *SnapshotHandler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotHandler{
		ingester: ing,
		clock:    clock,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// RegisterRoutes mounts the snapshot endpoint under /api.
func (h *SnapshotHandler) RegisterRoutes(r chi.Router) {
	r.Post("/turf-war/snapshot", h.HandleIngest)
}

// snapshotRequest accepts the bare {guild, members} shape as well as the
// game's {result: {guild, members}} envelope.
type snapshotRequest struct {
	types.SnapshotPayload
	Result *types.SnapshotPayload `json:"result"`
}

func (req *snapshotRequest) payload() *types.SnapshotPayload {
	if req.Guild == nil && req.Members == nil && req.Result != nil {
		return req.Result
	}
	return &req.SnapshotPayload
}

// HandleIngest handles POST /api/turf-war/snapshot.
// The receive time is taken before the body is decoded so slow uploads
// near a bucket boundary are attributed to the moment they arrived.
func (h *SnapshotHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.clock.Now()

	var req snapshotRequest
	if err := core.DecodeJSON(w, r, &req, h.maxBytes); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.ingester.Ingest(r.Context(), req.payload(), receivedAt)
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).WarnContext(r.Context(), "snapshot rejected",
			"error_code", types.CodeOf(err),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.OK(w, r, "Data saved successfully", result)
}
