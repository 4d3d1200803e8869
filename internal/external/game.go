package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"turfwar/internal/config"
	"turfwar/internal/security"
	"turfwar/internal/types"
)

// maxResponseBytes bounds a decoded game API response.
const maxResponseBytes = 50 << 20

// Headers the client manages itself. Captured values for these are dropped.
var managedHeaders = map[string]bool{
	"Accept-Encoding": true,
	"Connection":      true,
	"Content-Length":  true,
	"Host":            true,
	"User-Agent":      true,
}

// GameClient replays a captured guild request against the game API.
type GameClient struct {
	base    *BaseClient
	timeout time.Duration
}

// NewGameClient builds a GameClient from cfg. opts are applied to the
// underlying BaseClient.
func NewGameClient(cfg config.GameAPIConfig, opts ...BaseClientOption) *GameClient {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = cfg.MaxRetries
	// The per-call deadline is enforced through the request context.
	httpClient := &http.Client{Transport: http.DefaultTransport}
	if cfg.BlockPrivateNetworks {
		httpClient = security.NewGuard(nil).Client(cfg.MaxRedirects)
	}
	return &GameClient{
		base:    NewBaseClient(httpClient, "game-api", policy, cfg.UserAgent, opts...),
		timeout: cfg.Timeout,
	}
}

// Fetch issues the stored request for entry and returns the decoded
// result. Every failure is a *types.AppError with an upstream_* code.
func (g *GameClient) Fetch(ctx context.Context, entry types.JobEntry) (*types.SnapshotPayload, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	method := entry.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if entry.Body != "" {
		body = strings.NewReader(entry.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, entry.URL, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGameAPI, "invalid stored request", err)
	}
	for k, v := range entry.Headers {
		if managedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := g.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamGameAPI,
			fmt.Sprintf("game API returned %d", resp.StatusCode), nil,
			map[string]any{"status": resp.StatusCode, "body": string(snippet)})
	}

	payload, err := decodeGameResponse(resp)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, types.NewAppError(types.ErrCodeUpstreamTimeout, "game API response timed out", err)
		}
		return nil, err
	}
	return payload, nil
}

func decodeGameResponse(resp *http.Response) (*types.SnapshotPayload, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "invalid gzip response", err)
		}
		defer gz.Close()
		r = gz
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "invalid zstd response", err)
		}
		defer zr.Close()
		r = zr
	}

	var envelope types.GameResponse
	if err := json.NewDecoder(io.LimitReader(r, maxResponseBytes)).Decode(&envelope); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "game API response is not valid JSON", err)
	}
	if envelope.Result == nil || envelope.Result.Guild == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamInvalidResponse, "game API response has no result.guild", nil)
	}
	return envelope.Result, nil
}
