package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"turfwar/internal/core"
	"turfwar/internal/scheduler"
	"turfwar/internal/types"
)

// JobStore is the registry surface the job endpoints need.
type JobStore interface {
	Upsert(ctx context.Context, entry types.JobEntry) (*types.JobEntry, error)
	ListAll(ctx context.Context) ([]types.JobEntry, error)
	Get(ctx context.Context, guildID int64) (*types.JobEntry, error)
	Reactivate(ctx context.Context, guildID int64) (*types.JobEntry, error)
}

// GuildNamer resolves a guild's stored display name, nil when unknown.
type GuildNamer interface {
	GetName(ctx context.Context, guildID int64) (*string, error)
}

// Rebuilder refreshes the scheduler's trigger set after a registry change.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// JobRunner executes one job immediately.
type JobRunner interface {
	Run(ctx context.Context, entry types.JobEntry) scheduler.RunOutcome
}

// JobHandlerConfig holds the JobHandler's dependencies. Scheduler may be nil
// when scheduling is disabled in this process.
type JobHandlerConfig struct {
	Jobs          JobStore
	Guilds        GuildNamer
	Scheduler     Rebuilder
	Runner        JobRunner
	Validator     *core.Validator
	RunOnRegister bool
	Logger        *slog.Logger
}

// JobHandler manages the recurring game calls registered per guild.
type JobHandler struct {
	jobs          JobStore
	guilds        GuildNamer
	scheduler     Rebuilder
	runner        JobRunner
	validator     *core.Validator
	runOnRegister bool
	logger        *slog.Logger
}

func NewJobHandler(cfg JobHandlerConfig) *JobHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	val := cfg.Validator
	if val == nil {
		val = core.NewValidator()
	}
	return &JobHandler{
		jobs:          cfg.Jobs,
		guilds:        cfg.Guilds,
		scheduler:     cfg.Scheduler,
		runner:        cfg.Runner,
		validator:     val,
		runOnRegister: cfg.RunOnRegister,
		logger:        logger,
	}
}

// RegisterRoutes mounts the job endpoints under /api.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/cron", func(r chi.Router) {
		r.Post("/save-request", h.HandleSaveRequest)
		r.Get("/status", h.HandleStatus)
		r.Post("/reactivate/{guildID}", h.HandleReactivate)
		r.Post("/run/{guildID}", h.HandleRun)
	})
}

// saveRequest is a captured game call. Body is either the JSON text of the
// call's body or the body object itself.
type saveRequest struct {
	URL     string          `json:"url" validate:"required,url"`
	Method  string          `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	Headers map[string]any  `json:"headers" validate:"required"`
	Body    json.RawMessage `json:"body"`
}

// jobView is the public projection of a registry entry. URL, headers and
// body are withheld since headers carry game session credentials.
type jobView struct {
	ID           int64      `json:"id"`
	GuildID      int64      `json:"guild_id"`
	GuildName    *string    `json:"guild_name"`
	IsActive     bool       `json:"is_active"`
	LastSuccess  *time.Time `json:"last_success"`
	LastFailure  *time.Time `json:"last_failure"`
	FailureCount int        `json:"failure_count"`
	LastError    *string    `json:"failure_message"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func newJobView(e types.JobEntry) jobView {
	return jobView{
		ID:           e.ID,
		GuildID:      e.GuildID,
		GuildName:    e.GuildName,
		IsActive:     e.IsActive,
		LastSuccess:  e.LastSuccess,
		LastFailure:  e.LastFailure,
		FailureCount: e.FailureCount,
		LastError:    e.LastError,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

type saveResponse struct {
	GuildID   int64                 `json:"guild_id"`
	GuildName *string               `json:"guild_name"`
	Job       jobView               `json:"job"`
	Run       *scheduler.RunOutcome `json:"run,omitempty"`
}

type statusResponse struct {
	Jobs        []jobView `json:"jobs"`
	TotalJobs   int       `json:"total_jobs"`
	ActiveCount int       `json:"active_count"`
	FailedCount int       `json:"failed_count"`
}

// HandleSaveRequest handles POST /api/cron/save-request.
//  1. Validate url, headers and body; default method to POST.
//  2. Extract guild_id from the body and look up the guild's name.
//  3. Upsert the entry (reactivating it) and rebuild the scheduler.
//  4. Optionally execute the job once and report the outcome.
func (h *JobHandler) HandleSaveRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req saveRequest
	if err := core.DecodeJSON(w, r, &req, core.DefaultMaxBodyBytes); err != nil {
		core.Error(w, r, err)
		return
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	body, err := normalizeBody(req.Body)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	guildID, err := extractGuildID(body)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	guildName, err := h.guilds.GetName(ctx, guildID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	saved, err := h.jobs.Upsert(ctx, types.JobEntry{
		GuildID:   guildID,
		GuildName: guildName,
		URL:       req.URL,
		Method:    method,
		Headers:   stringHeaders(req.Headers),
		Body:      body,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	logger := types.LoggerFromContext(ctx, h.logger).With("guild_id", guildID)
	logger.InfoContext(ctx, "job registered", "job_id", saved.ID)
	h.rebuild(ctx, logger)

	resp := saveResponse{GuildID: guildID, GuildName: guildName, Job: newJobView(*saved)}
	message := "Request saved and job scheduled"
	if h.runOnRegister && h.runner != nil {
		// A dropped client connection must not abort a run that is
		// already updating the registry.
		outcome := h.runner.Run(context.WithoutCancel(ctx), *saved)
		resp.Run = &outcome
		message = "Request saved, job scheduled, and executed immediately"
	}

	core.OK(w, r, message, resp)
}

// HandleStatus handles GET /api/cron/status.
func (h *JobHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := h.jobs.ListAll(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := statusResponse{Jobs: make([]jobView, 0, len(entries)), TotalJobs: len(entries)}
	for _, e := range entries {
		resp.Jobs = append(resp.Jobs, newJobView(e))
		if e.IsActive {
			resp.ActiveCount++
		} else {
			resp.FailedCount++
		}
	}

	core.OK(w, r, "", resp)
}

// HandleReactivate handles POST /api/cron/reactivate/{guildID}.
func (h *JobHandler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	entry, err := h.jobs.Reactivate(r.Context(), guildID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	logger := types.LoggerFromContext(r.Context(), h.logger).With("guild_id", guildID)
	logger.InfoContext(r.Context(), "job reactivated")
	h.rebuild(r.Context(), logger)

	core.OK(w, r, "Cron job reactivated", newJobView(*entry))
}

// HandleRun handles POST /api/cron/run/{guildID}. A failed run is reported
// with the status its error code maps to, after the registry has recorded it.
func (h *JobHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildIDParam(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	entry, err := h.jobs.Get(r.Context(), guildID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	outcome := h.runner.Run(context.WithoutCancel(r.Context()), *entry)
	if outcome.Status != types.OutcomeSuccess {
		details := map[string]any{"run_id": outcome.RunID}
		if outcome.Failure != nil {
			details["failure_count"] = outcome.Failure.FailureCount
			details["disabled"] = outcome.Failure.Disabled
		}
		core.Error(w, r, types.NewAppErrorWithDetails(outcome.ErrorCode, outcome.Error, nil, details))
		return
	}

	core.OK(w, r, "Job executed", outcome)
}

// rebuild refreshes the trigger set. A failure is logged only; the registry
// write already succeeded and the periodic reload converges the triggers.
func (h *JobHandler) rebuild(ctx context.Context, logger *slog.Logger) {
	if h.scheduler == nil {
		return
	}
	if err := h.scheduler.Rebuild(ctx); err != nil {
		logger.WarnContext(ctx, "scheduler rebuild failed", "error", err)
	}
}

// normalizeBody returns the stored form of a captured body: JSON strings are
// unquoted, objects are compacted.
func normalizeBody(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"body failed \"required\"",
			nil,
			map[string]any{"fields": map[string]any{"body": "required"}},
		)
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "body is not a valid JSON string", err)
		}
		if strings.TrimSpace(s) == "" {
			return "", types.NewAppError(types.ErrCodeValidationMissingField, "body must not be empty", nil)
		}
		return s, nil
	case '{':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "body is not a valid JSON object", err)
		}
		return buf.String(), nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationInvalidPayload, "body must be a string or an object", nil)
	}
}

// extractGuildID reads guild_id from a JSON body. Numbers and numeric
// strings are accepted.
func extractGuildID(body string) (int64, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var probe struct {
		GuildID any `json:"guild_id"`
	}
	if err := dec.Decode(&probe); err != nil {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidPayload, "body is not a JSON object", err)
	}

	var raw string
	switch v := probe.GuildID.(type) {
	case nil:
		return 0, types.NewAppError(types.ErrCodeValidationInvalidGuildID, "guild_id not found in request body", nil)
	case json.Number:
		raw = v.String()
	case string:
		raw = strings.TrimSpace(v)
	default:
		return 0, invalidGuildID(fmt.Sprint(v))
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidGuildID(raw)
	}
	return id, nil
}

func guildIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "guildID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidGuildID(raw)
	}
	return id, nil
}

func invalidGuildID(raw string) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidGuildID,
		"guild_id must be a positive integer",
		nil,
		map[string]any{"guild_id": raw},
	)
}

// stringHeaders flattens captured header values to strings. Null values are
// dropped.
func stringHeaders(in map[string]any) types.Headers {
	out := make(types.Headers, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
