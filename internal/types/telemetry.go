package types

import "time"

// Metric names. Prometheus series are snake_case under the configured
// namespace; CloudWatch uses the same names as given here.
const (
	MetricJobRuns         = "job_runs_total"
	MetricJobRunDuration  = "job_run_duration_seconds"
	MetricIngests         = "snapshots_ingested_total"
	MetricMembersIngested = "members_ingested_total"
	MetricHTTPRequests    = "http_requests_total"
	MetricHTTPDuration    = "http_request_duration_seconds"
	MetricRollupGuilds    = "rollup_guilds_total"

	// Label / dimension keys
	DimOutcome = "outcome"
	DimRound   = "round"
	DimSnipe   = "snipe"
	DimMethod  = "method"
	DimRoute   = "route"
	DimStatus  = "status"
)

// Job run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// MetricsRecorder is implemented by every metrics backend.
type MetricsRecorder interface {
	RecordJobRun(outcome string, duration time.Duration)
	RecordIngest(round int, snipe bool, members int)
	RecordRequest(method, route, status string, duration time.Duration)
	RecordRollup(outcome string, guilds int)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordJobRun(string, time.Duration) {}
func (NoopMetrics) RecordIngest(int, bool, int) {}
func (NoopMetrics) RecordRequest(string, string, string, time.Duration) {}
func (NoopMetrics) RecordRollup(string, int) {}
