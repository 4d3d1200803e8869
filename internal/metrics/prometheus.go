// Package metrics provides the MetricsRecorder backends: Prometheus for
// long-running servers, CloudWatch for Lambda deployments.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turfwar/internal/types"
)

var _ types.MetricsRecorder = (*Prometheus)(nil)

// Prometheus records metrics into its own registry.
type Prometheus struct {
	registry        *prometheus.Registry
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	ingests         *prometheus.CounterVec
	membersIngested prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rollupGuilds    *prometheus.CounterVec
}

// NewPrometheus registers every collector under namespace, plus the Go
// runtime and process collectors.
func NewPrometheus(namespace string) *Prometheus {
	ns := strings.ToLower(namespace)
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		registry: reg,
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: types.MetricJobRuns,
			Help: "Scheduled and manual job runs by outcome.",
		}, []string{types.DimOutcome}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: types.MetricJobRunDuration,
			Help:    "Wall time of a job run, fetch through registry update.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{types.DimOutcome}),
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: types.MetricIngests,
			Help: "Committed snapshot ingests by round and snipe flag.",
		}, []string{types.DimRound, types.DimSnipe}),
		membersIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: types.MetricMembersIngested,
			Help: "Member snapshot rows written.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: types.MetricHTTPRequests,
			Help: "HTTP requests by method, route pattern and status.",
		}, []string{types.DimMethod, types.DimRoute, types.DimStatus}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: types.MetricHTTPDuration,
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{types.DimMethod, types.DimRoute}),
		rollupGuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: types.MetricRollupGuilds,
			Help: "Guilds processed by the weekly rollup.",
		}, []string{types.DimOutcome}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.jobRuns, p.jobDuration, p.ingests, p.membersIngested,
		p.requests, p.requestDuration, p.rollupGuilds,
	)
	return p
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) RecordJobRun(outcome string, d time.Duration) {
	p.jobRuns.WithLabelValues(outcome).Inc()
	if outcome != types.OutcomeSkipped {
		p.jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (p *Prometheus) RecordIngest(round int, snipe bool, members int) {
	p.ingests.WithLabelValues(strconv.Itoa(round), strconv.FormatBool(snipe)).Inc()
	p.membersIngested.Add(float64(members))
}

func (p *Prometheus) RecordRequest(method, route, status string, d time.Duration) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (p *Prometheus) RecordRollup(outcome string, guilds int) {
	p.rollupGuilds.WithLabelValues(outcome).Add(float64(guilds))
}
