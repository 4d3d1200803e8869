package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"turfwar/internal/config"
	"turfwar/internal/types"
)

// FlushInterval is how often the CloudWatch backend ships buffered datums.
const FlushInterval = 30 * time.Second

// Backend is a configured recorder plus its lifecycle hooks.
type Backend struct {
	Recorder types.MetricsRecorder
	// Handler serves /metrics; nil unless the backend is Prometheus.
	Handler http.Handler
	// Run blocks until ctx is done, flushing as needed. Nil when there is
	// nothing to flush.
	Run func(ctx context.Context)
	// Flush ships anything buffered. Always non-nil.
	Flush func(ctx context.Context)
}

// New selects the backend named by cfg.MetricsBackend. cw is only used for
// the cloudwatch backend.
func New(cfg config.ObservabilityConfig, cw CloudWatchClient, logger *slog.Logger) Backend {
	noFlush := func(context.Context) {}
	switch cfg.MetricsBackend {
	case "prometheus":
		p := NewPrometheus(cfg.MetricsNamespace)
		return Backend{Recorder: p, Handler: p.Handler(), Flush: noFlush}
	case "cloudwatch":
		c := NewCloudWatch(cw, cfg.MetricsNamespace, nil, logger)
		return Backend{
			Recorder: c,
			Run:      func(ctx context.Context) { c.Run(ctx, FlushInterval) },
			Flush:    c.Flush,
		}
	default:
		return Backend{Recorder: types.NoopMetrics{}, Flush: noFlush}
	}
}
