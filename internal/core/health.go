package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe fan-out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one dependency checked by GET /health.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a short deadline.
// It answers 200 when all report healthy and 503 otherwise. A probe that has
// not returned when the deadline passes is reported as timed out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// Each slot is written by exactly one goroutine; the channel carries the
	// index so the reader never touches a slot still being written.
	results := make([]error, len(probes))
	finished := make(chan int, len(probes))

	for i, probe := range probes {
		go func() {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				results[i] = err
				finished <- i
			}()
			err = probe.Check(ctx)
		}()
	}

	completed := make(map[int]bool, len(probes))
wait:
	for len(completed) < len(probes) {
		select {
		case i := <-finished:
			completed[i] = true
		case <-ctx.Done():
			break wait
		}
	}

	components := make(map[string]componentStatus, len(probes))
	healthy := true
	for i, probe := range probes {
		switch {
		case !completed[i]:
			healthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case results[i] != nil:
			healthy = false
			components[probe.Name()] = componentStatus{Status: "unhealthy", Message: results[i].Error()}
		default:
			components[probe.Name()] = componentStatus{Status: "healthy"}
		}
	}

	if healthy {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy", Components: components})
		return
	}
	JSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Components: components})
}
