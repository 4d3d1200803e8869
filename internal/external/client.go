// Package external wraps outbound calls to the game API. Every call goes
// through BaseClient, which applies the circuit breaker, bounded retries and
// the mapping of transport failures onto upstream_* error codes.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"turfwar/internal/security"
	"turfwar/internal/types"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy retries once. Scheduled jobs fire again within the hour,
// so long retry chains only hold the trigger goroutine.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 1,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// BaseClient wraps an *http.Client with one circuit breaker per upstream
// host, so a failing host never trips calls bound for another.
type BaseClient struct {
	client      *http.Client
	breakerName string
	breakers    sync.Map // host -> *gobreaker.CircuitBreaker[*http.Response]
	fixed       *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries. Tests use it to skip delays.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// WithBreaker routes every host through cb instead of per-host breakers.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.fixed = cb
	}
}

// NewBaseClient creates a BaseClient. Each host's breaker opens after five
// consecutive failures and probes again after 30 seconds.
func NewBaseClient(httpClient *http.Client, breakerName string, retryPolicy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	bc := &BaseClient{
		client:      httpClient,
		breakerName: breakerName,
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A refused target says nothing about the game API's health.
		IsSuccessful: func(err error) bool {
			return err == nil || security.IsRejected(err)
		},
	})
}

// breakerFor returns the breaker guarding host, creating it on first use.
func (c *BaseClient) breakerFor(host string) *gobreaker.CircuitBreaker[*http.Response] {
	if c.fixed != nil {
		return c.fixed
	}
	if cb, ok := c.breakers.Load(host); ok {
		return cb.(*gobreaker.CircuitBreaker[*http.Response])
	}
	cb, _ := c.breakers.LoadOrStore(host, newBreaker(c.breakerName+":"+host))
	return cb.(*gobreaker.CircuitBreaker[*http.Response])
}

// Do executes req with the request id and User-Agent headers applied,
// retrying 429, 5xx and network failures. Other statuses are returned as-is
// and the caller closes the body. Exhausted retries, an open breaker or an
// expired context yield a *types.AppError with an upstream_* code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if id := types.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Buffer the body so each attempt can replay it.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to buffer request body", err)
		}
	}

	breaker := c.breakerFor(req.URL.Host)
	var lastStatus int
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := range maxAttempts {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		lastErr = err
		var retryAfter string
		if resp != nil {
			lastStatus = resp.StatusCode
			retryAfter = resp.Header.Get("Retry-After")
			resp.Body.Close()
		}

		if isBreakerOpen(err) || security.IsRejected(err) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, retryAfter))
		}
	}

	return nil, c.mapError(ctx, req.URL.Host, lastStatus, lastErr)
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// computeBackoff honors a Retry-After header in seconds, otherwise uses
// exponential backoff with jitter clamped to [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	base = math.Min(base, float64(c.retryPolicy.MaxWait))
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError translates transport-level failures into upstream AppErrors.
func (c *BaseClient) mapError(ctx context.Context, host string, status int, err error) *types.AppError {
	if isBreakerOpen(err) {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable, "circuit breaker open for game API host", err,
			map[string]any{"host": host})
	}
	if security.IsRejected(err) {
		return types.NewAppError(types.ErrCodeUpstreamGameAPI, "game API address is not allowed", err)
	}
	if isTimeout(ctx, err) {
		return types.NewAppError(types.ErrCodeUpstreamTimeout, "game API call timed out", err)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited, "game API rate limit exceeded", err,
			map[string]any{"status": status})
	case status >= 500:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamGameAPI,
			fmt.Sprintf("game API returned %d after retries", status), err,
			map[string]any{"status": status})
	}
	return types.NewAppError(types.ErrCodeUpstreamGameAPI, "game API request failed", err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
