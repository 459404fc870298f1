package ghacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/determinate-ci/ghaproxy/internal/telemetry"
)

// retryConfig controls exponential backoff for requests against the GHA
// cache API (spec.md §4.A: "retries with exponential backoff + jitter up
// to a bounded retry budget").
type retryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	return !errors.Is(err, context.Canceled)
}

func (c *retryConfig) calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}

	backoff := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt))
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}

	if c.Jitter > 0 {
		//nolint:gosec // math/rand is fine for jitter, not cryptographic
		jitter := backoff * c.Jitter * (rand.Float64()*2 - 1)
		backoff += jitter
	}

	return time.Duration(backoff)
}

func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}

	if seconds, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}

		return 0
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

func closeResponseBody(body io.ReadCloser) {
	if body == nil {
		return
	}

	if _, err := io.Copy(io.Discard, body); err != nil {
		slog.Warn("gha cache: failed to drain response body", "error", err)
	}

	if err := body.Close(); err != nil {
		slog.Warn("gha cache: failed to close response body", "error", err)
	}
}

func recordPacerFeedback(pacer *backoffPacer, statusCode int) {
	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable:
		pacer.onBackPressure()
	case statusCode >= 200 && statusCode < 300:
		pacer.onClean()
	}
}

// doWithRetry executes req with adaptive rate limiting and exponential
// backoff retry, replaying req.GetBody on each attempt (required for any
// request with a body). Each retry is reported to counters (spec.md §8
// S4: a throttled-then-successful lookup "reports N retries in telemetry").
func doWithRetry(ctx context.Context, httpClient *http.Client, pacer *backoffPacer, cfg retryConfig, counters telemetry.Counters, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, errors.New("ghacache: request with body must set GetBody for retry support")
	}

	var lastErr error

	var lastResp *http.Response

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := pacer.wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("getting request body for retry: %w", err)
			}

			req.Body = body
		}

		resp, err := httpClient.Do(req)

		if err == nil && !isRetryableStatus(resp.StatusCode) {
			recordPacerFeedback(pacer, resp.StatusCode)
			return resp, nil
		}

		if err == nil {
			recordPacerFeedback(pacer, resp.StatusCode)
		}

		lastErr = err
		lastResp = resp

		shouldRetry := false
		if err != nil {
			shouldRetry = isRetryableError(err)
		} else if isRetryableStatus(resp.StatusCode) {
			shouldRetry = true
			closeResponseBody(resp.Body)
		}

		if !shouldRetry || attempt == cfg.MaxRetries {
			if err != nil {
				return nil, fmt.Errorf("request failed after retries: %w", err)
			}

			return resp, nil
		}

		counters.Inc(telemetry.GHARetryAttempted)

		backoff := cfg.calculateBackoff(attempt)
		if ra := retryAfterDuration(resp); ra > backoff {
			backoff = ra
		}

		if err != nil {
			slog.Warn("gha cache request failed, retrying",
				"attempt", attempt+1, "max_attempts", cfg.MaxRetries+1, "backoff", backoff, "error", err)
		} else {
			slog.Warn("gha cache request returned retryable status, retrying",
				"attempt", attempt+1, "max_attempts", cfg.MaxRetries+1, "backoff", backoff, "status", resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			if lastResp != nil {
				closeResponseBody(lastResp.Body)
			}

			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return lastResp, nil
}
