// Package upstream is the client for component B (spec.md §4.B): it
// consults the configured public substituter on a GHA-cache miss, and
// degrades to "absent" on any error — the upstream is a speedup, never a
// correctness gate.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAbsent means the upstream returned 404 for the requested path. It is
// a normal outcome, not a fault.
var ErrAbsent = errors.New("upstream: absent")

// maxAttempts bounds upstream retries (spec.md §4.B: "anything else
// non-2xx is retried briefly (≤3)").
const maxAttempts = 3

const retryDelay = 200 * time.Millisecond

// Client issues plain HTTP(S) requests against a configured public
// substituter.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for baseURL, the daemon's configured upstream_url.
// An empty baseURL is valid — Head/Get then always report absent.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether an upstream substituter was set at all.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// Head fetches the narinfo text at sph+".narinfo" from the upstream. It
// returns ErrAbsent on 404 or when no upstream is configured, and a
// wrapped error once its retries are exhausted; the pipeline treats both
// as a miss, per the "never a correctness gate" rule.
func (c *Client) Head(ctx context.Context, sph string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrAbsent
	}

	return c.fetch(ctx, c.baseURL+"/"+sph+".narinfo")
}

// Get fetches a NAR (or any other) path verbatim from the upstream,
// returning a streaming body. Caller must Close it.
func (c *Client) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if !c.Configured() {
		return nil, ErrAbsent
	}

	url := c.baseURL + "/" + path

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, err := c.getOnce(ctx, url)
		if err == nil {
			return body, nil
		}

		if errors.Is(err, ErrAbsent) {
			return nil, ErrAbsent
		}

		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("upstream: exhausted %d attempts fetching %s: %w", maxAttempts, path, lastErr)
}

func (c *Client) getOnce(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrAbsent
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, err := c.getOnce(ctx, url)
		if err == nil {
			defer body.Close()

			data, readErr := io.ReadAll(body)
			if readErr != nil {
				lastErr = readErr
			} else {
				return data, nil
			}
		} else if errors.Is(err, ErrAbsent) {
			return nil, ErrAbsent
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("upstream: exhausted %d attempts fetching %s: %w", maxAttempts, url, lastErr)
}
