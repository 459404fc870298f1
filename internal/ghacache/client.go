// Package ghacache is the client for component A (spec.md §4.A): it
// reserves, uploads, commits, and looks up blobs in the GitHub Actions
// cache service, and owns the per-key upload registry and adaptive rate
// limiter that shield that service's 429s from the rest of the daemon.
package ghacache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/determinate-ci/ghaproxy/internal/telemetry"
)

// Client talks to one GHA cache scope under one fixed version.
type Client struct {
	baseURL    *url.URL
	runtimeURL *url.URL
	token      string
	version    string
	chunkSize  int64
	httpClient *http.Client
	pacer      *backoffPacer
	retry      retryConfig
	registry   *uploadRegistry
	counters   telemetry.Counters
}

// Config carries the subset of internal/config.Config the client needs,
// kept narrow so this package doesn't import the config package.
type Config struct {
	CacheURL      string
	RuntimeURL    string
	Token         string
	NamespaceSalt string
	ChunkSize     int64
	Counters      telemetry.Counters
}

// New constructs a Client. CacheURL is used for reserve/upload/commit,
// RuntimeURL for lookup — GHA exposes these as two distinct base URLs
// (spec.md §6).
func New(cfg Config) (*Client, error) {
	cacheURL, err := url.Parse(cfg.CacheURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gha cache url: %w", err)
	}

	runtimeURL, err := url.Parse(cfg.RuntimeURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gha runtime url: %w", err)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 32 * 1024 * 1024
	}

	counters := cfg.Counters
	if counters == nil {
		counters = telemetry.Noop{}
	}

	return &Client{
		baseURL:    cacheURL,
		runtimeURL: runtimeURL,
		token:      cfg.Token,
		version:    DeriveVersion(cfg.NamespaceSalt),
		chunkSize:  chunkSize,
		httpClient: &http.Client{Timeout: 0},
		pacer:      newBackoffPacer("gha-cache"),
		retry:      defaultRetryConfig(),
		registry:   newUploadRegistry(),
		counters:   counters,
	}, nil
}

// DownloadHandle wraps a presigned URL and its reported size, returned by
// Lookup on a hit (spec.md §4.A op 1).
type DownloadHandle struct {
	URL  string
	Size int64
}

type reserveRequest struct {
	Key       string `json:"key"`
	Version   string `json:"version"`
	CacheSize *int64 `json:"cacheSize,omitempty"`
}

type reserveResponse struct {
	CacheID int64 `json:"cacheId"`
}

type commitRequest struct {
	Size int64 `json:"size"`
}

type lookupResponse struct {
	ArchiveLocation string `json:"archiveLocation"`
}

func (c *Client) newJSONRequest(ctx context.Context, method string, u *url.URL, body any) (*http.Request, error) {
	var reader io.Reader

	var getBody func() (io.ReadCloser, error)

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}

		reader = strings.NewReader(string(payload))
		getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(string(payload))), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if getBody != nil {
		req.GetBody = getBody
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json;api-version=6.0-preview.1")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// Lookup queries the GHA cache for key under the daemon's version. It
// returns ErrAbsent on 204/404, ErrUnauthenticated on 401/403, and
// ErrRateLimited/ErrUpstream when the retry budget is exhausted.
func (c *Client) Lookup(ctx context.Context, key string) (*DownloadHandle, error) {
	ctx, cancel := withControlTimeout(ctx)
	defer cancel()

	u := c.runtimeURL.JoinPath("_apis", "artifactcache", "cache")

	q := u.Query()
	q.Set("keys", key)
	q.Set("version", c.version)
	u.RawQuery = q.Encode()

	req, err := c.newJSONRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.pacer, c.retry, c.counters, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	defer closeResponseBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var lr lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return nil, fmt.Errorf("%w: decoding lookup response: %w", ErrUpstream, err)
		}

		size, err := probeSize(ctx, c.httpClient, lr.ArchiveLocation)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}

		return &DownloadHandle{URL: lr.ArchiveLocation, Size: size}, nil
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrAbsent
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthenticated
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}
}

// probeSize issues a HEAD against the presigned URL to learn the blob's
// size before streaming it; archives that don't support HEAD fall back
// to a size of -1 (unknown, streamed until EOF).
func probeSize(ctx context.Context, httpClient *http.Client, archiveURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, archiveURL, nil)
	if err != nil {
		return -1, fmt.Errorf("creating head request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return -1, fmt.Errorf("probing archive size: %w", err)
	}

	defer closeResponseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return -1, nil
	}

	return resp.ContentLength, nil
}

// OpenDownload opens a sequential GET against handle.URL and returns the
// response body for the caller to stream. The caller must Close it.
func (c *Client) OpenDownload(ctx context.Context, handle *DownloadHandle) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: opening download: %w", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		closeResponseBody(resp.Body)
		return nil, fmt.Errorf("%w: download status %d", ErrUpstream, resp.StatusCode)
	}

	return resp.Body, nil
}

// LookupAndDownload is the convenience composition of Lookup+OpenDownload
// (spec.md §4.A op 4).
func (c *Client) LookupAndDownload(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	handle, err := c.Lookup(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	body, err := c.OpenDownload(ctx, handle)
	if err != nil {
		return nil, 0, err
	}

	return body, handle.Size, nil
}

// reserve allocates a numeric cache entry id for key, or reports success
// idempotently if another writer already reserved it first.
func (c *Client) reserve(ctx context.Context, key string, sizeHint *int64) (int64, error) {
	u := c.baseURL.JoinPath("_apis", "artifactcache", "caches")

	req, err := c.newJSONRequest(ctx, http.MethodPost, u, reserveRequest{
		Key:       key,
		Version:   c.version,
		CacheSize: sizeHint,
	})
	if err != nil {
		return 0, err
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.pacer, c.retry, c.counters, req)
	if err != nil {
		return 0, fmt.Errorf("%w: reserving %q: %w", ErrUploadFailed, key, err)
	}

	defer closeResponseBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var rr reserveResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return 0, fmt.Errorf("%w: decoding reserve response: %w", ErrUpstream, err)
		}

		return rr.CacheID, nil
	case http.StatusConflict:
		// Another writer reserved this key first; the caller should
		// treat the upload as already satisfied.
		return 0, errConflict
	default:
		return 0, fmt.Errorf("%w: reserve status %d", ErrUploadFailed, resp.StatusCode)
	}
}

func (c *Client) commit(ctx context.Context, cacheID int64, totalSize int64) error {
	u := c.baseURL.JoinPath("_apis", "artifactcache", "caches", fmt.Sprintf("%d", cacheID))

	req, err := c.newJSONRequest(ctx, http.MethodPost, u, commitRequest{Size: totalSize})
	if err != nil {
		return err
	}

	resp, err := doWithRetry(ctx, c.httpClient, c.pacer, c.retry, c.counters, req)
	if err != nil {
		return fmt.Errorf("%w: committing cache id %d: %w", ErrUploadFailed, cacheID, err)
	}

	defer closeResponseBody(resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: commit status %d", ErrUploadFailed, resp.StatusCode)
	}

	return nil
}

// controlTimeout bounds reserve/commit/lookup calls, per spec.md §5 ("GHA
// lookup/reserve operations use a 10 s timeout with 3 retries").
const controlTimeout = 10 * time.Second

func withControlTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, controlTimeout)
}
