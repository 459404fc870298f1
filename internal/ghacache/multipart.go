package ghacache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// minChunkSize is the floor the client shrinks to on a 413 from the
// server before giving up on a chunk (spec.md §9 Open Question: "the
// exact GHA-cache chunk size minimum is server-dependent... the client
// must treat 413 as a signal to reduce chunk size and retry").
const minChunkSize = 4 * 1024 * 1024

// chunkBufferPool pools chunk-sized buffers across concurrent uploads to
// avoid re-allocating multi-megabyte slices per call.
var chunkBufferPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() any { return new(bytes.Buffer) },
}

// Upload reserves key, splits body into chunkSize chunks, uploads up to
// uploadConcurrency of them in parallel via ranged PATCH, and commits on
// success (spec.md §4.A op 3). A 409 at reserve time is treated as an
// idempotent success. On any chunk's retry budget exhausting, returns
// ErrUploadFailed and the caller must treat the blob as not uploaded.
func (c *Client) Upload(ctx context.Context, key string, sizeHint *int64, uploadConcurrency int, body io.Reader) error {
	release := c.registry.acquire(key)
	defer release()

	reserveCtx, cancel := withControlTimeout(ctx)
	cacheID, err := c.reserve(reserveCtx, key, sizeHint)

	cancel()

	if errors.Is(err, errConflict) {
		return nil
	}

	if err != nil {
		return err
	}

	if uploadConcurrency < 1 {
		uploadConcurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	var (
		offset    int64
		chunkSize = c.chunkSize
	)

	for {
		buf := chunkBufferPool.Get().(*bytes.Buffer) //nolint:forcetypeassert
		buf.Reset()
		buf.Grow(int(chunkSize))

		n, readErr := io.CopyN(buf, body, chunkSize)
		if n > 0 {
			chunkOffset := offset
			chunkBuf := buf

			g.Go(func() error {
				defer chunkBufferPool.Put(chunkBuf)
				return c.patchChunk(gctx, cacheID, chunkOffset, chunkBuf.Bytes(), chunkSize)
			})

			offset += n
		} else {
			chunkBufferPool.Put(buf)
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			_ = g.Wait()

			return fmt.Errorf("%w: reading upload body at offset %d: %w", ErrUploadFailed, offset, readErr)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	commitCtx, cancel := withControlTimeout(ctx)
	err = c.commit(commitCtx, cacheID, offset)

	cancel()

	return err
}

// patchChunk PATCHes data at [offset, offset+len(data)) and, on a 413
// from the server, halves the chunk and retries each half recursively
// down to minChunkSize before giving up.
func (c *Client) patchChunk(ctx context.Context, cacheID int64, offset int64, data []byte, attemptedSize int64) error {
	u := c.baseURL.JoinPath("_apis", "artifactcache", "caches", fmt.Sprintf("%d", cacheID))

	body := data
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: creating patch request: %w", ErrUploadFailed, err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", offset, offset+int64(len(data))-1))

	resp, err := doWithRetry(ctx, c.httpClient, c.pacer, c.retry, c.counters, req)
	if err != nil {
		return fmt.Errorf("%w: patching chunk at offset %d: %w", ErrUploadFailed, offset, err)
	}

	defer closeResponseBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return c.shrinkAndRetry(ctx, cacheID, offset, data, attemptedSize)
	default:
		return fmt.Errorf("%w: patch status %d at offset %d", ErrUploadFailed, resp.StatusCode, offset)
	}
}

func (c *Client) shrinkAndRetry(ctx context.Context, cacheID int64, offset int64, data []byte, attemptedSize int64) error {
	half := attemptedSize / 2
	for half >= int64(len(data)) && half/2 >= minChunkSize {
		half /= 2
	}

	if half < minChunkSize || half >= int64(len(data)) {
		return fmt.Errorf("%w: chunk at offset %d rejected with 413 at floor size %d", ErrUploadFailed, offset, minChunkSize)
	}

	mid := int64(len(data))
	if mid > half {
		mid = half
	}

	if err := c.patchChunk(ctx, cacheID, offset, data[:mid], half); err != nil {
		return err
	}

	if mid >= int64(len(data)) {
		return nil
	}

	return c.patchChunk(ctx, cacheID, offset+mid, data[mid:], half)
}
