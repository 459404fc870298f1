// Package pipeline composes the GHA-cache client (A), the upstream
// client (B), and the negative cache (C) into the read/write operations
// the router drives (spec.md §4.E). Reads for the same key coalesce via
// singleflight; upstream hits are mirrored into the GHA cache in the
// background under a bounded concurrency cap.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/determinate-ci/ghaproxy/internal/ghacache"
	"github.com/determinate-ci/ghaproxy/internal/narinfo"
	"github.com/determinate-ci/ghaproxy/internal/negcache"
	"github.com/determinate-ci/ghaproxy/internal/telemetry"
	"github.com/determinate-ci/ghaproxy/internal/upstream"
)

// ErrNotFound is returned when neither the GHA cache nor the upstream
// substituter (if configured) has the requested object.
var ErrNotFound = errors.New("pipeline: not found")

// Pipeline is component E. It holds shared, immutable references to A
// (gha), B (up), and C (neg); all three are safe for concurrent use.
type Pipeline struct {
	gha *ghacache.Client
	up  *upstream.Client
	neg *negcache.Cache

	counters telemetry.Counters

	group singleflight.Group

	mirrorSem *semaphore.Weighted
	mirrorWG  sync.WaitGroup
	draining  bool
	drainMu   sync.Mutex

	uploadConcurrency int
}

// New constructs a Pipeline. mirrorConcurrency bounds background
// upstream->GHA mirrors (spec.md §4.E "Background mirror... spawned...
// with a concurrency cap").
func New(gha *ghacache.Client, up *upstream.Client, neg *negcache.Cache, counters telemetry.Counters, mirrorConcurrency, uploadConcurrency int) *Pipeline {
	if counters == nil {
		counters = telemetry.Noop{}
	}

	if mirrorConcurrency < 1 {
		mirrorConcurrency = 1
	}

	return &Pipeline{
		gha:               gha,
		up:                up,
		neg:               neg,
		counters:          counters,
		mirrorSem:         semaphore.NewWeighted(int64(mirrorConcurrency)),
		uploadConcurrency: uploadConcurrency,
	}
}

// Narinfo resolves the narinfo body for sph: negative cache, then GHA,
// then upstream (with background mirroring on an upstream hit). Returns
// ErrNotFound when all three miss.
func (p *Pipeline) Narinfo(ctx context.Context, sph string) ([]byte, error) {
	key := sph + ".narinfo"

	if p.neg.Contains(key) {
		return nil, ErrNotFound
	}

	v, err, shared := p.group.Do(key, func() (any, error) {
		return p.resolveNarinfo(ctx, sph, key)
	})
	if shared {
		p.counters.Inc(telemetry.SingleflightCoalesced)
	}

	if err != nil {
		return nil, err
	}

	body, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("pipeline: unexpected singleflight result type %T", v)
	}

	return body, nil
}

func (p *Pipeline) resolveNarinfo(ctx context.Context, sph, key string) ([]byte, error) {
	body, err := p.ghaNarinfo(ctx, key)
	if err == nil {
		p.counters.Inc(telemetry.NarinfoHitGHA)
		return body, nil
	}

	if !errors.Is(err, ghacache.ErrAbsent) {
		slog.Debug("gha lookup failed, degrading to upstream", "sph", sph, "error", err)
	}

	body, err = p.up.Head(ctx, sph)
	if err == nil {
		p.counters.Inc(telemetry.NarinfoHitUpstream)
		p.spawnMirror(sph, body)

		return body, nil
	}

	p.neg.Add(key)
	p.counters.Inc(telemetry.NarinfoMiss)

	return nil, ErrNotFound
}

func (p *Pipeline) ghaNarinfo(ctx context.Context, key string) ([]byte, error) {
	body, _, err := p.gha.LookupAndDownload(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading narinfo body for %s: %w", key, err)
	}

	return data, nil
}

// Nar resolves a NAR body by its URL (e.g. "nar/<hash>.nar.xz"): GHA,
// then upstream. Returns a stream the caller must Close.
func (p *Pipeline) Nar(ctx context.Context, narURL string) (io.ReadCloser, error) {
	body, _, err := p.gha.LookupAndDownload(ctx, narURL)
	if err == nil {
		return body, nil
	}

	if !errors.Is(err, ghacache.ErrAbsent) {
		slog.Debug("gha nar lookup failed, degrading to upstream", "url", narURL, "error", err)
	}

	body, err = p.up.Get(ctx, narURL)
	if err != nil {
		return nil, ErrNotFound
	}

	return body, nil
}

// PutNarinfo validates and uploads a narinfo PUT body independently of
// its NAR (spec.md §4.E "no cross-object transaction"). It also clears
// any stale negative-cache entry for this key.
func (p *Pipeline) PutNarinfo(ctx context.Context, body []byte) (*narinfo.Info, error) {
	info, err := narinfo.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	sph, err := info.SPH()
	if err != nil {
		return nil, err
	}

	key := sph + ".narinfo"
	p.neg.Remove(key)

	if err := p.gha.Upload(ctx, key, int64Ptr(int64(len(body))), p.uploadConcurrency, bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("%w", err)
	}

	return info, nil
}

// PutNar uploads a NAR body under key verbatim to the GHA cache.
func (p *Pipeline) PutNar(ctx context.Context, key string, sizeHint *int64, body io.Reader) error {
	p.neg.Remove(key)
	return p.gha.Upload(ctx, key, sizeHint, p.uploadConcurrency, body)
}

// spawnMirror optimistically copies an upstream narinfo hit into the GHA
// cache in the background; failure is swallowed and logged at debug
// (spec.md §4.E "pure optimization"). It does nothing once draining.
func (p *Pipeline) spawnMirror(sph string, body []byte) {
	p.drainMu.Lock()
	draining := p.draining
	p.drainMu.Unlock()

	if draining {
		return
	}

	if !p.mirrorSem.TryAcquire(1) {
		return
	}

	p.mirrorWG.Add(1)

	go func() {
		defer p.mirrorWG.Done()
		defer p.mirrorSem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("mirror task panicked", "sph", sph, "panic", r)
			}
		}()

		ctx := context.Background()
		key := sph + ".narinfo"

		if err := p.gha.Upload(ctx, key, int64Ptr(int64(len(body))), p.uploadConcurrency, bytes.NewReader(body)); err != nil {
			p.counters.Inc(telemetry.MirrorFailed)
			slog.Debug("background mirror of narinfo failed", "sph", sph, "error", err)

			return
		}

		info, err := narinfo.Parse(bytes.NewReader(body))
		if err != nil {
			p.counters.Inc(telemetry.MirrorFailed)
			return
		}

		narBody, err := p.up.Get(ctx, info.URL)
		if err != nil {
			p.counters.Inc(telemetry.MirrorFailed)
			slog.Debug("background mirror fetching nar failed", "sph", sph, "error", err)

			return
		}
		defer narBody.Close()

		if err := p.gha.Upload(ctx, info.URL, nil, p.uploadConcurrency, narBody); err != nil {
			p.counters.Inc(telemetry.MirrorFailed)
			slog.Debug("background mirror upload of nar failed", "sph", sph, "error", err)

			return
		}

		p.counters.Inc(telemetry.MirrorSucceeded)
	}()
}

// Drain stops new background mirrors from starting and waits for
// in-flight ones to finish, or for ctx to be done.
func (p *Pipeline) Drain(ctx context.Context) {
	p.drainMu.Lock()
	p.draining = true
	p.drainMu.Unlock()

	done := make(chan struct{})

	go func() {
		p.mirrorWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func int64Ptr(v int64) *int64 { return &v }
