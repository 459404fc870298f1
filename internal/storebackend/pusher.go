package storebackend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/determinate-ci/ghaproxy/internal/narinfo"
	"github.com/determinate-ci/ghaproxy/internal/telemetry"
)

// Uploader is the subset of internal/pipeline.Pipeline the pusher needs;
// internal/pipeline is not imported directly to keep this package testable
// against a bare stub and to avoid an import cycle as lifecycle wires both
// together.
type Uploader interface {
	PutNarinfo(ctx context.Context, body []byte) (*narinfo.Info, error)
	PutNar(ctx context.Context, key string, sizeHint *int64, body io.Reader) error
}

// Pusher is component F (spec.md §4.F): it snapshots the store before and
// after a run, then pushes the paths that became valid in between.
type Pusher struct {
	backend           StoreBackend
	uploader          Uploader
	counters          telemetry.Counters
	uploadConcurrency int

	original map[string]struct{}
}

// NewPusher constructs a Pusher. uploadConcurrency bounds simultaneous
// path dumps and uploads within a topological wave (spec.md §4.F item 3).
func NewPusher(backend StoreBackend, uploader Uploader, counters telemetry.Counters, uploadConcurrency int) *Pusher {
	if counters == nil {
		counters = telemetry.Noop{}
	}

	if uploadConcurrency < 1 {
		uploadConcurrency = 1
	}

	return &Pusher{
		backend:           backend,
		uploader:          uploader,
		counters:          counters,
		uploadConcurrency: uploadConcurrency,
	}
}

// Snapshot records the set of store paths currently valid. Called once at
// startup (spec.md §4.F "stores the set as original").
func (p *Pusher) Snapshot(ctx context.Context) error {
	paths, err := p.backend.ListPaths(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting store: %w", err)
	}

	p.original = make(map[string]struct{}, len(paths))
	for _, path := range paths {
		p.original[path] = struct{}{}
	}

	return nil
}

// node is one new path's dumped narinfo/NAR, kept in memory only long
// enough to compute topological order and stream the upload.
type node struct {
	name        string
	narinfoText []byte
	narinfo     *narinfo.Info
	nar         io.ReadCloser
	references  []string // basenames, restricted to nothing in particular yet
	dumpErr     error
}

// Result summarizes a Push call for the shutdown telemetry summary
// (spec.md §4.G "emit telemetry summary").
type Result struct {
	Pushed  []string
	Skipped []string
	Failed  map[string]error
}

// Push re-enumerates the store, computes new = final \ original, dumps
// each new path, and uploads in topological order (children before
// parents). A failed child causes its parents to be skipped (reported,
// not fatal), per spec.md §4.F item 3.
func (p *Pusher) Push(ctx context.Context) (Result, error) {
	final, err := p.backend.ListPaths(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("final store snapshot: %w", err)
	}

	var newPaths []string

	for _, path := range final {
		if _, ok := p.original[path]; !ok {
			newPaths = append(newPaths, path)
		}
	}

	if len(newPaths) == 0 {
		return Result{}, nil
	}

	nodes := p.dumpAll(ctx, newPaths)
	defer closeAll(nodes)

	return p.pushTopological(ctx, nodes), nil
}

// dumpAll dumps every new path concurrently (bounded by
// uploadConcurrency) so that each node's References are known before
// topological scheduling begins.
func (p *Pusher) dumpAll(ctx context.Context, names []string) map[string]*node {
	nodes := make(map[string]*node, len(names))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.uploadConcurrency)

	for _, name := range names {
		name := name

		g.Go(func() error {
			n := &node{name: name}

			text, nar, err := p.backend.DumpPathWithNarinfo(gctx, name)
			if err != nil {
				n.dumpErr = fmt.Errorf("dumping %s: %w", name, err)
			} else if info, perr := narinfo.Parse(byteReader(text)); perr != nil {
				n.dumpErr = fmt.Errorf("parsing narinfo for %s: %w", name, perr)
				nar.Close()
			} else {
				n.narinfoText = text
				n.narinfo = info
				n.nar = nar
				n.references = info.References
			}

			mu.Lock()
			nodes[name] = n
			mu.Unlock()

			return nil // per-path dump failures are reported, not fatal to the batch
		})
	}

	_ = g.Wait()

	return nodes
}

// pushTopological uploads nodes in waves: a node is eligible once every
// reference that is itself a new path in this push has left remaining
// (pushed or failed/skipped). References to paths outside this push are
// assumed already present (in the GHA cache or upstream) and never block.
func (p *Pusher) pushTopological(ctx context.Context, nodes map[string]*node) Result {
	remaining := make(map[string]struct{}, len(nodes))
	for name := range nodes {
		remaining[name] = struct{}{}
	}

	blocked := make(map[string]struct{}) // failed or skipped; dependents must skip too

	result := Result{Failed: make(map[string]error)}

	for len(remaining) > 0 {
		var wave []string

		for name := range remaining {
			if isReady(nodes[name], remaining) {
				wave = append(wave, name)
			}
		}

		if len(wave) == 0 {
			for name := range remaining {
				result.Skipped = append(result.Skipped, name)
			}

			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.uploadConcurrency)

		var mu sync.Mutex

		for _, name := range wave {
			name := name
			n := nodes[name]

			g.Go(func() error {
				var err error

				skipped := false

				switch {
				case n.dumpErr != nil:
					err = n.dumpErr
				case dependsOnBlocked(n, blocked):
					skipped = true
				default:
					err = p.pushOne(gctx, n)
				}

				mu.Lock()
				defer mu.Unlock()

				if skipped {
					result.Skipped = append(result.Skipped, name)
					blocked[name] = struct{}{}
					p.counters.Inc(telemetry.MirrorFailed)

					slog.Warn("skipping store path push: dependency failed", "path", name)
				} else if err != nil {
					result.Failed[name] = err
					blocked[name] = struct{}{}
					p.counters.Inc(telemetry.MirrorFailed)

					slog.Warn("skipping store path push", "path", name, "error", err)
				} else {
					result.Pushed = append(result.Pushed, name)
					p.counters.Inc(telemetry.MirrorSucceeded)
				}

				return nil // a per-path outcome never aborts the wave
			})
		}

		_ = g.Wait()

		for _, name := range wave {
			delete(remaining, name)
		}
	}

	return result
}

func isReady(n *node, remaining map[string]struct{}) bool {
	for _, ref := range n.references {
		if _, stillRemaining := remaining[ref]; stillRemaining {
			return false
		}
	}

	return true
}

func dependsOnBlocked(n *node, blocked map[string]struct{}) bool {
	for _, ref := range n.references {
		if _, isBlocked := blocked[ref]; isBlocked {
			return true
		}
	}

	return false
}

func (p *Pusher) pushOne(ctx context.Context, n *node) error {
	nar := n.nar
	n.nar = nil // freed below regardless of outcome, once
	defer nar.Close()

	if err := p.uploader.PutNar(ctx, n.narinfo.URL, nil, nar); err != nil {
		return fmt.Errorf("uploading nar for %s: %w", n.name, err)
	}

	if _, err := p.uploader.PutNarinfo(ctx, n.narinfoText); err != nil {
		return fmt.Errorf("uploading narinfo for %s: %w", n.name, err)
	}

	return nil
}

func closeAll(nodes map[string]*node) {
	for _, n := range nodes {
		if n.nar != nil {
			n.nar.Close()
		}
	}
}

func byteReader(b []byte) io.Reader { return &simpleByteReader{b: b} }

type simpleByteReader struct {
	b   []byte
	pos int
}

func (r *simpleByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}

	n := copy(p, r.b[r.pos:])
	r.pos += n

	return n, nil
}
