package ghacache

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Bounds and adjustment factors for backoffPacer.
const (
	pacerFloor    = 5.0
	pacerCeiling  = 500.0
	pacerTighten  = 0.7
	pacerLoosen   = 1.1
	pacerLoosenAt = 10
)

// backoffPacer paces requests against the GHA cache API. It stays fully
// open (no limiter at all) until the service first signals back-pressure
// via a 429/503, then clamps to a bounded rate that tightens further on
// repeated signals and loosens gradually after a run of clean responses
// (spec.md §4.A: "on 429/503, back off and retry").
type backoffPacer struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	rps     float64
	streak  int64
	label   string
}

func newBackoffPacer(label string) *backoffPacer {
	return &backoffPacer{label: label}
}

// wait blocks until the pacer admits a request, or returns ctx.Err() if
// canceled first. A fully open pacer returns immediately.
func (p *backoffPacer) wait(ctx context.Context) error {
	p.mu.Lock()
	limiter := p.limiter
	p.mu.Unlock()

	if limiter == nil {
		return nil
	}

	return limiter.Wait(ctx) //nolint:wrapcheck
}

// onBackPressure clamps the pacer to pacerFloor the first time it is
// called, or tightens an already-clamped rate by pacerTighten down toward
// pacerFloor. Call on a 429 or 503 response.
func (p *backoffPacer) onBackPressure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.streak = 0

	if p.limiter == nil {
		p.setRate(pacerFloor)
		slog.Warn("gha cache pacer clamped after back-pressure", "name", p.label, "rate", p.rps)

		return
	}

	next := p.rps * pacerTighten
	if next < pacerFloor {
		next = pacerFloor
	}

	p.setRate(next)
	slog.Warn("gha cache pacer tightened", "name", p.label, "rate", next)
}

// onClean records a clean (2xx) response, loosening the pacer by
// pacerLoosen once pacerLoosenAt consecutive clean responses accumulate.
// No-op while the pacer is fully open.
func (p *backoffPacer) onClean() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.limiter == nil {
		return
	}

	p.streak++
	if p.streak < pacerLoosenAt {
		return
	}

	p.streak = 0

	next := p.rps * pacerLoosen
	if next > pacerCeiling {
		next = pacerCeiling
	}

	if next != p.rps {
		p.setRate(next)
		slog.Debug("gha cache pacer loosened", "name", p.label, "rate", next)
	}
}

// setRate must be called with mu held; it (re)builds the limiter for rps.
func (p *backoffPacer) setRate(rps float64) {
	p.rps = rps

	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
		return
	}

	p.limiter.SetLimit(rate.Limit(rps))
	p.limiter.SetBurst(int(rps))
}

// clamped reports whether the pacer is currently limiting requests.
func (p *backoffPacer) clamped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.limiter != nil
}

// rate returns the active requests/sec ceiling, or 0 if fully open.
func (p *backoffPacer) rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rps
}
