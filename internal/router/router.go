// Package router is the HTTP surface Nix talks to (spec.md §4.D): the
// narinfo/NAR GET/HEAD/PUT routes, nix-cache-info, and the admin drain
// endpoints. It owns no state of its own beyond the request-handling
// glue — everything else is delegated to internal/pipeline.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/determinate-ci/ghaproxy/internal/narinfo"
	"github.com/determinate-ci/ghaproxy/internal/pipeline"
)

// Nix's base32 alphabet omits 'e', 'o', 't', 'u' relative to RFC4648.
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var (
	sphNarinfoRe = regexp.MustCompile(`^[` + nixBase32Alphabet + `]{32}\.narinfo$`)
	narPathRe    = regexp.MustCompile(`^[` + nixBase32Alphabet + `0-9A-Za-z._-]+$`)
)

// NarinfoMaxBody bounds narinfo PUT bodies (spec.md §4.D: "≤ 1 MiB").
const NarinfoMaxBody = narinfo.MaxBodySize

// EnqueueRequest is the body of POST /api/enqueue-paths (spec.md §6).
type EnqueueRequest struct {
	StorePaths []string `json:"store_paths"`
}

// Enqueuer lets the router hand eager-upload requests to the store
// pusher without importing internal/storebackend directly.
type Enqueuer interface {
	Enqueue(paths []string)
}

// Drainer lets the router trigger a drain from an admin request without
// importing internal/lifecycle directly (which would create an import
// cycle, since lifecycle owns the router).
type Drainer interface {
	RequestDrain()
}

// Router implements http.Handler for the daemon's full HTTP surface.
type Router struct {
	pipeline *pipeline.Pipeline
	enqueuer Enqueuer
	drainer  Drainer
	priority int
	draining atomic.Bool
	mux      *http.ServeMux
}

// New builds a Router. priority is the nix-cache-info Priority value
// (spec.md §9 Open Question; default chosen in internal/config).
func New(p *pipeline.Pipeline, enqueuer Enqueuer, drainer Drainer, priority int) *Router {
	r := &Router{pipeline: p, enqueuer: enqueuer, drainer: drainer, priority: priority}
	r.mux = http.NewServeMux()
	r.routes()

	return r
}

func (r *Router) routes() {
	r.mux.HandleFunc("GET /nix-cache-info", r.handleCacheInfo)
	r.mux.HandleFunc("HEAD /{path...}", r.handleNarinfoHead)
	r.mux.HandleFunc("GET /{path...}", r.handleGet)
	r.mux.HandleFunc("PUT /{path...}", r.handlePut)
	r.mux.HandleFunc("POST /api/enqueue-paths", r.handleEnqueuePaths)
	r.mux.HandleFunc("POST /api/workflow-finish", r.handleWorkflowFinish)
}

// ServeHTTP implements http.Handler. Once draining, any request that
// would start new narinfo/NAR work is rejected with 503; admin endpoints
// remain reachable so a repeated drain request is harmless.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.draining.Load() && !strings.HasPrefix(req.URL.Path, "/api/") {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// SetDraining marks the router as draining, causing subsequent
// non-admin requests to receive 503 (spec.md §4.G).
func (r *Router) SetDraining(draining bool) {
	r.draining.Store(draining)
}

func (r *Router) handleCacheInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	fmt.Fprintf(w, "StoreDir: /nix/store\nWantMassQuery: 1\nPriority: %d\n", r.priority)
}

func (r *Router) handleNarinfoHead(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/")
	if !sphNarinfoRe.MatchString(path) {
		http.NotFound(w, req)
		return
	}

	sph := strings.TrimSuffix(path, ".narinfo")

	if _, err := r.pipeline.Narinfo(req.Context(), sph); err != nil {
		http.NotFound(w, req)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/")

	switch {
	case path == "":
		http.NotFound(w, req)
	case strings.HasPrefix(path, "nar/"):
		r.handleNarGet(w, req, path)
	case sphNarinfoRe.MatchString(path):
		r.handleNarinfoGet(w, req, path)
	default:
		http.NotFound(w, req)
	}
}

func (r *Router) handleNarinfoGet(w http.ResponseWriter, req *http.Request, path string) {
	sph := strings.TrimSuffix(path, ".narinfo")

	body, err := r.pipeline.Narinfo(req.Context(), sph)
	if err != nil {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (r *Router) handleNarGet(w http.ResponseWriter, req *http.Request, path string) {
	rest := strings.TrimPrefix(path, "nar/")
	if !narPathRe.MatchString(rest) {
		http.NotFound(w, req)
		return
	}

	body, err := r.pipeline.Nar(req.Context(), path)
	if err != nil {
		http.NotFound(w, req)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		slog.Debug("streaming nar body failed", "path", path, "error", err)
	}
}

func (r *Router) handlePut(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/")

	switch {
	case sphNarinfoRe.MatchString(path):
		r.handleNarinfoPut(w, req, path)
	case strings.HasPrefix(path, "nar/") && narPathRe.MatchString(strings.TrimPrefix(path, "nar/")):
		r.handleNarPut(w, req, path)
	default:
		http.NotFound(w, req)
	}
}

func (r *Router) handleNarinfoPut(w http.ResponseWriter, req *http.Request, _ string) {
	if req.ContentLength > NarinfoMaxBody {
		http.Error(w, "narinfo too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, NarinfoMaxBody+1))
	if err != nil {
		http.Error(w, "reading body", http.StatusInternalServerError)
		return
	}

	if len(body) > NarinfoMaxBody {
		http.Error(w, "narinfo too large", http.StatusRequestEntityTooLarge)
		return
	}

	if _, err := r.pipeline.PutNarinfo(req.Context(), body); err != nil {
		if errors.Is(err, narinfo.ErrInvalid) {
			http.Error(w, "malformed narinfo", http.StatusBadRequest)
			return
		}

		http.Error(w, "upload failed", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleNarPut(w http.ResponseWriter, req *http.Request, path string) {
	var sizeHint *int64
	if req.ContentLength >= 0 {
		v := req.ContentLength
		sizeHint = &v
	}

	if err := r.pipeline.PutNar(req.Context(), path, sizeHint, req.Body); err != nil {
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleEnqueuePaths(w http.ResponseWriter, req *http.Request) {
	var body EnqueueRequest
	if err := decodeJSONBody(req, &body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if r.enqueuer != nil {
		r.enqueuer.Enqueue(body.StorePaths)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handleWorkflowFinish(w http.ResponseWriter, _ *http.Request) {
	if r.drainer != nil {
		r.drainer.RequestDrain()
	}

	w.WriteHeader(http.StatusAccepted)
}

func decodeJSONBody(req *http.Request, v any) error {
	defer req.Body.Close()

	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}

	return nil
}
