package ghacache_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/determinate-ci/ghaproxy/internal/ghacache"
	"github.com/determinate-ci/ghaproxy/internal/telemetry"
)

func TestDeriveVersionStable(t *testing.T) {
	t.Parallel()

	a := ghacache.DeriveVersion("salt-one")
	b := ghacache.DeriveVersion("salt-one")
	c := ghacache.DeriveVersion("salt-two")

	if a != b {
		t.Errorf("DeriveVersion not stable: %q != %q", a, b)
	}

	if a == c {
		t.Error("DeriveVersion did not change with a different salt")
	}

	if len(a) != 64 {
		t.Errorf("DeriveVersion length = %d, want 64 (hex sha256)", len(a))
	}
}

func newTestClient(t *testing.T, cacheURL, runtimeURL string) *ghacache.Client {
	t.Helper()

	return newTestClientWithCounters(t, cacheURL, runtimeURL, nil)
}

func newTestClientWithCounters(t *testing.T, cacheURL, runtimeURL string, counters telemetry.Counters) *ghacache.Client {
	t.Helper()

	c, err := ghacache.New(ghacache.Config{
		CacheURL:      cacheURL,
		RuntimeURL:    runtimeURL,
		Token:         "test-token",
		NamespaceSalt: "salt",
		ChunkSize:     8 * 1024 * 1024,
		Counters:      counters,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return c
}

func TestLookupAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	_, err := c.Lookup(context.Background(), "some.narinfo")
	if !errors.Is(err, ghacache.ErrAbsent) {
		t.Fatalf("Lookup() error = %v, want ErrAbsent", err)
	}
}

func TestLookupUnauthenticated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	_, err := c.Lookup(context.Background(), "some.narinfo")
	if !errors.Is(err, ghacache.ErrUnauthenticated) {
		t.Fatalf("Lookup() error = %v, want ErrUnauthenticated", err)
	}
}

func TestLookupHit(t *testing.T) {
	t.Parallel()

	var blob = []byte("narinfo body")

	blobSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(blob)
	}))
	defer blobSrv.Close()

	runtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"archiveLocation": blobSrv.URL})
	}))
	defer runtimeSrv.Close()

	c := newTestClient(t, runtimeSrv.URL, runtimeSrv.URL)

	body, size, err := c.LookupAndDownload(context.Background(), "some.narinfo")
	if err != nil {
		t.Fatalf("LookupAndDownload() error = %v", err)
	}
	defer body.Close()

	if size != int64(len(blob)) {
		t.Errorf("size = %d, want %d", size, len(blob))
	}

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if string(got) != string(blob) {
		t.Errorf("body = %q, want %q", got, blob)
	}
}

func TestLookupRetriesOnThrottle(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	counters := telemetry.NewMemory()
	c := newTestClientWithCounters(t, srv.URL, srv.URL, counters)

	_, err := c.Lookup(context.Background(), "some.narinfo")
	if !errors.Is(err, ghacache.ErrAbsent) {
		t.Fatalf("Lookup() error = %v, want ErrAbsent after retries", err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	// Two throttled responses precede the third, successful attempt:
	// spec.md §8 S4 requires a throttled-then-successful lookup to
	// "report N retries in telemetry".
	if got := counters.Snapshot()[telemetry.GHARetryAttempted]; got != 2 {
		t.Errorf("gha_retry_attempted = %d, want 2", got)
	}
}

func TestUploadReserveUploadCommit(t *testing.T) {
	t.Parallel()

	var (
		patched   []byte
		patchMu   sync.Mutex
		committed int64
	)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_apis/artifactcache/caches", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"cacheId": 42})
	})
	mux.HandleFunc("PATCH /_apis/artifactcache/caches/42", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)

		patchMu.Lock()
		patched = append(patched, data...)
		patchMu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /_apis/artifactcache/caches/42", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Size int64 `json:"size"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		committed = req.Size
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	payload := make([]byte, 20*1024*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := c.Upload(context.Background(), "nar/deadbeef.nar.xz", nil, 2, ioReaderOf(payload)); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if committed != int64(len(payload)) {
		t.Errorf("committed size = %d, want %d", committed, len(payload))
	}

	if len(patched) != len(payload) {
		t.Errorf("total patched bytes = %d, want %d", len(patched), len(payload))
	}
}

func TestUploadReserveConflictIsIdempotent(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_apis/artifactcache/caches", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	if err := c.Upload(context.Background(), "nar/already-there.nar.xz", nil, 1, ioReaderOf([]byte("x"))); err != nil {
		t.Fatalf("Upload() error = %v, want nil on conflict", err)
	}
}

func TestUploadFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_apis/artifactcache/caches", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"cacheId": 7})
	})
	mux.HandleFunc("PATCH /_apis/artifactcache/caches/7", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, srv.URL)

	err := c.Upload(context.Background(), "nar/bad.nar.xz", nil, 1, ioReaderOf([]byte("payload")))
	if !errors.Is(err, ghacache.ErrUploadFailed) {
		t.Fatalf("Upload() error = %v, want ErrUploadFailed", err)
	}
}

func ioReaderOf(b []byte) io.Reader {
	return &staticReader{data: b}
}

type staticReader struct {
	data []byte
	pos  int
}

func (r *staticReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	n := copy(p, r.data[r.pos:])
	r.pos += n

	return n, nil
}
