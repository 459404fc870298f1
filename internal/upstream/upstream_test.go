package upstream_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/determinate-ci/ghaproxy/internal/upstream"
)

func TestHeadHit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("StorePath: /nix/store/abc-hello\n"))
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)

	body, err := c.Head(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}

	if string(body) != "StorePath: /nix/store/abc-hello\n" {
		t.Errorf("Head() = %q", body)
	}
}

func TestHeadAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)

	_, err := c.Head(context.Background(), "missing")
	if !errors.Is(err, upstream.ErrAbsent) {
		t.Fatalf("Head() error = %v, want ErrAbsent", err)
	}
}

func TestUnconfiguredIsAbsent(t *testing.T) {
	t.Parallel()

	c := upstream.New("")

	if c.Configured() {
		t.Fatal("Configured() = true for empty base URL")
	}

	if _, err := c.Head(context.Background(), "anything"); !errors.Is(err, upstream.ErrAbsent) {
		t.Fatalf("Head() error = %v, want ErrAbsent", err)
	}
}

func TestGetRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_, _ = w.Write([]byte("nar bytes"))
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)

	body, err := c.Get(context.Background(), "nar/deadbeef.nar.xz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if string(data) != "nar bytes" {
		t.Errorf("Get() body = %q", data)
	}
}

func TestGetExhaustsRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := upstream.New(srv.URL)

	_, err := c.Get(context.Background(), "nar/never.nar.xz")
	if err == nil {
		t.Fatal("Get() error = nil, want exhausted-retries error")
	}
}
