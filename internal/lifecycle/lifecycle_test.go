package lifecycle_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/determinate-ci/ghaproxy/internal/lifecycle"
)

type fakeRouter struct {
	draining atomic.Bool
}

func (f *fakeRouter) SetDraining(v bool) { f.draining.Store(v) }

func TestRunDrainsOnRequestDrainAndRunsPush(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	d := lifecycle.New("127.0.0.1:0", http.NewServeMux(), router, 2*time.Second)

	var pushed atomic.Bool

	push := func(ctx context.Context) error {
		pushed.Store(true)
		return nil
	}

	done := make(chan lifecycle.ExitCode, 1)

	go func() {
		done <- d.Run(context.Background(), push, nil)
	}()

	time.Sleep(20 * time.Millisecond)

	if got := d.State(); got != lifecycle.Serving {
		t.Fatalf("state before drain = %v, want Serving", got)
	}

	d.RequestDrain()

	select {
	case code := <-done:
		if code != lifecycle.ExitOK {
			t.Errorf("exit code = %v, want ExitOK", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after RequestDrain")
	}

	if !router.draining.Load() {
		t.Error("router was never told to drain")
	}

	if !pushed.Load() {
		t.Error("push callback was never invoked")
	}

	if got := d.State(); got != lifecycle.Stopped {
		t.Errorf("final state = %v, want Stopped", got)
	}
}

func TestRunReturnsDrainFailedOnPushError(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	d := lifecycle.New("127.0.0.1:0", http.NewServeMux(), router, 2*time.Second)

	push := func(ctx context.Context) error {
		return errors.New("simulated push failure")
	}

	done := make(chan lifecycle.ExitCode, 1)

	go func() {
		done <- d.Run(context.Background(), push, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	d.RequestDrain()

	select {
	case code := <-done:
		if code != lifecycle.ExitDrainFailed {
			t.Errorf("exit code = %v, want ExitDrainFailed", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	t.Parallel()

	d := lifecycle.New("not-a-valid-address", http.NewServeMux(), nil, time.Second)
	if code := d.Run(context.Background(), nil, nil); code != lifecycle.ExitBindFailed {
		t.Errorf("exit code = %v, want ExitBindFailed", code)
	}
}

func TestNotifySocketNoopWithoutEnv(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	notify := lifecycle.NotifySocket()
	notify() // must not panic or block
}

func TestParsePID(t *testing.T) {
	t.Parallel()

	if _, err := lifecycle.ParsePID("not-a-pid"); err == nil {
		t.Error("ParsePID() error = nil, want error for non-numeric input")
	}

	pid, err := lifecycle.ParsePID("1234")
	if err != nil || pid != 1234 {
		t.Errorf("ParsePID(\"1234\") = (%d, %v), want (1234, nil)", pid, err)
	}
}
