// Package lifecycle is component G: the starting/serving/draining/stopped
// state machine that owns the HTTP listener, wires SIGINT/SIGTERM and the
// admin drain endpoints into a single shutdown path, and runs the store
// pusher (component F) to completion before exit (spec.md §4.G).
//
// Grounded on the teacher's cmd/niks3/main.go signal.NotifyContext wiring
// and client/socket.go's systemd-socket-activation pattern, reused here
// for the optional startup notification socket.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// State is one of the four lifecycle states spec.md §4.G names.
type State int

const (
	Starting State = iota
	Serving
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Drainable is implemented by internal/router.Router: it stops accepting
// new narinfo/NAR work once told to drain.
type Drainable interface {
	SetDraining(bool)
}

// ExitCode maps a daemon outcome to the process exit codes spec.md §7
// assigns: 0 success, 1 drain/push failure, 2 bad config, 3 bind failure.
type ExitCode int

const (
	ExitOK          ExitCode = 0
	ExitDrainFailed ExitCode = 1
	ExitBadConfig   ExitCode = 2
	ExitBindFailed  ExitCode = 3
)

// Daemon coordinates the lifecycle state machine around an http.Server.
type Daemon struct {
	server       *http.Server
	router       Drainable
	drainTimeout time.Duration
	mirrorDrain  func(context.Context)

	mu       sync.Mutex
	state    State
	listener net.Listener

	drainOnce sync.Once
	drainCh   chan struct{}
}

// New constructs a Daemon bound to addr, serving handler, with the given
// drain deadline (spec.md §4.G "default 30s").
func New(addr string, handler http.Handler, router Drainable, drainTimeout time.Duration) *Daemon {
	return &Daemon{
		server:       &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		router:       router,
		drainTimeout: drainTimeout,
		state:        Starting,
		drainCh:      make(chan struct{}),
	}
}

// Attach binds the HTTP handler and the drain target after construction,
// breaking the construction cycle between Daemon (which the router needs
// as its Enqueuer/Drainer) and the router (which Daemon needs as its
// handler and Drainable). Call it once, before Run.
func (d *Daemon) Attach(handler http.Handler, router Drainable) {
	d.server.Handler = handler
	d.router = router
}

// SetMirrorDrain registers fn to be called with the shutdown context
// during drain, after the HTTP server stops accepting new requests and
// before the store push runs. It gives background work the router
// doesn't wait on synchronously (component E's background upstream
// mirrors) a chance to finish or be cancelled instead of
// leaking past the daemon reporting itself stopped (spec.md §5).
func (d *Daemon) SetMirrorDrain(fn func(context.Context)) {
	d.mirrorDrain = fn
}

// State returns the daemon's current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()

	slog.Info("lifecycle state changed", "state", s.String())
}

// RequestDrain implements internal/router.Drainer: an admin request
// (POST /api/workflow-finish) or a signal triggers the same drain path.
func (d *Daemon) RequestDrain() {
	d.drainOnce.Do(func() { close(d.drainCh) })
}

// Enqueue implements internal/router.Enqueuer. The default daemon has no
// eager-upload queue of its own (spec.md §4.F pushes the full new-path
// diff at shutdown regardless), so requests are acknowledged and ignored;
// an embedder wanting eager pushes can pass a custom Enqueuer instead of
// the lifecycle package's own no-op to the router constructor.
func (d *Daemon) Enqueue(_ []string) {}

// Bind opens the TCP listener without serving yet, so a caller can learn
// the real bound address (an ephemeral ":0" port resolves here) before
// anything that needs to advertise it — spec.md §4.G's startup order is
// "bind socket, write Nix config fragment... then serving", which
// requires the real port be known ahead of Run. Run reuses this listener
// if Bind was already called, or binds lazily itself otherwise.
func (d *Daemon) Bind() (net.Listener, error) {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: bind %s: %w", d.server.Addr, err)
	}

	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	return ln, nil
}

// Run serves until a drain is requested (by signal or admin endpoint),
// drains in-flight reads, runs push, then returns the process exit code
// spec.md §7 defines. notify, if non-nil, is called once the listener is
// bound and the daemon has entered Serving (NotifySocket builds one).
func (d *Daemon) Run(ctx context.Context, push func(context.Context) error, notify func()) ExitCode {
	d.mu.Lock()
	ln := d.listener
	d.mu.Unlock()

	if ln == nil {
		var err error

		ln, err = d.Bind()
		if err != nil {
			slog.Error("bind failed", "addr", d.server.Addr, "error", err)
			return ExitBindFailed
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.setState(Serving)

	if notify != nil {
		notify()
	}

	serveErrCh := make(chan error, 1)

	go func() {
		serveErrCh <- d.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case <-d.drainCh:
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server exited unexpectedly", "error", err)
		}
	}

	return d.drain(push)
}

func (d *Daemon) drain(push func(context.Context) error) ExitCode {
	d.setState(Draining)

	if d.router != nil {
		d.router.SetDraining(true)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown did not complete within deadline", "error", err)
	}

	if d.mirrorDrain != nil {
		d.mirrorDrain(shutdownCtx)
	}

	pushCtx, pushCancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer pushCancel()

	exitCode := ExitOK

	if push != nil {
		if err := push(pushCtx); err != nil {
			slog.Error("store push failed during drain", "error", err)
			exitCode = ExitDrainFailed
		}
	}

	d.setState(Stopped)
	slog.Info("daemon stopped", "exit_code", int(exitCode))

	return exitCode
}

// ListenerPort returns the TCP port a ":0" ephemeral listen address bound
// to; cmd/ghacached uses it to write the real port into the nix.conf
// fragment. The startup notification does not carry the port.
func ListenerPort(ln net.Listener) (int, error) {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("lifecycle: listener address is not TCP: %v", ln.Addr())
	}

	return addr.Port, nil
}

// NotifySocket signals readiness over a unix datagram socket the same way
// client/socket.go's systemd-activation-aware GetSocket does, but as a
// one-shot notifier rather than a long-lived receiver: it writes a single
// "READY=1" datagram to the socket the NOTIFY_SOCKET env var names, if any,
// mirroring systemd's sd_notify protocol.
func NotifySocket() func() {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return func() {}
	}

	return func() {
		conn, err := net.Dial("unixgram", addr)
		if err != nil {
			slog.Debug("notify socket dial failed", "addr", addr, "error", err)
			return
		}
		defer conn.Close()

		if _, err := conn.Write([]byte("READY=1")); err != nil {
			slog.Debug("notify socket write failed", "addr", addr, "error", err)
		}
	}
}

// ParsePID is a small helper used by tests to confirm the daemon's own
// pid matches LISTEN_PID-style activation env vars, mirroring the check
// client/socket.go performs before trusting fd 3.
func ParsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing pid %q: %w", s, err)
	}

	return pid, nil
}
