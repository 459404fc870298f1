// Command ghacached is the GHA-cache-backed Nix substituter daemon
// (spec.md §1). It wires internal/config into internal/lifecycle, which
// in turn owns the router (D), pipeline (E), and store pusher (F) for the
// duration of one CI job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/determinate-ci/ghaproxy/internal/config"
	"github.com/determinate-ci/ghaproxy/internal/ghacache"
	"github.com/determinate-ci/ghaproxy/internal/lifecycle"
	"github.com/determinate-ci/ghaproxy/internal/negcache"
	"github.com/determinate-ci/ghaproxy/internal/pipeline"
	"github.com/determinate-ci/ghaproxy/internal/router"
	"github.com/determinate-ci/ghaproxy/internal/storebackend"
	"github.com/determinate-ci/ghaproxy/internal/telemetry"
	"github.com/determinate-ci/ghaproxy/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(int(lifecycle.ExitBadConfig))
	}
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run() error {
	var (
		listenAddr     = flag.String("listen-addr", "127.0.0.1:0", "address to bind the substituter HTTP server on")
		upstreamURL    = flag.String("upstream-url", "", "public substituter to fall back to (e.g. https://cache.nixos.org)")
		credsFile      = flag.String("gha-credentials-file", "", "path to a JSON file with ACTIONS_CACHE_URL/ACTIONS_RUNTIME_URL/ACTIONS_RUNTIME_TOKEN")
		namespaceSalt  = flag.String("namespace-salt", "", "salt mixed into the GHA cache version string (spec.md §3)")
		signingKeyPath = flag.String("signing-key-path", "", "path to an ed25519 Nix signing key (\"name:base64seed\")")
		nixConfPath    = flag.String("nix-conf-fragment-path", "", "where to write the substituter/trusted-public-keys nix.conf fragment")
		priority       = flag.Int("priority", config.DefaultPriority, "nix-cache-info Priority value")
		uploadConc     = flag.Int("upload-concurrency", config.DefaultUploadConcurrency, "bounded concurrency for chunked uploads and store pushes")
		drainTimeout   = flag.Duration("drain-timeout", config.DefaultDrainTimeout, "deadline for in-flight reads and the shutdown store push")
		debug          = flag.Bool("debug", false, "enable debug logging")
	)

	flag.Parse()

	setupLogger(*debug)

	cfg := &config.Config{
		ListenAddr:          *listenAddr,
		UpstreamURL:         *upstreamURL,
		NixConfFragmentPath: *nixConfPath,
		NamespaceSalt:       *namespaceSalt,
		SigningKeyPath:      *signingKeyPath,
		Priority:            *priority,
		UploadConcurrency:   *uploadConc,
		DrainTimeout:        *drainTimeout,
	}

	if *credsFile != "" {
		if err := config.LoadGHACredentials(cfg, *credsFile); err != nil {
			return err
		}
	}

	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return err
	}

	counters := telemetry.NewMemory()

	gha, err := ghacache.New(ghacache.Config{
		CacheURL:      cfg.GHACacheURL,
		RuntimeURL:    cfg.GHARuntimeURL,
		Token:         cfg.GHAToken,
		NamespaceSalt: cfg.NamespaceSalt,
		ChunkSize:     cfg.ChunkSize,
		Counters:      counters,
	})
	if err != nil {
		return fmt.Errorf("constructing gha cache client: %w", err)
	}

	up := upstream.New(cfg.UpstreamURL)
	neg := negcache.New(cfg.NegativeCacheSize, counters)

	pl := pipeline.New(gha, up, neg, counters, cfg.UploadConcurrency, cfg.UploadConcurrency)

	ctx := context.Background()

	backend, err := storebackend.NewNixBackend(ctx, cfg.SigningKeyPath, nil)
	if err != nil {
		return fmt.Errorf("constructing store backend: %w", err)
	}

	pusher := storebackend.NewPusher(backend, pl, counters, cfg.UploadConcurrency)
	if err := pusher.Snapshot(ctx); err != nil {
		return fmt.Errorf("initial store snapshot: %w", err)
	}

	// Daemon and Router each need the other (Router needs Daemon as its
	// Enqueuer/Drainer; Daemon needs Router as its handler and Drainable),
	// so construction happens in two steps via Attach.
	d := lifecycle.New(cfg.ListenAddr, nil, nil, cfg.DrainTimeout)

	// Bind before writing the nix.conf fragment: spec.md §4.G's startup
	// order is "bind socket, write Nix config fragment... then serving",
	// so an ephemeral ":0" listen address resolves to its real port before
	// anything advertises it.
	ln, err := d.Bind()
	if err != nil {
		slog.Error("bind failed", "addr", cfg.ListenAddr, "error", err)
		os.Exit(int(lifecycle.ExitBindFailed))
	}

	boundAddr, err := boundListenAddr(cfg.ListenAddr, ln)
	if err != nil {
		return err
	}

	if cfg.NixConfFragmentPath != "" {
		daemonPubKey, _ := backend.PublicKey()

		err := config.WriteNixConfFragment(cfg.NixConfFragmentPath, boundAddr, cfg.UpstreamURL, daemonPubKey, joinKeys(cfg.UpstreamPublicKeys))
		if err != nil {
			return fmt.Errorf("writing nix.conf fragment: %w", err)
		}
	}

	r := router.New(pl, d, d, cfg.Priority)
	d.Attach(r, r)
	d.SetMirrorDrain(pl.Drain)

	exitCode := d.Run(ctx, func(pushCtx context.Context) error {
		result, err := pusher.Push(pushCtx)
		if err != nil {
			return err
		}

		slog.Info("store push complete", "pushed", len(result.Pushed), "skipped", len(result.Skipped), "failed", len(result.Failed))
		slog.Info("telemetry summary", "counters", counters.Snapshot())

		return nil
	}, lifecycle.NotifySocket())

	if exitCode != lifecycle.ExitOK {
		os.Exit(int(exitCode))
	}

	return nil
}

// boundListenAddr reports the address the daemon actually bound, carrying
// over the configured host but substituting ln's real port — needed when
// listenAddr asks for an ephemeral ":0" port.
func boundListenAddr(listenAddr string, ln net.Listener) (string, error) {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", listenAddr, err)
	}

	port, err := lifecycle.ListenerPort(ln)
	if err != nil {
		return "", fmt.Errorf("determining bound port: %w", err)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func joinKeys(keys []string) string {
	if len(keys) == 0 {
		return ""
	}

	out := keys[0]
	for _, k := range keys[1:] {
		out += " " + k
	}

	return out
}
