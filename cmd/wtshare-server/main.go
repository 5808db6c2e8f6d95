package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wtshare/internal/authsvc"
	"wtshare/internal/httpapi"
	"wtshare/internal/locks"
	"wtshare/internal/pty"
	"wtshare/internal/share"
	"wtshare/internal/tunnel"
	"wtshare/internal/workerutil"
	"wtshare/internal/workspace"
	"wtshare/internal/worktree"
	"wtshare/internal/wsserver"
)

// authRateLimit and authRateWindow implement the per-IP sliding window spec.md
// §4.2 requires in front of /api/auth: 5 attempts per 60s.
const (
	authRateLimit  = 5
	authRateWindow = time.Minute
)

// tunnelStartupGrace bounds how long the reverse tunnel gets to establish its
// first connection; if it is still disconnected after that, the tunnel and
// the LAN share are torn down and the process shuts down.
const tunnelStartupGrace = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var (
		workspacePath = flag.String("workspace", "", "workspace root to share (required)")
		port          = flag.Int("port", 7777, "LAN HTTP port; HTTPS listens on port+1")
		password      = flag.String("password", "", "share password (required)")
		staticDir     = flag.String("static-dir", "dist", "directory of bundled frontend assets")
	)
	flag.Parse()

	if *workspacePath == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "wtshare-server: -workspace and -password are required")
		os.Exit(1)
	}

	globalPath, err := workspace.GlobalPath()
	if err != nil {
		slog.Error("resolve global config path", "error", err)
		os.Exit(1)
	}
	store, err := workspace.NewStore(globalPath, true)
	if err != nil {
		slog.Error("open workspace store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ptyMgr := pty.NewManager()
	lockTable := locks.NewTable()
	worktrees := worktree.NewManager()
	hub := wsserver.NewHub(ptyMgr, lockTable)
	sessions := authsvc.NewSessionSet()
	limiter := authsvc.NewRateLimiter(authRateLimit, authRateWindow)

	api := httpapi.NewServer(httpapi.Deps{
		PTY:       ptyMgr,
		Locks:     lockTable,
		Worktrees: worktrees,
		Store:     store,
		WS:        hub,
		Sessions:  sessions,
		Limiter:   limiter,
		StaticDir: *staticDir,
	})

	controller := share.New(api)

	url, err := controller.StartSharing(*workspacePath, *port, *password)
	if err != nil {
		slog.Error("start sharing failed at process start", "error", err)
		os.Exit(1)
	}
	slog.Info("sharing started", "url", url, "workspace", *workspacePath, "port", *port)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	client, rollback := startTunnelIfConfigured(ctx, &wg, store, controller, *port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		slog.Info("shutdown started")
	case <-rollback:
		slog.Info("shutdown started", "reason", "tunnel startup rollback")
	}

	cancel()
	if client != nil {
		client.Shutdown()
	}
	if err := controller.StopSharing(); err != nil {
		slog.Warn("stop sharing failed during shutdown", "error", err)
	}
	wg.Wait()
}

// startTunnelIfConfigured reads persisted rendezvous credentials from the
// global config and, if present, launches the reverse tunnel client as a
// background worker supervised by workerutil, which restarts it after a
// panic (up to its default retry limit) but not after Run returns. Returns nil
// client and a nil-forever rollback channel if no tunnel server URL is
// configured.
//
// If the tunnel fails to establish a connection within tunnelStartupGrace,
// the LAN server that was started alongside it is torn down as a unit: the
// rollback channel is closed, which wakes main's shutdown select so the
// process exits the same way it would on SIGTERM, after first calling
// controller.StopSharing() here so no partial share state survives even if
// the process is killed before main's own shutdown path runs.
func startTunnelIfConfigured(ctx context.Context, wg *sync.WaitGroup, store *workspace.Store, controller *share.Controller, localPort int) (*tunnel.Client, <-chan struct{}) {
	rollback := make(chan struct{})

	cfg, err := store.LoadGlobal()
	if err != nil {
		slog.Warn("load global config for tunnel credentials", "error", err)
		return nil, rollback
	}
	if cfg.Tunnel.ServerURL == "" {
		return nil, rollback
	}

	client := tunnel.New(tunnel.Config{
		ServerURL: cfg.Tunnel.ServerURL,
		LocalPort: localPort,
		Token:     cfg.Tunnel.Token,
		Subdomain: cfg.Tunnel.Subdomain,
	})

	workerutil.RunWithPanicRecovery(ctx, "tunnel-client", wg, func(ctx context.Context) {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("tunnel client exited", "error", err)
		}
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool { return ctx.Err() != nil },
	})

	go func() {
		select {
		case <-time.After(tunnelStartupGrace):
			if client.Connected() {
				return
			}
			slog.Error("tunnel did not establish a connection within grace period, rolling back LAN server",
				"grace", tunnelStartupGrace, "serverUrl", cfg.Tunnel.ServerURL)
			client.Shutdown()
			if err := controller.StopSharing(); err != nil {
				slog.Warn("stop sharing during tunnel startup rollback failed", "error", err)
			}
			close(rollback)
		case <-ctx.Done():
		}
	}()

	return client, rollback
}
