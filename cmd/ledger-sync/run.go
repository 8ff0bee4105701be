package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/importer"
	"github.com/alexjbarnes/ledger-sync/internal/inbox"
	"github.com/alexjbarnes/ledger-sync/internal/mcpserver"
	"github.com/alexjbarnes/ledger-sync/internal/server"
	"github.com/google/subcommands"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

const shutdownFlushTimeout = 10 * time.Second

type runCmd struct{}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the sync daemon" }
func (*runCmd) Usage() string {
	return `run

  Loads the ledger, keeps the remote copy up to date, imports statements
  dropped into INBOX_DIR and, with ENABLE_MCP, serves the MCP endpoint.
  Send SIGHUP after renewing REMOTE_ACCESS_TOKEN.
`
}

func (*runCmd) SetFlags(*flag.FlagSet) {}

func (*runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}

	a, err := openApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := a.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// run drives the daemon until ctx is cancelled. The orchestrator outlives
// ctx long enough to push unsynced changes on shutdown.
func (a *app) run(ctx context.Context) error {
	a.logger.Info("ledger-sync starting",
		slog.String("version", Version),
		slog.String("remote", a.cfg.RemoteKind),
		slog.String("inbox", a.cfg.InboxDir),
		slog.Bool("mcp", a.cfg.EnableMCP),
	)

	orchCtx, stopOrch := context.WithCancel(context.WithoutCancel(ctx))
	orchDone := make(chan struct{})

	go func() {
		defer close(orchDone)
		_ = a.orch.Run(orchCtx)
	}()

	defer func() {
		stopOrch()
		<-orchDone
	}()

	a.orch.Begin(a.cfg.UserID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.watchReauth(gctx)
		return nil
	})

	g.Go(func() error {
		a.handleHangup(gctx)
		return nil
	})

	g.Go(func() error {
		if err := a.orch.WaitReady(gctx); err != nil {
			return fmt.Errorf("loading ledger: %w", err)
		}

		st := a.orch.State()
		a.logger.Info("ledger ready",
			slog.String("source", string(st.Source)),
			slog.String("key_fingerprint", st.KeyFingerprint),
			slog.Int("accounts", len(a.store.Accounts())),
		)

		if a.cfg.InboxDir == "" {
			return nil
		}

		return a.runInbox(gctx)
	})

	if a.cfg.EnableMCP {
		g.Go(func() error {
			return a.runMCP(gctx)
		})
	}

	err := g.Wait()

	a.flushOnShutdown()

	return err
}

func (a *app) flushOnShutdown() {
	st := a.orch.State()
	if !st.Initialized || !st.Dirty || st.AuthError {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	a.logger.Info("pushing pending changes before exit")

	if err := a.orch.Flush(ctx); err != nil {
		a.logger.Warn("final push failed, changes kept in local cache", slog.String("error", err.Error()))
	}
}

// watchReauth logs remote credential rejections until ctx is done.
func (a *app) watchReauth(ctx context.Context) {
	events, cancel := a.notifier.Subscribe()
	defer cancel()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.logger.Warn("remote store rejected credentials; renew REMOTE_ACCESS_TOKEN and send SIGHUP",
				slog.String("op", ev.Op),
				slog.Int("status", ev.Status),
			)
		case <-ctx.Done():
			return
		}
	}
}

// handleHangup reloads the access token on SIGHUP and tells the
// orchestrator credentials were renewed.
func (a *app) handleHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if token := config.ReloadAccessToken(); token != "" {
				a.tokens.Set(token)
			}
			a.logger.Info("credentials renewed")
			a.orch.Reauthenticated()
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) runInbox(ctx context.Context) error {
	var profile importer.Profile

	if a.cfg.ImportProfile != "" {
		p, err := importer.LoadProfile(a.cfg.ImportProfile)
		if err != nil {
			return err
		}
		profile = p
	}

	logger := a.logger.With(slog.String("service", "inbox"))
	w := inbox.New(inbox.Config{
		Dir:            a.cfg.InboxDir,
		DefaultAccount: a.cfg.ImportAccount,
		Profile:        profile,
		OnImport: func(r inbox.Result) {
			logger.Info("statement imported",
				slog.String("file", r.File),
				slog.Int("inserted", r.Applied.Inserted),
				slog.Int("review", r.Applied.Queued),
				slog.Int("duplicates", r.Applied.Skipped),
			)
		},
	}, a.store, logger)

	return w.Watch(ctx)
}

// runMCP starts the MCP HTTP server.
func (a *app) runMCP(ctx context.Context) error {
	keys, err := a.cfg.KeyStore()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "ledger-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.store, a.orch)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr:         a.cfg.MCPListenAddr,
		Handler:      server.NewMux(server.MuxConfig{Keys: keys, MCPHandler: mcpHandler, Logger: mcpLogger}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
