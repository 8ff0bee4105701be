package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/fallback"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/logging"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/session"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

var errAuthRequired = errors.New("remote store rejected the credentials; renew REMOTE_ACCESS_TOKEN")

// app is the wiring shared by every command that touches the ledger.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	cache    *fallback.Cache
	remote   remote.BlobStore
	notifier *session.Notifier
	tokens   *swappableTokens
	store    *ledger.Store
	orch     *syncer.Orchestrator
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, logging.NewLogger(cfg.Environment, cfg.LogLevel), nil
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		state:    st,
		cache:    fallback.New(st, logger.With(slog.String("component", "fallback"))),
		notifier: session.NewNotifier(),
		tokens:   newSwappableTokens(cfg.RemoteAccessToken),
		store:    ledger.New(),
	}
	a.remote = newRemote(cfg, a.tokens, a.notifier, logger.With(slog.String("component", "remote")))
	a.orch = syncer.New(syncer.Config{
		Store:    a.store,
		Remote:   a.remote,
		Fallback: a.cache,
		Meta:     st,
		Debounce: cfg.SyncDebounce,
		RetryMin: cfg.SyncRetryMin,
		RetryMax: cfg.SyncRetryMax,
	}, logger.With(slog.String("component", "syncer")))

	return a, nil
}

func newRemote(cfg *config.Config, tokens oauth2.TokenSource, n *session.Notifier, logger *slog.Logger) remote.BlobStore {
	if cfg.RemoteKind == config.RemoteDir {
		return remote.NewDirStore(cfg.RemoteDir, cfg.RemoteFileName, n, logger)
	}

	return remote.NewClient(remote.ClientConfig{
		BaseURL:  cfg.RemoteBaseURL,
		FileName: cfg.RemoteFileName,
		Tokens:   tokens,
		Notifier: n,
	}, logger)
}

func (a *app) Close() {
	a.notifier.Close()

	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// withLedger loads the ledger, runs fn against it and pushes any changes
// before returning. Commands that mutate the ledger refuse to run while
// the remote rejects the credentials, since nothing could be pushed.
func (a *app) withLedger(ctx context.Context, mutates bool, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.orch.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.orch.Begin(a.cfg.UserID)

	err := func() error {
		if err := a.orch.WaitReady(ctx); err != nil {
			return fmt.Errorf("loading ledger: %w", err)
		}

		if mutates && a.orch.State().AuthError {
			return errAuthRequired
		}

		if err := fn(ctx); err != nil {
			return err
		}

		if !mutates {
			return nil
		}

		if err := a.orch.Flush(ctx); err != nil {
			return fmt.Errorf("pushing changes: %w", err)
		}

		return nil
	}()

	cancel()

	if gerr := g.Wait(); err == nil {
		err = gerr
	}

	return err
}
