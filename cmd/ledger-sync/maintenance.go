package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/google/subcommands"
)

const resetTimeout = time.Minute

// --- reset-remote ---

type resetRemoteCmd struct {
	yes bool
}

func (*resetRemoteCmd) Name() string     { return "reset-remote" }
func (*resetRemoteCmd) Synopsis() string { return "delete the remote ledger and the local cache" }
func (*resetRemoteCmd) Usage() string {
	return `reset-remote -yes

  Deletes the encrypted ledger from the remote store and clears the local
  fallback cache and sync metadata. Other devices start empty on their
  next load. This cannot be undone.
`
}

func (c *resetRemoteCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "Confirm the deletion")
}

func (c *resetRemoteCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		fmt.Fprintln(os.Stderr, "Error: reset-remote deletes the remote ledger; pass -yes to confirm.")
		return subcommands.ExitUsageError
	}

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

	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	if err := a.resetRemote(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("remote ledger and local cache cleared")

	return subcommands.ExitSuccess
}

func (a *app) resetRemote(ctx context.Context) error {
	h, err := a.remote.Find(ctx)
	if err != nil {
		return fmt.Errorf("finding remote ledger: %w", err)
	}

	if h != nil {
		if err := a.remote.Delete(ctx, *h); err != nil {
			return fmt.Errorf("deleting remote ledger: %w", err)
		}
	}

	a.cache.Clear()

	if err := a.state.SetSyncMeta(state.SyncMeta{}); err != nil {
		return fmt.Errorf("clearing sync metadata: %w", err)
	}

	return nil
}

// --- keygen ---

type keygenCmd struct {
	user string
}

func (*keygenCmd) Name() string     { return "keygen" }
func (*keygenCmd) Synopsis() string { return "generate an MCP API key" }
func (*keygenCmd) Usage() string {
	return `keygen [-user <name>]

  Prints a new API key. With -user, prints a ready MCP_API_KEYS entry.
`
}

func (c *keygenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "User the key belongs to")
}

func (c *keygenCmd) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	key := auth.GenerateAPIKey()
	if c.user != "" {
		fmt.Printf("%s:%s\n", c.user, key)
	} else {
		fmt.Println(key)
	}

	return subcommands.ExitSuccess
}
