package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/google/subcommands"
)

type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show sync state and account balances" }
func (*statusCmd) Usage() string {
	return `status

  Loads the ledger and reports where it came from, when it last reached
  the remote store and whether local changes are waiting to be pushed.
`
}

func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return execLedger(ctx, false, func(_ context.Context, a *app) error {
		meta, err := a.state.SyncMeta()
		if err != nil {
			return err
		}

		printStatus(os.Stdout, a.orch.State(), meta)
		fmt.Println()
		printAccounts(os.Stdout, a.store)

		if n := len(a.store.Review()); n > 0 {
			fmt.Printf("\n%d imported rows awaiting review\n", n)
		}

		return nil
	})
}

func printStatus(w io.Writer, st syncer.State, meta state.SyncMeta) {
	fmt.Fprintf(w, "status:       %s\n", st.Status)
	fmt.Fprintf(w, "loaded from:  %s\n", st.Source)
	fmt.Fprintf(w, "key:          %s\n", st.KeyFingerprint)

	if meta.LastSyncedAt.IsZero() {
		fmt.Fprintln(w, "last synced:  never")
	} else {
		fmt.Fprintf(w, "last synced:  %s\n", meta.LastSyncedAt.Local().Format(time.RFC1123))
	}

	if meta.Unsynced || st.Dirty {
		fmt.Fprintln(w, "pending:      local changes not yet pushed")
	}

	if st.LastError != "" {
		fmt.Fprintf(w, "last error:   %s\n", st.LastError)
	}
}
