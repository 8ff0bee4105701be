package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/alexjbarnes/ledger-sync/internal/importer"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/google/subcommands"
)

// execLedger loads config and the ledger, runs fn and maps the outcome to
// an exit status.
func execLedger(ctx context.Context, mutates bool, fn func(ctx context.Context, a *app) error) subcommands.ExitStatus {
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

	if err := a.withLedger(ctx, mutates, func(ctx context.Context) error { return fn(ctx, a) }); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// --- account ---

type accountCmd struct {
	create   string
	currency string
}

func (*accountCmd) Name() string     { return "account" }
func (*accountCmd) Synopsis() string { return "list accounts or create one" }
func (*accountCmd) Usage() string {
	return `account [-create <name> -currency <code>]

  Without flags, lists accounts with their balances.
`
}

func (c *accountCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.create, "create", "", "Name of the account to create")
	f.StringVar(&c.currency, "currency", "", "ISO 4217 currency code for -create")
}

func (c *accountCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.create != "" && c.currency == "" {
		fmt.Fprintln(os.Stderr, "Error: -currency is required with -create.")
		return subcommands.ExitUsageError
	}

	return execLedger(ctx, c.create != "", func(_ context.Context, a *app) error {
		if c.create != "" {
			acct, err := a.store.CreateAccount(c.create, c.currency)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s) %s\n", acct.Name, acct.Currency, acct.ID)
			return nil
		}

		printAccounts(os.Stdout, a.store)
		return nil
	})
}

func printAccounts(w io.Writer, store *ledger.Store) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCURRENCY\tBALANCE\tID")
	for _, acct := range store.Accounts() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", acct.Name, acct.Currency, ledger.FormatAmount(store.Balance(acct.ID), acct.Currency), acct.ID)
	}
	tw.Flush()
}

// --- import ---

type importCmd struct {
	account string
	profile string
	dryRun  bool
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "import bank statement CSV files" }
func (*importCmd) Usage() string {
	return `import [-account <name|id>] [-profile <profile.yaml>] [-dry-run] <file.csv>...

  Reconciles each statement against the account. New rows are added,
  rows resembling an existing transaction go to the review queue and
  exact duplicates are skipped. Defaults come from IMPORT_ACCOUNT and
  IMPORT_PROFILE.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account name or ID (defaults to IMPORT_ACCOUNT)")
	f.StringVar(&c.profile, "profile", "", "YAML import profile (defaults to IMPORT_PROFILE)")
	f.BoolVar(&c.dryRun, "dry-run", false, "Report what would be imported without changing the ledger")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one CSV file is required.")
		return subcommands.ExitUsageError
	}

	return execLedger(ctx, !c.dryRun, func(_ context.Context, a *app) error {
		ref := c.account
		if ref == "" {
			ref = a.cfg.ImportAccount
		}

		acct, ok := a.store.ResolveAccount(ref)
		if !ok {
			return fmt.Errorf("unknown account %q", ref)
		}

		profile, err := c.loadProfile(a, acct)
		if err != nil {
			return err
		}

		for _, path := range f.Args() {
			matches, applied, err := importStatement(a.store, path, profile, acct, !c.dryRun)
			if err != nil {
				return err
			}

			s := reconcile.Summarize(matches)
			if c.dryRun {
				fmt.Printf("%s: %d new, %d to review, %d duplicates (dry run)\n", filepath.Base(path), s.New, s.Probable, s.Exact)
				continue
			}
			fmt.Printf("%s: %d added, %d to review, %d duplicates\n", filepath.Base(path), applied.Inserted, applied.Queued, applied.Skipped)
		}

		return nil
	})
}

func (c *importCmd) loadProfile(a *app, acct ledger.Account) (importer.Profile, error) {
	path := c.profile
	if path == "" {
		path = a.cfg.ImportProfile
	}

	if path == "" {
		return importer.DefaultProfile(acct.Currency), nil
	}

	return importer.LoadProfile(path)
}

// importStatement parses and reconciles one statement file, applying the
// result when apply is set.
func importStatement(store *ledger.Store, path string, profile importer.Profile, acct ledger.Account, apply bool) ([]reconcile.Match, ledger.ApplyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ledger.ApplyResult{}, fmt.Errorf("opening statement: %w", err)
	}
	defer f.Close()

	candidates, err := importer.Parse(f, profile, acct.ID)
	if err != nil {
		return nil, ledger.ApplyResult{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	matches := reconcile.Reconcile(candidates, store.Summaries(acct.ID))
	if !apply {
		return matches, ledger.ApplyResult{}, nil
	}

	applied, err := store.Apply(matches)
	if err != nil {
		return nil, applied, fmt.Errorf("applying %s: %w", filepath.Base(path), err)
	}

	return matches, applied, nil
}

// --- review ---

type reviewCmd struct {
	accept    string
	reject    string
	acceptAll bool
}

func (*reviewCmd) Name() string     { return "review" }
func (*reviewCmd) Synopsis() string { return "list, accept or reject imported rows awaiting review" }
func (*reviewCmd) Usage() string {
	return `review [-accept <id> | -reject <id> | -accept-all]

  Without flags, lists queued rows next to the transaction each one
  resembles. Payee differences are shown as [-removed-]{+added+}.
`
}

func (c *reviewCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.accept, "accept", "", "Add the queued row as a new transaction")
	f.StringVar(&c.reject, "reject", "", "Drop the queued row")
	f.BoolVar(&c.acceptAll, "accept-all", false, "Accept every queued row")
}

func (c *reviewCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	actions := 0
	for _, set := range []bool{c.accept != "", c.reject != "", c.acceptAll} {
		if set {
			actions++
		}
	}

	if actions > 1 {
		fmt.Fprintln(os.Stderr, "Error: use only one of -accept, -reject and -accept-all.")
		return subcommands.ExitUsageError
	}

	return execLedger(ctx, actions == 1, func(_ context.Context, a *app) error {
		switch {
		case c.accept != "":
			tx, err := a.store.AcceptReview(c.accept)
			if err != nil {
				return err
			}
			fmt.Printf("added %s %s\n", tx.Date, tx.Payee)
		case c.reject != "":
			if err := a.store.RejectReview(c.reject); err != nil {
				return err
			}
			fmt.Println("rejected")
		case c.acceptAll:
			n := 0
			for _, item := range a.store.Review() {
				if _, err := a.store.AcceptReview(item.ID); err != nil {
					return err
				}
				n++
			}
			fmt.Printf("added %d transactions\n", n)
		default:
			printReview(os.Stdout, a.store)
		}
		return nil
	})
}

func printReview(w io.Writer, store *ledger.Store) {
	items := store.Review()
	if len(items) == 0 {
		fmt.Fprintln(w, "nothing to review")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tAMOUNT\tPAYEE\tCONFIDENCE")
	for _, item := range items {
		currency := ""
		if acct, ok := store.Account(item.Candidate.AccountID); ok {
			currency = acct.Currency
		}

		payee := item.Candidate.Payee
		if existing, ok := store.Transaction(item.MatchedExistingID); ok {
			payee = importer.PayeeDiff(existing.Payee, item.Candidate.Payee)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\n",
			item.ID, item.Candidate.Date, ledger.FormatAmount(item.Candidate.TotalAmount, currency), payee, item.Confidence)
	}
	tw.Flush()
}
