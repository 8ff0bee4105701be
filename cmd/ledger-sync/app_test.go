package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/importer"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStatement = "date,payee,amount\n2026-02-01,Coffee Shop,-3.50\n2026-02-03,Salary,2500.00\n"

// testApp wires an app against a directory remote shared between
// devices. Each device gets its own state database.
func testApp(t *testing.T, remoteDir string) *app {
	t.Helper()

	cfg := &config.Config{
		UserID:         "alex@example.com",
		RemoteKind:     config.RemoteDir,
		RemoteDir:      remoteDir,
		RemoteFileName: "ledger.enc",
		StatePath:      filepath.Join(t.TempDir(), "state.db"),
		SyncDebounce:   time.Hour,
		SyncRetryMin:   time.Second,
		SyncRetryMax:   time.Minute,
	}

	a, err := openApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return a
}

func writeStatement(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feb.csv")
	require.NoError(t, os.WriteFile(path, []byte(testStatement), 0o600))
	return path
}

// --- withLedger ---

func TestWithLedger_ChangesReachSecondDevice(t *testing.T) {
	remoteDir := t.TempDir()
	ctx := context.Background()

	laptop := testApp(t, remoteDir)
	err := laptop.withLedger(ctx, true, func(context.Context) error {
		acct, err := laptop.store.CreateAccount("Current", "GBP")
		if err != nil {
			return err
		}
		_, _, err = importStatement(laptop.store, writeStatement(t), importer.DefaultProfile("GBP"), acct, true)
		return err
	})
	require.NoError(t, err)

	meta, err := laptop.state.SyncMeta()
	require.NoError(t, err)
	assert.False(t, meta.Unsynced)
	assert.False(t, meta.LastSyncedAt.IsZero())

	phone := testApp(t, remoteDir)
	err = phone.withLedger(ctx, false, func(context.Context) error {
		assert.Equal(t, syncer.SourceRemote, phone.orch.State().Source)

		acct, ok := phone.store.ResolveAccount("current")
		require.True(t, ok)
		assert.Len(t, phone.store.Transactions(acct.ID), 2)
		assert.Equal(t, int64(249650), phone.store.Balance(acct.ID))
		return nil
	})
	require.NoError(t, err)
}

func TestWithLedger_ReadOnlyDoesNotPush(t *testing.T) {
	remoteDir := t.TempDir()
	a := testApp(t, remoteDir)

	err := a.withLedger(context.Background(), false, func(context.Context) error {
		assert.Equal(t, syncer.SourceEmpty, a.orch.State().Source)
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(remoteDir, "ledger.enc"))
	assert.True(t, os.IsNotExist(err))
}

func TestWithLedger_CallbackErrorSkipsPush(t *testing.T) {
	remoteDir := t.TempDir()
	a := testApp(t, remoteDir)

	err := a.withLedger(context.Background(), true, func(context.Context) error {
		_, err := a.store.CreateAccount("Broken", "XXX?")
		return err
	})
	require.ErrorIs(t, err, ledger.ErrUnknownCurrency)

	_, statErr := os.Stat(filepath.Join(remoteDir, "ledger.enc"))
	assert.True(t, os.IsNotExist(statErr))
}

// --- import ---

func TestImportStatement_DryRunLeavesLedgerAlone(t *testing.T) {
	store := ledger.New()
	acct, err := store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	gen := store.Generation()

	matches, _, err := importStatement(store, writeStatement(t), importer.DefaultProfile("GBP"), acct, false)
	require.NoError(t, err)

	assert.Len(t, matches, 2)
	assert.Equal(t, gen, store.Generation())
	assert.Empty(t, store.Transactions(acct.ID))
}

func TestImportStatement_ReimportIsDuplicate(t *testing.T) {
	store := ledger.New()
	acct, err := store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	path := writeStatement(t)

	_, first, err := importStatement(store, path, importer.DefaultProfile("GBP"), acct, true)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	_, second, err := importStatement(store, path, importer.DefaultProfile("GBP"), acct, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.ApplyResult{Skipped: 2}, second)
}

func TestImportStatement_MissingFile(t *testing.T) {
	store := ledger.New()
	acct, err := store.CreateAccount("Current", "GBP")
	require.NoError(t, err)

	_, _, err = importStatement(store, filepath.Join(t.TempDir(), "nope.csv"), importer.DefaultProfile("GBP"), acct, true)
	assert.ErrorContains(t, err, "opening statement")
}

// --- review output ---

func TestPrintReview_ShowsPayeeDiff(t *testing.T) {
	store := ledger.New()
	acct, err := store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	_, err = store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-02-01", Payee: "Coffee Shop Ltd", TotalAmount: -350})
	require.NoError(t, err)

	_, applied, err := importStatement(store, writeStatement(t), importer.DefaultProfile("GBP"), acct, true)
	require.NoError(t, err)
	require.Equal(t, 1, applied.Queued)

	var buf bytes.Buffer
	printReview(&buf, store)

	out := buf.String()
	assert.Contains(t, out, "Coffee Shop[- Ltd-]")
	assert.Contains(t, out, "-£3.50")
	assert.Contains(t, out, "0.90")
}

func TestPrintReview_Empty(t *testing.T) {
	var buf bytes.Buffer
	printReview(&buf, ledger.New())
	assert.Equal(t, "nothing to review\n", buf.String())
}

// --- status output ---

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, syncer.State{Status: syncer.StatusAuthError, Source: syncer.SourceFallback, LastError: "denied"}, state.SyncMeta{Unsynced: true})

	out := buf.String()
	assert.Contains(t, out, "auth_error")
	assert.Contains(t, out, "fallback")
	assert.Contains(t, out, "last synced:  never")
	assert.Contains(t, out, "local changes not yet pushed")
	assert.Contains(t, out, "denied")
}

// --- reset-remote ---

func TestResetRemote(t *testing.T) {
	remoteDir := t.TempDir()
	a := testApp(t, remoteDir)

	err := a.withLedger(context.Background(), true, func(context.Context) error {
		_, err := a.store.CreateAccount("Current", "GBP")
		return err
	})
	require.NoError(t, err)
	require.True(t, a.cache.Exists())

	require.NoError(t, a.resetRemote(context.Background()))

	_, err = os.Stat(filepath.Join(remoteDir, "ledger.enc"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, a.cache.Exists())

	meta, err := a.state.SyncMeta()
	require.NoError(t, err)
	assert.Equal(t, state.SyncMeta{}, meta)

	// A second reset with nothing left is harmless.
	require.NoError(t, a.resetRemote(context.Background()))
}

// --- tokens ---

func TestSwappableTokens(t *testing.T) {
	ts := newSwappableTokens("first")

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", tok.AccessToken)

	ts.Set("second")
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)
}

func TestPrintAccounts(t *testing.T) {
	store := ledger.New()
	_, err := store.CreateAccount("Current", "GBP")
	require.NoError(t, err)

	var buf bytes.Buffer
	printAccounts(&buf, store)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "£0.00")
}
