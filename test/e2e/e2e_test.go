package e2e_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/remote/remotetest"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Two devices ---

func TestTwoDevices_ChangesTravelThroughRemote(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)

	laptop := startDevice(t, drive, statePath(t))
	assert.Equal(t, syncer.SourceEmpty, laptop.Orch.State().Source)

	acct, err := laptop.Store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	_, err = laptop.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-01", Payee: "Rent", TotalAmount: -90000})
	require.NoError(t, err)
	require.NoError(t, laptop.flush(t))

	blob, ok := drive.Content(remote.DefaultFileName)
	require.True(t, ok)
	assert.False(t, bytes.Contains(blob, []byte("Rent")), "remote blob must not hold plaintext")

	phone := startDevice(t, drive, statePath(t))
	assert.Equal(t, syncer.SourceRemote, phone.Orch.State().Source)
	assert.Equal(t, laptop.Orch.State().KeyFingerprint, phone.Orch.State().KeyFingerprint)
	assert.Equal(t, int64(-90000), phone.Store.Balance(acct.ID))

	_, err = phone.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-02", Payee: "Coffee", TotalAmount: -350})
	require.NoError(t, err)
	require.NoError(t, phone.flush(t))

	// The phone replaced the blob in place rather than creating a second one.
	assert.Equal(t, 2, drive.Calls("upload"))
	assert.Equal(t, laptop.Orch.State().LastRemoteFileID, phone.Orch.State().LastRemoteFileID)

	laptop.stop()
	laptop = startDevice(t, drive, statePath(t))
	assert.Len(t, laptop.Store.Transactions(acct.ID), 2)
	assert.Equal(t, int64(-90350), laptop.Store.Balance(acct.ID))
}

// --- Offline edits ---

func TestOfflineEdit_SurvivesRestartAndWinsOverUnchangedRemote(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)
	path := statePath(t)

	dev := startDevice(t, drive, path)
	acct, err := dev.Store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	require.NoError(t, dev.flush(t))

	drive.FailNext("upload", http.StatusServiceUnavailable)

	_, err = dev.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-05", Payee: "Train", TotalAmount: -1200})
	require.NoError(t, err)

	err = dev.flush(t)
	require.Error(t, err)
	assert.True(t, remote.IsTransient(err))
	assert.True(t, dev.Orch.State().RetryScheduled)

	meta, err := dev.State.SyncMeta()
	require.NoError(t, err)
	assert.True(t, meta.Unsynced)

	dev.stop()

	dev = startDevice(t, drive, path)
	st := dev.Orch.State()
	assert.Equal(t, syncer.SourceFallback, st.Source)
	assert.True(t, st.Dirty)
	require.Len(t, dev.Store.Transactions(acct.ID), 1)

	require.NoError(t, dev.flush(t))

	meta, err = dev.State.SyncMeta()
	require.NoError(t, err)
	assert.False(t, meta.Unsynced)
	assert.Contains(t, string(decryptRemote(t, drive)), "Train")
}

func TestNewerRemote_WinsOverUnsyncedCache(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)
	laptopPath := statePath(t)

	laptop := startDevice(t, drive, laptopPath)
	acct, err := laptop.Store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	require.NoError(t, laptop.flush(t))

	drive.FailNext("upload", http.StatusServiceUnavailable)
	_, err = laptop.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-05", Payee: "Offline", TotalAmount: -100})
	require.NoError(t, err)
	require.Error(t, laptop.flush(t))
	laptop.stop()

	phone := startDevice(t, drive, statePath(t))
	_, err = phone.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-06", Payee: "Online", TotalAmount: -200})
	require.NoError(t, err)
	require.NoError(t, phone.flush(t))

	laptop = startDevice(t, drive, laptopPath)
	assert.Equal(t, syncer.SourceRemote, laptop.Orch.State().Source)

	txs := laptop.Store.Transactions(acct.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, "Online", txs[0].Payee)
}

// --- Credentials ---

func TestExpiredToken_ReauthenticateThenPush(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)
	dev := startDevice(t, drive, statePath(t))

	events, cancel := dev.Notifier.Subscribe()
	defer cancel()

	drive.SetToken("rotated")

	_, err := dev.Store.CreateAccount("Current", "GBP")
	require.NoError(t, err)

	err = dev.flush(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrAuthFailure))
	assert.True(t, dev.Orch.State().AuthError)

	select {
	case ev := <-events:
		assert.Equal(t, http.StatusUnauthorized, ev.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no reauthentication event")
	}

	dev.Tokens.set("rotated")
	dev.Orch.Reauthenticated()

	require.Eventually(t, func() bool {
		return !dev.Orch.State().AuthError
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, dev.flush(t))
	assert.Contains(t, string(decryptRemote(t, drive)), "Current")
}

// --- MCP over HTTP ---

func TestMCP_ListTransactionsWithAPIKey(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)
	dev := startDevice(t, drive, statePath(t))

	acct, err := dev.Store.CreateAccount("Current", "GBP")
	require.NoError(t, err)
	_, err = dev.Store.AddTransaction(ledger.Transaction{AccountID: acct.ID, Date: "2026-03-01", Payee: "Rent", TotalAmount: -90000})
	require.NoError(t, err)

	h := newMCPHarness(t, dev)
	session, err := h.mcpSession(t, h.Key)
	require.NoError(t, err)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "ledger_list_transactions",
		Arguments: map[string]any{"account": "Current"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, extractTextContent(t, result), "-£900.00")

	result, err = session.CallTool(t.Context(), &mcp.CallToolParams{Name: "ledger_sync_status"})
	require.NoError(t, err)

	var status struct {
		Status string `json:"status"`
		Dirty  bool   `json:"dirty"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), &status))
	assert.Equal(t, "ready", status.Status)
}

func TestMCP_RejectsUnknownKey(t *testing.T) {
	drive := remotetest.NewDrive(t, driveToken)
	dev := startDevice(t, drive, statePath(t))
	h := newMCPHarness(t, dev)

	resp, err := http.Post(h.URL+"/mcp", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = h.mcpSession(t, "ls_"+"00000000000000000000000000000000")
	assert.Error(t, err)
}
