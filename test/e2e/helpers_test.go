package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/alexjbarnes/ledger-sync/internal/crypto"
	"github.com/alexjbarnes/ledger-sync/internal/fallback"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/mcpserver"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/remote/remotetest"
	"github.com/alexjbarnes/ledger-sync/internal/server"
	"github.com/alexjbarnes/ledger-sync/internal/session"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	identity   = "alex@example.com"
	driveToken = "drive-token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenBox is a bearer token source whose token can be rotated.
type tokenBox struct {
	mu    sync.Mutex
	token string
}

func (b *tokenBox) Token() (*oauth2.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &oauth2.Token{AccessToken: b.token}, nil
}

func (b *tokenBox) set(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

// device is one running ledger-sync client: its own ledger, state
// database and orchestrator, sharing the fake Drive with other devices.
type device struct {
	Store    *ledger.Store
	Orch     *syncer.Orchestrator
	State    *state.State
	Notifier *session.Notifier
	Tokens   *tokenBox

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// startDevice opens statePath, connects to drive and waits for the
// initial load.
func startDevice(t *testing.T, drive *remotetest.Drive, statePath string) *device {
	t.Helper()

	st, err := state.Open(statePath)
	require.NoError(t, err)

	d := &device{
		Store:    ledger.New(),
		State:    st,
		Notifier: session.NewNotifier(),
		Tokens:   &tokenBox{token: driveToken},
		done:     make(chan struct{}),
	}

	client := remote.NewClient(remote.ClientConfig{
		BaseURL:  drive.URL,
		Tokens:   d.Tokens,
		Notifier: d.Notifier,
	}, discardLogger())

	d.Orch = syncer.New(syncer.Config{
		Store:    d.Store,
		Remote:   client,
		Fallback: fallback.New(st, discardLogger()),
		Meta:     st,
		Debounce: time.Hour,
		RetryMin: time.Hour,
		RetryMax: time.Hour,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go func() {
		defer close(d.done)
		_ = d.Orch.Run(ctx)
	}()

	t.Cleanup(d.stop)

	d.Orch.Begin(identity)

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer waitCancel()
	require.NoError(t, d.Orch.WaitReady(waitCtx))

	return d
}

func (d *device) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		<-d.done
		d.Notifier.Close()
		_ = d.State.Close()
	})
}

func (d *device) flush(t *testing.T) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	return d.Orch.Flush(ctx)
}

// decryptRemote reads the blob straight from the fake Drive.
func decryptRemote(t *testing.T, drive *remotetest.Drive) []byte {
	t.Helper()

	blob, ok := drive.Content(remote.DefaultFileName)
	require.True(t, ok, "no blob on the remote")

	key, err := crypto.DeriveKey(identity)
	require.NoError(t, err)

	plain, err := key.Decrypt(blob)
	require.NoError(t, err)

	return plain
}

func statePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "state.db")
}

// mcpHarness serves a device's ledger over the real HTTP stack.
type mcpHarness struct {
	URL string
	Key string
}

func newMCPHarness(t *testing.T, d *device) *mcpHarness {
	t.Helper()

	keys := auth.NewKeyStore()
	key := auth.GenerateAPIKey()
	require.NoError(t, keys.Add("alex", key))

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "ledger-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, d.Store, d.Orch)

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpServer }, nil)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: handler,
		Logger:     discardLogger(),
	}))
	t.Cleanup(srv.Close)

	return &mcpHarness{URL: srv.URL, Key: key}
}

// mcpSession creates an MCP client session authenticated with the given
// API key.
func (h *mcpHarness) mcpSession(t *testing.T, key string) (*mcp.ClientSession, error) {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{token: key, base: http.DefaultTransport},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-test-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), transport, nil)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = session.Close() })

	return session, nil
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
