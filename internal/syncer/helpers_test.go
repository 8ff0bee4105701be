package syncer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/crypto"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/stretchr/testify/require"
)

const testIdentity = "user-7f3a9c"

var testKeyOnce = sync.OnceValues(func() (*crypto.Key, error) {
	return crypto.DeriveKey(testIdentity)
})

func testKey(t *testing.T) *crypto.Key {
	t.Helper()

	k, err := testKeyOnce()
	require.NoError(t, err)

	return k
}

// sealedLedger returns an encrypted snapshot of a ledger holding one
// account with the given name.
func sealedLedger(t *testing.T, accountName string) []byte {
	t.Helper()

	src := ledger.New()
	_, err := src.CreateAccount(accountName, "GBP")
	require.NoError(t, err)

	data, _, err := src.ExportSnapshot()
	require.NoError(t, err)

	blob, err := testKey(t).Encrypt(data)
	require.NoError(t, err)

	return blob
}

func accountNames(s *ledger.Store) []string {
	var names []string
	for _, a := range s.Accounts() {
		names = append(names, a.Name)
	}

	return names
}

// --- memFallback ---

type memFallback struct {
	mu    sync.Mutex
	blob  []byte
	saves int
}

func (f *memFallback) Save(blob []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = append([]byte(nil), blob...)
	f.saves++
}

func (f *memFallback) Load() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blob
}

func (f *memFallback) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = nil
}

// --- memMeta ---

type memMeta struct {
	mu sync.Mutex
	m  state.SyncMeta
}

func (m *memMeta) SyncMeta() (state.SyncMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m, nil
}

func (m *memMeta) UpdateSyncMeta(fn func(*state.SyncMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.m)
	return nil
}

func (m *memMeta) get() state.SyncMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m
}

// --- fakeRemote ---

// fakeRemote is an in-memory BlobStore whose calls can be held open.
type fakeRemote struct {
	mu         sync.Mutex
	blob       []byte
	handle     *remote.FileHandle
	finds      int
	uploads    int
	findGate   chan struct{}
	uploadGate chan struct{}
	uploadErrs []error
	clock      time.Time
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeRemote) Find(ctx context.Context) (*remote.FileHandle, error) {
	f.mu.Lock()
	f.finds++
	gate := f.findGate
	f.findGate = nil
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handle == nil {
		return nil, nil
	}

	h := *f.handle

	return &h, nil
}

func (f *fakeRemote) Download(_ context.Context, _ remote.FileHandle) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.blob...), nil
}

func (f *fakeRemote) Upload(ctx context.Context, data []byte, _ *remote.FileHandle) (*remote.FileHandle, error) {
	f.mu.Lock()
	f.uploads++
	gate := f.uploadGate
	var err error
	if len(f.uploadErrs) > 0 {
		err = f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.clock = f.clock.Add(time.Second)
	f.blob = append([]byte(nil), data...)
	f.handle = &remote.FileHandle{ID: "file-1", Name: remote.DefaultFileName, ModifiedTime: f.clock}
	h := *f.handle

	return &h, nil
}

func (f *fakeRemote) Delete(_ context.Context, _ remote.FileHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blob = nil
	f.handle = nil
	return nil
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeRemote) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

// --- harness ---

type harness struct {
	store    *ledger.Store
	fallback *memFallback
	meta     *memMeta
	orch     *Orchestrator
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, r remote.BlobStore) *harness {
	t.Helper()

	h := &harness{
		store:    ledger.New(),
		fallback: &memFallback{},
		meta:     &memMeta{},
	}

	h.orch = New(Config{
		Store:    h.store,
		Remote:   r,
		Fallback: h.fallback,
		Meta:     h.meta,
	}, slog.Default())

	return h
}

// start runs the event loop. stop must be called before the test
// returns so the loop goroutine exits.
func (h *harness) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() { _ = h.orch.Run(ctx) }()
}

func (h *harness) stop() {
	h.cancel()
	<-h.orch.done
}

func (h *harness) begin(t *testing.T) {
	t.Helper()

	h.orch.Begin(testIdentity)
	require.NoError(t, h.orch.WaitReady(context.Background()))
}

func (h *harness) mutate(t *testing.T, value string) {
	t.Helper()
	h.store.SetSetting("test.value", value)
}
