// Package syncer keeps the local ledger and the encrypted remote blob in
// step. A single event loop owns the sync state: it sequences the initial
// load, watches the store's dirty flag and pushes debounced snapshots,
// mirroring each pushed blob into the local fallback cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/crypto"
	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/state"
)

const (
	// DefaultDebounce is the quiet period between the first mutation
	// and the push.
	DefaultDebounce = 2 * time.Second

	// DefaultRetryMin and DefaultRetryMax bound the backoff after a
	// transient upload failure.
	DefaultRetryMin = 5 * time.Second
	DefaultRetryMax = 5 * time.Minute

	// SettingDebounce is the ledger setting that overrides the
	// configured debounce, as a Go duration string.
	SettingDebounce = "sync.debounce"

	// jitterDivisor bounds retry jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	retryBackoffMultiplier = 2
)

// ErrNotReady is returned by Flush before the initial load completes.
var ErrNotReady = errors.New("sync not ready")

// Store is the local ledger as seen by the orchestrator.
type Store interface {
	// ExportSnapshot returns the serialized ledger and the dirty
	// generation it reflects.
	ExportSnapshot() ([]byte, uint64, error)
	ImportSnapshot(data []byte) error
	GetSetting(key string) (string, bool)
	IsDirty() bool
	// DirtySignal receives after mutations. Signals may coalesce.
	DirtySignal() <-chan struct{}
	// ClearDirty clears the dirty flag if generation gen is current.
	ClearDirty(gen uint64) bool
	MarkDirty()
}

// Fallback is the local encrypted blob mirror.
type Fallback interface {
	Save(blob []byte)
	Load() []byte
	Clear()
}

// MetaStore persists sync metadata across sessions.
type MetaStore interface {
	SyncMeta() (state.SyncMeta, error)
	UpdateSyncMeta(fn func(*state.SyncMeta)) error
}

// Config wires an Orchestrator. Meta is optional.
type Config struct {
	Store    Store
	Remote   remote.BlobStore
	Fallback Fallback
	Meta     MetaStore
	Debounce time.Duration
	RetryMin time.Duration
	RetryMax time.Duration
}

type loadResult struct {
	key       *crypto.Key
	handle    *remote.FileHandle
	source    Source
	markDirty bool
	authErr   error
	err       error
}

type uploadResult struct {
	gen    uint64
	handle *remote.FileHandle
	at     time.Time
	err    error
}

// Orchestrator runs the sync state machine for one session.
type Orchestrator struct {
	store    Store
	remote   remote.BlobStore
	fallback Fallback
	meta     MetaStore
	logger   *slog.Logger

	debounce time.Duration
	retryMin time.Duration
	retryMax time.Duration

	beginOnce sync.Once
	beginCh   chan string
	reauthCh  chan struct{}
	flushCh   chan chan error
	loadCh    chan loadResult
	uploadCh  chan uploadResult
	ready     chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	published State
	readyErr  error

	// Owned by the event loop.
	st            State
	key           *crypto.Key
	handle        *remote.FileHandle
	lastDirty     bool
	queued        bool
	pending       bool
	staleBase     bool
	debounceTimer *time.Timer
	debounceC     <-chan time.Time
	retryTimer    *time.Timer
	retryC        <-chan time.Time
	backoff       time.Duration
	waiters       []chan error
}

// New creates an orchestrator. Call Run to start its event loop and
// Begin to start the session.
func New(cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    cfg.Store,
		remote:   cfg.Remote,
		fallback: cfg.Fallback,
		meta:     cfg.Meta,
		logger:   logger,
		debounce: cfg.Debounce,
		retryMin: cfg.RetryMin,
		retryMax: cfg.RetryMax,
		beginCh:  make(chan string, 1),
		reauthCh: make(chan struct{}, 1),
		flushCh:  make(chan chan error),
		loadCh:   make(chan loadResult, 1),
		uploadCh: make(chan uploadResult, 1),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	if o.debounce <= 0 {
		o.debounce = DefaultDebounce
	}

	if o.retryMin <= 0 {
		o.retryMin = DefaultRetryMin
	}

	if o.retryMax < o.retryMin {
		o.retryMax = max(DefaultRetryMax, o.retryMin)
	}

	o.st.setStatus(StatusIdle)
	o.published = o.st

	return o
}

// Begin starts the session for identity. Only the first call has an
// effect.
func (o *Orchestrator) Begin(identity string) {
	o.beginOnce.Do(func() {
		o.beginCh <- identity
	})
}

// Reauthenticated tells the orchestrator that credentials were renewed.
// It leaves AuthError and pushes pending changes.
func (o *Orchestrator) Reauthenticated() {
	select {
	case o.reauthCh <- struct{}{}:
	default:
	}
}

// State returns a copy of the current sync state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.published
}

// WaitReady blocks until the initial load completes. It returns the key
// derivation error if the session could not start.
func (o *Orchestrator) WaitReady(ctx context.Context) error {
	select {
	case <-o.ready:
		o.mu.Lock()
		defer o.mu.Unlock()

		return o.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush pushes pending changes now, skipping the debounce, and waits
// until the store is clean or a cycle fails.
func (o *Orchestrator) Flush(ctx context.Context) error {
	reply := make(chan error, 1)

	select {
	case o.flushCh <- reply:
	case <-o.done:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the event loop. It returns when ctx is cancelled. In-flight
// remote calls are abandoned with ctx.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.stopTimers()

	for {
		select {
		case identity := <-o.beginCh:
			o.begin(ctx, identity)

		case res := <-o.loadCh:
			o.finishLoad(res)

		case <-o.store.DirtySignal():
			o.onDirty()

		case <-o.debounceC:
			o.debounceC = nil
			o.debounceTimer = nil
			o.startCycle(ctx)

		case <-o.retryC:
			o.retryC = nil
			o.retryTimer = nil
			o.st.RetryScheduled = false
			o.onRetry(ctx)

		case res := <-o.uploadCh:
			o.finishCycle(ctx, res)

		case reply := <-o.flushCh:
			o.onFlush(ctx, reply)

		case <-o.reauthCh:
			o.onReauth()

		case <-ctx.Done():
			o.resolveWaiters(ctx.Err())
			return ctx.Err()
		}

		o.publish()
	}
}

func (o *Orchestrator) publish() {
	o.st.Dirty = o.store.IsDirty()

	o.mu.Lock()
	o.published = o.st
	o.mu.Unlock()
}

// --- Dirty observation ---

func (o *Orchestrator) onDirty() {
	dirty := o.store.IsDirty()

	switch o.st.Status {
	case StatusIdle, StatusLoading:
		if dirty {
			o.queued = true
		}
	case StatusAuthError:
		o.lastDirty = dirty
	case StatusSyncing:
		if dirty {
			o.pending = true
		}
	case StatusReady:
		if dirty && !o.lastDirty {
			o.armDebounce()
		}
		o.lastDirty = dirty
	}
}

func (o *Orchestrator) armDebounce() {
	if o.debounceTimer != nil {
		return
	}

	o.debounceTimer = time.NewTimer(o.debounce)
	o.debounceC = o.debounceTimer.C
}

func (o *Orchestrator) stopDebounce() {
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}

	o.debounceTimer = nil
	o.debounceC = nil
}

func (o *Orchestrator) stopRetry() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}

	o.retryTimer = nil
	o.retryC = nil
	o.st.RetryScheduled = false
}

func (o *Orchestrator) stopTimers() {
	o.stopDebounce()
	o.stopRetry()
}

func (o *Orchestrator) onRetry(ctx context.Context) {
	if o.st.Status != StatusReady || !o.store.IsDirty() {
		return
	}

	o.stopDebounce()
	o.startCycle(ctx)
}

func (o *Orchestrator) scheduleRetry() {
	if o.backoff == 0 {
		o.backoff = o.retryMin
	} else {
		o.backoff = min(o.backoff*retryBackoffMultiplier, o.retryMax)
	}

	wait := o.backoff
	if n := int64(o.backoff) / jitterDivisor; n > 0 {
		wait += time.Duration(rand.Int64N(n)) //nolint:gosec // G404: math/rand is fine for retry jitter, no security impact
	}

	o.stopRetry()
	o.retryTimer = time.NewTimer(wait)
	o.retryC = o.retryTimer.C
	o.st.RetryScheduled = true

	o.logger.Info("sync retry scheduled", slog.Duration("wait", wait))
}

// --- Flush and reauthentication ---

func (o *Orchestrator) onFlush(ctx context.Context, reply chan error) {
	switch o.st.Status {
	case StatusIdle, StatusLoading:
		reply <- ErrNotReady
	case StatusAuthError:
		reply <- fmt.Errorf("%w: reauthentication required", apperrors.ErrAuthFailure)
	case StatusSyncing:
		o.waiters = append(o.waiters, reply)
	case StatusReady:
		if o.key == nil {
			reply <- ErrNotReady
			return
		}

		if !o.store.IsDirty() {
			reply <- nil
			return
		}

		o.waiters = append(o.waiters, reply)
		o.stopDebounce()
		o.startCycle(ctx)
	}
}

func (o *Orchestrator) resolveWaiters(err error) {
	if len(o.waiters) == 0 {
		return
	}

	o.publish()

	for _, w := range o.waiters {
		w <- err
	}

	o.waiters = nil
}

func (o *Orchestrator) onReauth() {
	if o.st.Status != StatusAuthError {
		return
	}

	o.logger.Info("reauthenticated, resuming sync")

	// The load never saw the remote, so the next push replaces whatever
	// other devices uploaded meanwhile.
	if o.staleBase {
		o.staleBase = false
		o.logger.Warn("ledger was loaded without the remote snapshot; next push overwrites it",
			slog.String("source", string(o.st.Source)),
		)
	}

	o.st.setStatus(StatusReady)
	o.st.LastError = ""
	o.lastDirty = o.store.IsDirty()

	if o.lastDirty && o.key != nil {
		o.armDebounce()
	}
}
