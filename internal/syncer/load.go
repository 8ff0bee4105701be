package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/crypto"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/state"
)

func (o *Orchestrator) begin(ctx context.Context, identity string) {
	if o.st.Status != StatusIdle {
		return
	}

	o.st.setStatus(StatusLoading)
	o.logger.Info("initial load started")

	go func() {
		o.loadCh <- o.load(ctx, identity)
	}()
}

// load runs off the event loop. Every failure after key derivation falls
// through remote, then fallback, then an empty ledger.
func (o *Orchestrator) load(ctx context.Context, identity string) loadResult {
	key, err := crypto.DeriveKey(identity)
	if err != nil {
		return loadResult{err: fmt.Errorf("deriving key: %w", err)}
	}

	res := loadResult{key: key, source: SourceEmpty}
	meta := o.syncMeta()

	h, err := o.remote.Find(ctx)
	if err != nil {
		res.err = fmt.Errorf("locating remote snapshot: %w", err)
		if remote.IsAuthFailure(err) {
			res.authErr = err
		}

		o.logger.Warn("remote unavailable, using local fallback", slog.String("error", err.Error()))

		if o.restoreFallback(key) {
			res.source = SourceFallback
			res.markDirty = meta.Unsynced
		}

		return res
	}

	if h == nil {
		o.logger.Info("no remote snapshot")

		if o.restoreFallback(key) {
			res.source = SourceFallback
			res.markDirty = true
		}

		return res
	}

	res.handle = h

	if meta.Unsynced && !h.ModifiedTime.After(meta.RemoteModified) && o.restoreFallback(key) {
		o.logger.Info("remote unchanged since last sync, keeping unsynced local edits",
			slog.Time("remote_modified", h.ModifiedTime),
		)

		res.source = SourceFallback
		res.markDirty = true

		return res
	}

	if err := o.loadRemote(ctx, key, *h); err != nil {
		res.err = err
		if remote.IsAuthFailure(err) {
			res.authErr = err
		}

		o.logger.Warn("remote snapshot unusable, using local fallback", slog.String("error", err.Error()))

		if o.restoreFallback(key) {
			res.source = SourceFallback
		}

		return res
	}

	res.source = SourceRemote
	o.fallback.Clear()
	o.updateMeta(func(m *state.SyncMeta) {
		m.RemoteFileID = h.ID
		m.RemoteModified = h.ModifiedTime
		m.Unsynced = false
	})

	return res
}

func (o *Orchestrator) loadRemote(ctx context.Context, key *crypto.Key, h remote.FileHandle) error {
	blob, err := o.remote.Download(ctx, h)
	if err != nil {
		return fmt.Errorf("downloading remote snapshot: %w", err)
	}

	plain, err := key.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("decrypting remote snapshot: %w", err)
	}

	if err := o.store.ImportSnapshot(plain); err != nil {
		return fmt.Errorf("importing remote snapshot: %w", err)
	}

	return nil
}

// restoreFallback imports the fallback blob. It reports whether the
// store now holds the fallback content.
func (o *Orchestrator) restoreFallback(key *crypto.Key) bool {
	blob := o.fallback.Load()
	if blob == nil {
		return false
	}

	plain, err := key.Decrypt(blob)
	if err != nil {
		o.logger.Warn("local fallback unreadable", slog.String("error", err.Error()))
		return false
	}

	if err := o.store.ImportSnapshot(plain); err != nil {
		o.logger.Warn("local fallback rejected", slog.String("error", err.Error()))
		return false
	}

	return true
}

func (o *Orchestrator) finishLoad(res loadResult) {
	if res.key == nil {
		o.logger.Error("session could not start", slog.String("error", res.err.Error()))

		o.st.setStatus(StatusIdle)
		o.st.LastError = res.err.Error()

		o.mu.Lock()
		o.readyErr = res.err
		o.mu.Unlock()

		o.publish()
		close(o.ready)

		return
	}

	// WaitReady callers observe the final post-load state.
	defer func() {
		o.publish()
		close(o.ready)
	}()

	o.key = res.key
	o.handle = res.handle
	o.st.Initialized = true
	o.st.Source = res.source
	o.st.KeyFingerprint = res.key.Fingerprint()

	if res.handle != nil {
		o.st.LastRemoteFileID = res.handle.ID
	}

	if res.err != nil {
		o.st.LastError = res.err.Error()
	}

	o.applyDebounceSetting()

	if res.markDirty {
		o.store.MarkDirty()
	}

	// Mutations queued during the load are covered by the dirty check.
	dirty := o.store.IsDirty()
	queued := o.queued
	o.queued = false
	o.lastDirty = dirty

	if res.authErr != nil {
		o.staleBase = true
		o.st.setStatus(StatusAuthError)
		o.logger.Warn("initial load hit an authorization failure", slog.String("source", string(res.source)))

		return
	}

	o.st.setStatus(StatusReady)
	o.logger.Info("initial load complete",
		slog.String("source", string(res.source)),
		slog.String("key_fingerprint", o.st.KeyFingerprint),
		slog.Bool("dirty", dirty),
		slog.Bool("queued_mutations", queued),
	)

	if dirty {
		o.armDebounce()
	}
}

func (o *Orchestrator) applyDebounceSetting() {
	v, ok := o.store.GetSetting(SettingDebounce)
	if !ok {
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		o.logger.Warn("ignoring invalid debounce setting", slog.String("value", v))
		return
	}

	o.debounce = d
}

func (o *Orchestrator) syncMeta() state.SyncMeta {
	if o.meta == nil {
		return state.SyncMeta{}
	}

	m, err := o.meta.SyncMeta()
	if err != nil {
		o.logger.Warn("reading sync metadata", slog.String("error", err.Error()))
		return state.SyncMeta{}
	}

	return m
}

func (o *Orchestrator) updateMeta(fn func(*state.SyncMeta)) {
	if o.meta == nil {
		return
	}

	if err := o.meta.UpdateSyncMeta(fn); err != nil {
		o.logger.Warn("writing sync metadata", slog.String("error", err.Error()))
	}
}
