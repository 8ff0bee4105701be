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

func (o *Orchestrator) startCycle(ctx context.Context) {
	if o.st.Status != StatusReady || o.key == nil {
		return
	}

	o.stopRetry()
	o.pending = false
	o.st.setStatus(StatusSyncing)
	o.st.Cycles++

	key, handle := o.key, o.handle

	go func() {
		o.uploadCh <- o.upload(ctx, key, handle)
	}()
}

// upload runs off the event loop: export, encrypt, upload, then mirror
// the blob into the fallback whether or not the upload succeeded.
func (o *Orchestrator) upload(ctx context.Context, key *crypto.Key, handle *remote.FileHandle) uploadResult {
	data, gen, err := o.store.ExportSnapshot()
	if err != nil {
		return uploadResult{err: fmt.Errorf("exporting snapshot: %w", err)}
	}

	blob, err := key.Encrypt(data)
	if err != nil {
		return uploadResult{gen: gen, err: fmt.Errorf("encrypting snapshot: %w", err)}
	}

	h, err := o.push(ctx, blob, handle)

	o.fallback.Save(blob)

	if err != nil {
		o.updateMeta(func(m *state.SyncMeta) { m.Unsynced = true })
		return uploadResult{gen: gen, err: err}
	}

	now := time.Now().UTC()
	o.updateMeta(func(m *state.SyncMeta) {
		m.RemoteFileID = h.ID
		m.RemoteModified = h.ModifiedTime
		m.LastSyncedAt = now
		m.Unsynced = false
	})

	return uploadResult{gen: gen, handle: h, at: now}
}

// push uploads blob. Without a known handle it looks the blob up first
// so a second device never creates a duplicate.
func (o *Orchestrator) push(ctx context.Context, blob []byte, handle *remote.FileHandle) (*remote.FileHandle, error) {
	if handle == nil {
		h, err := o.remote.Find(ctx)
		if err != nil {
			return nil, fmt.Errorf("locating remote snapshot: %w", err)
		}

		handle = h
	}

	h, err := o.remote.Upload(ctx, blob, handle)
	if err != nil {
		return nil, fmt.Errorf("uploading snapshot: %w", err)
	}

	return h, nil
}

func (o *Orchestrator) finishCycle(ctx context.Context, res uploadResult) {
	o.st.setStatus(StatusReady)

	if res.err != nil {
		o.st.LastError = res.err.Error()
		pending := o.pending
		o.pending = false
		// The store is still dirty; the next mutation re-arms the push.
		o.lastDirty = false

		if remote.IsAuthFailure(res.err) {
			o.st.setStatus(StatusAuthError)
			o.logger.Warn("sync paused until reauthentication", slog.String("error", res.err.Error()))
			o.resolveWaiters(res.err)

			return
		}

		o.logger.Warn("sync cycle failed",
			slog.String("error", res.err.Error()),
			slog.Bool("transient", remote.IsTransient(res.err)),
		)

		switch {
		case remote.IsTransient(res.err):
			o.scheduleRetry()
		case pending && o.store.IsDirty():
			// A mutation arrived during the failed upload and still
			// gets its own cycle.
			o.lastDirty = true
			o.armDebounce()
		}

		o.resolveWaiters(res.err)

		return
	}

	o.handle = res.handle
	o.backoff = 0
	o.st.LastRemoteFileID = res.handle.ID
	o.st.LastSyncedAt = res.at
	o.st.LastError = ""

	cleared := o.store.ClearDirty(res.gen)

	o.logger.Debug("sync cycle complete",
		slog.String("file_id", res.handle.ID),
		slog.Bool("cleared", cleared),
		slog.Bool("pending", o.pending),
	)

	// Exactly one follow-up cycle covers both a signal during the
	// upload and a mutation between export and clear.
	if (o.pending || !cleared) && o.store.IsDirty() {
		o.startCycle(ctx)
		return
	}

	o.pending = false
	o.lastDirty = o.store.IsDirty()

	// A mutation that landed after the clear already signalled.
	if o.lastDirty {
		o.armDebounce()
	}

	o.resolveWaiters(nil)
}
