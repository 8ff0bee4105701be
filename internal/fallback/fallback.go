// Package fallback keeps the last encrypted ledger snapshot on local
// disk so a session can start offline or after the remote copy is lost.
// It only ever holds sealed blobs, never plaintext.
package fallback

import (
	"fmt"
	"log/slog"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

// blobKey is the single key the cache occupies in the byte store.
const blobKey = "fallback/snapshot"

// byteStore is the persistent key-value surface the cache needs.
// *state.State satisfies it.
type byteStore interface {
	Blob(name string) ([]byte, error)
	PutBlob(name string, data []byte) error
	DeleteBlob(name string) error
	HasBlob(name string) (bool, error)
}

// Cache is the local fallback copy of the encrypted snapshot. None of
// its methods return errors: failures are logged and treated as "no
// fallback available" so they never block the remote sync path.
type Cache struct {
	store  byteStore
	logger *slog.Logger
}

// New creates a fallback cache over store.
func New(store byteStore, logger *slog.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// Save replaces the cached blob.
func (c *Cache) Save(blob []byte) {
	if err := c.store.PutBlob(blobKey, blob); err != nil {
		c.warn("save", err)
		return
	}

	c.logger.Debug("fallback cache updated", slog.Int("bytes", len(blob)))
}

// Load returns the cached blob, or nil when none exists or it cannot
// be read.
func (c *Cache) Load() []byte {
	blob, err := c.store.Blob(blobKey)
	if err != nil {
		c.warn("load", err)
		return nil
	}

	if len(blob) == 0 {
		return nil
	}

	return blob
}

// Clear removes the cached blob.
func (c *Cache) Clear() {
	if err := c.store.DeleteBlob(blobKey); err != nil {
		c.warn("clear", err)
	}
}

// Exists reports whether a cached blob is present. Read failures
// report false.
func (c *Cache) Exists() bool {
	ok, err := c.store.HasBlob(blobKey)
	if err != nil {
		c.warn("exists", err)
		return false
	}

	return ok
}

func (c *Cache) warn(op string, err error) {
	err = fmt.Errorf("%w: %s: %v", apperrors.ErrLocalCache, op, err)
	c.logger.Warn("fallback cache", slog.String("op", op), slog.String("error", err.Error()))
}
