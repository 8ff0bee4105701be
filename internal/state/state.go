package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	blobBucket = []byte("blobs")
	syncBucket = []byte("sync")
	syncKey    = []byte("meta")
)

// SyncMeta is the sync bookkeeping that lives outside the ledger
// snapshot, so importing a snapshot never overwrites it.
type SyncMeta struct {
	RemoteFileID   string    `json:"remote_file_id"`
	RemoteModified time.Time `json:"remote_modified"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	// Unsynced is set when the fallback cache was written with a blob
	// that never reached the remote store.
	Unsynced bool `json:"unsynced"`
}

// State wraps a bbolt database holding the fallback blob and sync
// bookkeeping.
type State struct {
	db *bolt.DB
}

// Open opens the state database at path, creating it and its parent
// directory if needed.
func Open(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(syncBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Blob returns a copy of the named blob, or nil if it does not exist.
func (s *State) Blob(name string) ([]byte, error) {
	var out []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(name))
		if v != nil {
			// bbolt values are only valid for the life of the transaction.
			out = append([]byte{}, v...)
		}

		return nil
	})

	return out, err
}

// PutBlob stores data under name, replacing any previous value.
func (s *State) PutBlob(name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put([]byte(name), data)
	})
}

// DeleteBlob removes the named blob. Missing blobs are not an error.
func (s *State) DeleteBlob(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete([]byte(name))
	})
}

// HasBlob reports whether a blob with the given name exists.
func (s *State) HasBlob(name string) (bool, error) {
	var ok bool

	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(blobBucket).Get([]byte(name)) != nil
		return nil
	})

	return ok, err
}

// SyncMeta returns the stored sync bookkeeping, zero-valued if none.
func (s *State) SyncMeta() (SyncMeta, error) {
	var m SyncMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get(syncKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &m)
	})

	return m, err
}

// SetSyncMeta replaces the stored sync bookkeeping.
func (s *State) SetSyncMeta(m SyncMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return tx.Bucket(syncBucket).Put(syncKey, data)
	})
}

// UpdateSyncMeta applies fn to the stored bookkeeping inside a single
// write transaction.
func (s *State) UpdateSyncMeta(fn func(*SyncMeta)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncBucket)

		var m SyncMeta
		if v := b.Get(syncKey); v != nil {
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
		}

		fn(&m)

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put(syncKey, data)
	})
}
