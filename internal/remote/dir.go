package remote

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/ledger-sync/internal/session"
)

const (
	dirStorePerm  = fs.FileMode(0o700)
	dirBlobPerm   = fs.FileMode(0o600)
	tmpBlobSuffix = ".tmp"
)

// DirStore keeps the blob as a file in a directory, typically one
// mirrored by a desktop sync client. Permission errors are reported as
// authorization failures.
type DirStore struct {
	dir      string
	fileName string
	notifier reauthNotifier
	logger   *slog.Logger
}

var _ BlobStore = (*DirStore)(nil)

// NewDirStore creates a directory-backed blob store. An empty fileName
// uses DefaultFileName. notifier may be nil.
func NewDirStore(dir, fileName string, notifier reauthNotifier, logger *slog.Logger) *DirStore {
	if fileName == "" {
		fileName = DefaultFileName
	}

	return &DirStore{dir: dir, fileName: fileName, notifier: notifier, logger: logger}
}

func (d *DirStore) path() string {
	return filepath.Join(d.dir, d.fileName)
}

// Find stats the blob file.
func (d *DirStore) Find(_ context.Context) (*FileHandle, error) {
	info, err := os.Stat(d.path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, d.wrap("find", err)
	}

	return &FileHandle{ID: d.fileName, Name: d.fileName, ModifiedTime: info.ModTime().UTC()}, nil
}

// Download reads the blob file.
func (d *DirStore) Download(_ context.Context, h FileHandle) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, filepath.Base(h.ID)))
	if err != nil {
		return nil, d.wrap("download", err)
	}

	return data, nil
}

// Upload writes the blob atomically via a temp file and rename. The
// handle is ignored beyond its presence: the directory only ever holds
// one blob name.
func (d *DirStore) Upload(_ context.Context, data []byte, _ *FileHandle) (*FileHandle, error) {
	if err := os.MkdirAll(d.dir, dirStorePerm); err != nil {
		return nil, d.wrap("upload", err)
	}

	tmp := d.path() + tmpBlobSuffix
	if err := os.WriteFile(tmp, data, dirBlobPerm); err != nil {
		return nil, d.wrap("upload", err)
	}

	if err := os.Rename(tmp, d.path()); err != nil {
		_ = os.Remove(tmp)
		return nil, d.wrap("upload", err)
	}

	info, err := os.Stat(d.path())
	if err != nil {
		return nil, d.wrap("upload", err)
	}

	return &FileHandle{ID: d.fileName, Name: d.fileName, ModifiedTime: info.ModTime().UTC()}, nil
}

// Delete removes the blob file. A missing file is not an error.
func (d *DirStore) Delete(_ context.Context, h FileHandle) error {
	err := os.Remove(filepath.Join(d.dir, filepath.Base(h.ID)))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return d.wrap("delete", err)
}

func (d *DirStore) wrap(op string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		se := &StatusError{Op: op, Body: err.Error(), Auth: true}

		d.logger.Warn("remote directory not accessible", slog.String("op", op), slog.String("dir", d.dir))

		if d.notifier != nil {
			d.notifier.ReauthRequired(session.ReauthEvent{Op: op})
		}

		return se
	}

	if errors.Is(err, fs.ErrNotExist) {
		return &StatusError{Op: op, Status: 404, Body: err.Error()}
	}

	return &StatusError{Op: op, Body: err.Error()}
}
