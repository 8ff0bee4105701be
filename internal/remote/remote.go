// Package remote talks to the user-owned location holding the single
// encrypted ledger blob. Every implementation locates, downloads,
// uploads and deletes exactly one named blob and reports authorization
// failures distinctly from other errors. Nothing here retries; retry
// policy belongs to the caller.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/session"
)

//go:generate mockgen -destination=../syncer/mock_blobstore_test.go -package=syncer github.com/alexjbarnes/ledger-sync/internal/remote BlobStore

// DefaultFileName is the blob name used when none is configured.
const DefaultFileName = "ledger.enc"

// FileHandle identifies the remote blob.
type FileHandle struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModifiedTime time.Time `json:"modified_time"`
}

// BlobStore is the remote single-blob store.
type BlobStore interface {
	// Find returns the blob's handle, or nil when it does not exist.
	Find(ctx context.Context) (*FileHandle, error)
	// Download returns the blob's bytes.
	Download(ctx context.Context, h FileHandle) ([]byte, error)
	// Upload creates the blob when existing is nil and replaces it in
	// place otherwise.
	Upload(ctx context.Context, data []byte, existing *FileHandle) (*FileHandle, error)
	// Delete removes the blob. A missing blob is not an error.
	Delete(ctx context.Context, h FileHandle) error
}

// reauthNotifier receives reauthentication events. *session.Notifier
// satisfies it.
type reauthNotifier interface {
	ReauthRequired(ev session.ReauthEvent)
}

// StatusError is a failed remote operation. It matches ErrAuthFailure
// for 401/403 (and for credential failures before a request is sent,
// reported as status 0 with Auth set) and ErrRemoteStore otherwise.
type StatusError struct {
	Op     string
	Status int
	Body   string
	Auth   bool
}

func (e *StatusError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Body)
	}

	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}

	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Auth {
		return apperrors.ErrAuthFailure
	}

	return apperrors.ErrRemoteStore
}

func newStatusError(op string, status int, body string) *StatusError {
	return &StatusError{
		Op:     op,
		Status: status,
		Body:   body,
		Auth:   isAuthStatus(status),
	}
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuthFailure reports whether err is a remote authorization failure.
func IsAuthFailure(err error) bool {
	return errors.Is(err, apperrors.ErrAuthFailure)
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
