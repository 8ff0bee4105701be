// Package crypto derives the per-user snapshot key and seals ledger
// snapshots with AES-256-GCM. Sealed blobs are laid out as
// [12-byte nonce][ciphertext+16-byte tag].
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// KeyLen is the derived key length in bytes (256 bits).
	KeyLen = 32

	// NonceLen is the GCM nonce length prepended to every blob.
	NonceLen = 12

	// TagLen is the GCM authentication tag length appended by Seal.
	TagLen = 16

	// pbkdf2Iterations is fixed so every device derives the same key.
	pbkdf2Iterations = 100_000

	// fingerprintLen is the number of HKDF bytes exposed as a key
	// fingerprint (hex encoded, so twice as many characters).
	fingerprintLen = 8
)

// keySalt is shared by every user. It must stay constant: the key is
// re-derived on each device from the identity alone and no per-user
// salt is stored anywhere.
var keySalt = []byte("ledger-sync/snapshot-key/v1")

// Key is a derived snapshot key. The raw key bytes are not retained or
// exposed; only the AEAD built from them is.
type Key struct {
	gcm         cipher.AEAD
	fingerprint string
}

// DeriveKey derives the snapshot key for a user identity with
// PBKDF2-HMAC-SHA256. The identity is NFKC-normalized first. The same
// identity always yields the same key.
func DeriveKey(identity string) (*Key, error) {
	identity = norm.NFKC.String(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: empty user identity", apperrors.ErrKeyDerivation)
	}

	raw := pbkdf2.Key([]byte(identity), keySalt, pbkdf2Iterations, KeyLen, sha256.New)
	defer zero(raw)

	return newKey(raw)
}

func newKey(raw []byte) (*Key, error) {
	if len(raw) != KeyLen {
		return nil, fmt.Errorf("%w: invalid key length %d", apperrors.ErrKeyDerivation, len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AES cipher: %v", apperrors.ErrKeyDerivation, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", apperrors.ErrKeyDerivation, err)
	}

	fp := make([]byte, fingerprintLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte("ledger-sync fingerprint")), fp); err != nil {
		return nil, fmt.Errorf("%w: deriving fingerprint: %v", apperrors.ErrKeyDerivation, err)
	}

	return &Key{gcm: gcm, fingerprint: hex.EncodeToString(fp)}, nil
}

// Fingerprint returns a short hex identifier of the key, safe to log.
// Two devices with the same fingerprint derived the same key.
func (k *Key) Fingerprint() string {
	return k.fingerprint
}

// Encrypt seals plaintext under a fresh random nonce.
// Returns [12-byte nonce][ciphertext+tag].
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceLen, NonceLen+len(plaintext)+TagLen)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return k.gcm.Seal(out, out[:NonceLen], plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. It returns
// ErrMalformedBlob when the blob cannot hold a nonce and tag, and
// ErrAuthenticationFailure when the tag does not verify.
func (k *Key) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < NonceLen+TagLen {
		return nil, fmt.Errorf("%w: %d bytes", apperrors.ErrMalformedBlob, len(blob))
	}

	plain, err := k.gcm.Open(nil, blob[:NonceLen], blob[NonceLen:], nil)
	if err != nil {
		return nil, apperrors.ErrAuthenticationFailure
	}

	return plain, nil
}

func zero(b []byte) {
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
