// Package auth authenticates requests to the MCP endpoint with static
// API keys. Keys are held only as SHA-256 hashes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const (
	// APIKeyPrefix marks ledger-sync API keys.
	APIKeyPrefix = "ls_"

	// apiKeyRandomBytes is the entropy of generated keys.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the shortest accepted key: the prefix plus 16
	// random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// KeyStore maps API key hashes to user IDs. It is safe for concurrent
// use.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[[sha256.Size]byte]string
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[[sha256.Size]byte]string)}
}

// Add registers key for userID.
func (s *KeyStore) Add(userID, key string) error {
	if err := CheckAPIKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[sha256.Sum256([]byte(key))] = userID

	return nil
}

// Len returns the number of registered keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.keys)
}

// Validate returns the user owning key.
func (s *KeyStore) Validate(key string) (string, bool) {
	sum := sha256.Sum256([]byte(key))

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.keys[sum]

	return user, ok
}

// CheckAPIKey reports whether key is well formed.
func CheckAPIKey(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() string {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return APIKeyPrefix + hex.EncodeToString(b)
}
