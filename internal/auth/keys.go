// Package auth protects the control surface with bearer API keys. Keys
// are configured as bcrypt hashes, so the plain key never needs to be
// stored on the host running the daemon.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes liftsync keys from other bearer tokens.
	APIKeyPrefix = "ls_"

	// apiKeyBytes is the random part of a generated key.
	apiKeyBytes = 24

	// APIKeyMinLen is the shortest key accepted.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// GenerateAPIKey returns a new random key with the liftsync prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// HashAPIKey returns the bcrypt hash to configure for key.
func HashAPIKey(key string) (string, error) {
	if err := ValidateKeyFormat(key); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing key: %w", err)
	}

	return string(hash), nil
}

// ValidateKeyFormat checks the prefix and length of a plain key.
func ValidateKeyFormat(key string) error {
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

// KeyEntry is one configured key: the user it identifies and its bcrypt
// hash.
type KeyEntry struct {
	UserID string
	Hash   string
}

// Keyring verifies presented keys against the configured hashes.
// Successful verifications are remembered by SHA-256 digest so bcrypt
// runs once per key rather than once per request.
type Keyring struct {
	entries []KeyEntry

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string
}

// NewKeyring builds a keyring. Every hash must be a bcrypt hash.
func NewKeyring(entries []KeyEntry) (*Keyring, error) {
	for i, e := range entries {
		if e.UserID == "" {
			return nil, fmt.Errorf("key entry %d has no user", i+1)
		}

		if _, err := bcrypt.Cost([]byte(e.Hash)); err != nil {
			return nil, fmt.Errorf("key entry %d for %q is not a bcrypt hash: %w", i+1, e.UserID, err)
		}
	}

	return &Keyring{
		entries:  append([]KeyEntry(nil), entries...),
		verified: make(map[[sha256.Size]byte]string),
	}, nil
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	return len(k.entries)
}

// Verify returns the user a key belongs to.
func (k *Keyring) Verify(key string) (string, bool) {
	if ValidateKeyFormat(key) != nil {
		return "", false
	}

	digest := sha256.Sum256([]byte(key))

	k.mu.RLock()
	user, ok := k.verified[digest]
	k.mu.RUnlock()

	if ok {
		return user, true
	}

	for _, e := range k.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(key)) == nil {
			k.mu.Lock()
			k.verified[digest] = e.UserID
			k.mu.Unlock()

			return e.UserID, true
		}
	}

	return "", false
}
