// Package security provides api-key hashing for agent authentication.
//
// Each agent is issued a bearer credential out of band; the broker stores
// only a salted scrypt hash, never the plaintext.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	keySize   = 32
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
)

// HashedKey is the salt+derived-key pair persisted for an api-key.
type HashedKey struct {
	Salt []byte
	Hash []byte
}

// NewAPIKey generates a fresh random bearer credential and its hash.
// The returned plaintext is shown to the operator exactly once.
func NewAPIKey() (plaintext string, hashed HashedKey, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", HashedKey{}, fmt.Errorf("security: generate key: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)

	hashed, err = HashAPIKey(plaintext)
	if err != nil {
		return "", HashedKey{}, err
	}
	return plaintext, hashed, nil
}

// HashAPIKey derives a HashedKey from a plaintext credential using a fresh salt.
func HashAPIKey(plaintext string) (HashedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return HashedKey{}, fmt.Errorf("security: generate salt: %w", err)
	}

	hash, err := scrypt.Key([]byte(plaintext), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return HashedKey{}, fmt.Errorf("security: derive key: %w", err)
	}

	return HashedKey{Salt: salt, Hash: hash}, nil
}

// Verify checks plaintext against a stored HashedKey in constant time.
func Verify(plaintext string, stored HashedKey) (bool, error) {
	candidate, err := scrypt.Key([]byte(plaintext), stored.Salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return false, fmt.Errorf("security: derive key: %w", err)
	}
	return subtle.ConstantTimeCompare(candidate, stored.Hash) == 1, nil
}

// EncodeHashedKey serializes a HashedKey for storage as two base64 columns.
func EncodeHashedKey(h HashedKey) (salt, hash string) {
	return base64.StdEncoding.EncodeToString(h.Salt), base64.StdEncoding.EncodeToString(h.Hash)
}

// DecodeHashedKey reverses EncodeHashedKey.
func DecodeHashedKey(salt, hash string) (HashedKey, error) {
	s, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return HashedKey{}, fmt.Errorf("security: decode salt: %w", err)
	}
	h, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return HashedKey{}, fmt.Errorf("security: decode hash: %w", err)
	}
	return HashedKey{Salt: s, Hash: h}, nil
}
