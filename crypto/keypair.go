// Package crypto implements the cryptographic engine for the Lumen client.
//
// This package handles identity key generation and persistence, shared
// secret derivation, and authenticated encryption using the NaCl
// constructions from Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.LoadOrGenerateKeyPair(filepath.Join(dataDir, "identity.key"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents the device's long-term Curve25519 identity key pair.
// The private half never leaves the device; the public half is published
// to the key directory keyed by identity id.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing private key by
// deriving the matching public half.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], publicKey)
	return keyPair, nil
}

// keyFileSize is the on-disk size of a persisted key pair: private
// half followed by public half.
const keyFileSize = 64

// LoadOrGenerateKeyPair loads the identity key pair from path, generating
// and persisting a fresh one on first run. The key file is written with
// owner-only permissions and holds the raw private and public halves.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keyFileSize {
			return nil, fmt.Errorf("invalid key file size: got %d, want %d", len(data), keyFileSize)
		}
		var secret [32]byte
		copy(secret[:], data[:32])
		ZeroBytes(data)
		return FromSecretKey(secret)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	buf := make([]byte, 0, keyFileSize)
	buf = append(buf, keyPair.Private[:]...)
	buf = append(buf, keyPair.Public[:]...)
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		ZeroBytes(buf)
		return nil, fmt.Errorf("failed to persist key pair: %w", err)
	}
	ZeroBytes(buf)

	return keyPair, nil
}

// Fingerprint returns a short hex digest of a public key, used for
// logging and as part of the shared-secret cache key so that a rotated
// peer key never hits a stale cache entry.
func Fingerprint(publicKey [32]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:8])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
