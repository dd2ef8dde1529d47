package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used once per encryption under a given key.
type Nonce [24]byte

// MaxMessageSize limits plaintext size (1MB) to prevent excessive
// memory usage.
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals a message with the shared secret using authenticated
// symmetric encryption. A fresh random nonce is generated on every call
// and returned alongside the ciphertext; the nonce is never derived
// from a counter, so reuse under the same key cannot occur across
// restarts.
func Encrypt(plaintext []byte, sharedSecret [32]byte) ([]byte, Nonce, error) {
	if len(plaintext) == 0 {
		return nil, Nonce{}, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, Nonce{}, errors.New("message too large")
	}
	if isZeroKey(sharedSecret) {
		return nil, Nonce{}, errors.New("invalid shared secret: all zeros")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}

	ciphertext := secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), (*[32]byte)(&sharedSecret))
	return ciphertext, nonce, nil
}
