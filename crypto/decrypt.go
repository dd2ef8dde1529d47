package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrAuthFailure indicates the ciphertext failed authentication: it was
// tampered with or encrypted under a different key. Callers render a
// permanent "cannot decrypt" placeholder for the affected message
// instead of treating this as fatal.
var ErrAuthFailure = errors.New("decryption failed: message authentication failed")

// Decrypt opens a message sealed with the shared secret. On
// authentication failure it returns ErrAuthFailure and never partial
// plaintext.
func Decrypt(ciphertext []byte, nonce Nonce, sharedSecret [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&sharedSecret))
	if !ok {
		return nil, ErrAuthFailure
	}

	return plaintext, nil
}
