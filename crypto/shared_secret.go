package crypto

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519. The result is a
// pure function of the key material: (my private, their public) and
// (their private, my public) derive the identical secret.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":         "DeriveSharedSecret",
		"peer_fingerprint": Fingerprint(peerPublicKey),
	}).Debug("Computing shared secret using ECDH")

	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}

// secretCacheKey identifies a cached shared secret. Including the peer
// key fingerprint means a peer that rotates keys mid-session misses the
// cache and forces a fresh derivation instead of decrypting against a
// stale secret.
type secretCacheKey struct {
	peerID      string
	fingerprint string
}

// SecretCache memoizes per-peer shared secrets for the session.
// It is cleared in full on logout.
type SecretCache struct {
	keyPair *KeyPair
	secrets map[secretCacheKey][32]byte

	mu sync.RWMutex
}

// NewSecretCache creates a shared-secret cache bound to the local
// identity key pair.
func NewSecretCache(keyPair *KeyPair) (*SecretCache, error) {
	if keyPair == nil {
		return nil, fmt.Errorf("key pair cannot be nil")
	}
	return &SecretCache{
		keyPair: keyPair,
		secrets: make(map[secretCacheKey][32]byte),
	}, nil
}

// SharedSecret returns the symmetric key for the peer, deriving and
// caching it on first use for that (peer, public key) combination.
func (sc *SecretCache) SharedSecret(peerID string, peerPublicKey [32]byte) ([32]byte, error) {
	if isZeroKey(peerPublicKey) {
		return [32]byte{}, fmt.Errorf("invalid peer public key: all zeros")
	}

	key := secretCacheKey{peerID: peerID, fingerprint: Fingerprint(peerPublicKey)}

	sc.mu.RLock()
	secret, ok := sc.secrets[key]
	sc.mu.RUnlock()
	if ok {
		return secret, nil
	}

	secret, err := DeriveSharedSecret(peerPublicKey, sc.keyPair.Private)
	if err != nil {
		return [32]byte{}, err
	}

	sc.mu.Lock()
	sc.secrets[key] = secret
	sc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":         "SharedSecret",
		"peer_id":          peerID,
		"peer_fingerprint": key.fingerprint,
	}).Debug("Shared secret derived and cached")

	return secret, nil
}

// Cached reports whether a secret is already derived for the peer and
// key, without deriving one.
func (sc *SecretCache) Cached(peerID string, peerPublicKey [32]byte) bool {
	key := secretCacheKey{peerID: peerID, fingerprint: Fingerprint(peerPublicKey)}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	_, ok := sc.secrets[key]
	return ok
}

// Clear wipes every cached secret. Called on logout.
func (sc *SecretCache) Clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for key, secret := range sc.secrets {
		ZeroBytes(secret[:])
		delete(sc.secrets, key)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Shared secret cache cleared")
}
