package lumen

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/transport"
)

// peerKeyCache memoizes directory lookups of peer public keys. It
// implements store.KeyResolver for the message store (cache-only, no
// network) and performs the one-time fetch for the engine.
type peerKeyCache struct {
	directory transport.KeyDirectory

	keys     map[string][32]byte
	inflight map[string]bool

	mu sync.Mutex
}

func newPeerKeyCache(directory transport.KeyDirectory) *peerKeyCache {
	return &peerKeyCache{
		directory: directory,
		keys:      make(map[string][32]byte),
		inflight:  make(map[string]bool),
	}
}

// ResolveKey returns the cached key for a peer. It never fetches.
func (p *peerKeyCache) ResolveKey(peerID string) ([32]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.keys[peerID]
	return key, ok
}

// fetchOnce returns the peer's key, fetching from the directory on
// first use.
func (p *peerKeyCache) fetchOnce(ctx context.Context, peerID string) ([32]byte, error) {
	p.mu.Lock()
	if key, ok := p.keys[peerID]; ok {
		p.mu.Unlock()
		return key, nil
	}
	p.mu.Unlock()

	key, err := p.directory.FetchPeerPublicKey(ctx, peerID)
	if err != nil {
		return [32]byte{}, err
	}

	p.mu.Lock()
	p.keys[peerID] = key
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "fetchOnce",
		"peer_id":  peerID,
	}).Debug("Peer public key resolved")
	return key, nil
}

// fetchAsync kicks off a single background fetch for a peer whose key
// is missing, deduplicating concurrent requests. Used by the
// pending-decrypt placeholder path.
func (p *peerKeyCache) fetchAsync(ctx context.Context, peerID string) {
	if peerID == "" {
		return
	}

	p.mu.Lock()
	if _, ok := p.keys[peerID]; ok || p.inflight[peerID] {
		p.mu.Unlock()
		return
	}
	p.inflight[peerID] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, peerID)
			p.mu.Unlock()
		}()
		if _, err := p.fetchOnce(ctx, peerID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "fetchAsync",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Warn("Background key fetch failed")
		}
	}()
}

// clear drops every resolved key. Called on logout.
func (p *peerKeyCache) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = make(map[string][32]byte)
}
