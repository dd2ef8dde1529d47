package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"
)

// Handshake manages a Noise-IK handshake with a call peer. The
// initiator must already know the responder's static public key (from
// the key directory), which is what IK provides: mutual authentication
// in a single round trip before any media flows.
type Handshake struct {
	handshake *noise.HandshakeState
	initiator bool
	peerKey   [32]byte
	completed bool
	started   time.Time
}

// HandshakeSession holds the transport ciphers established by a
// completed handshake, handed to the media layer for frame protection.
type HandshakeSession struct {
	SendCipher  *noise.CipherState
	RecvCipher  *noise.CipherState
	PeerKey     [32]byte
	Established time.Time
}

// NewHandshake creates a Noise-IK handshake state. The initiator is the
// caller; the responder is the callee.
func NewHandshake(initiator bool, localKeys *KeyPair, peerPublicKey [32]byte) (*Handshake, error) {
	if localKeys == nil {
		return nil, errors.New("local key pair cannot be nil")
	}
	if isZeroKey(peerPublicKey) {
		return nil, errors.New("invalid peer public key: all zeros")
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cs,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: localKeys.Private[:],
			Public:  localKeys.Public[:],
		},
		PeerStatic: peerPublicKey[:],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &Handshake{
		handshake: hs,
		initiator: initiator,
		peerKey:   peerPublicKey,
		started:   time.Now(),
	}, nil
}

// WriteMessage produces the next handshake frame to send. When the
// exchange completes on a write, the established session is returned.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, *HandshakeSession, error) {
	if h.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	frame, cs1, cs2, err := h.handshake.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		h.completed = true
		return frame, h.newSession(cs1, cs2), nil
	}

	return frame, nil, nil
}

// ReadMessage consumes a received handshake frame. When the exchange
// completes on a read, the established session is returned.
func (h *Handshake) ReadMessage(frame []byte) ([]byte, *HandshakeSession, error) {
	if h.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	payload, cs1, cs2, err := h.handshake.ReadMessage(nil, frame)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		h.completed = true
		return payload, h.newSession(cs1, cs2), nil
	}

	return payload, nil, nil
}

// Completed returns whether the handshake has finished.
func (h *Handshake) Completed() bool {
	return h.completed
}

func (h *Handshake) newSession(cs1, cs2 *noise.CipherState) *HandshakeSession {
	session := &HandshakeSession{
		PeerKey:     h.peerKey,
		Established: time.Now(),
	}
	// By Noise convention cs1 encrypts initiator-to-responder traffic.
	if h.initiator {
		session.SendCipher = cs1
		session.RecvCipher = cs2
	} else {
		session.SendCipher = cs2
		session.RecvCipher = cs1
	}
	return session
}
