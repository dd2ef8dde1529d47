// Package call implements the voice-call signaling state machine for
// the Lumen client. It sequences ring, accept, handshake, connect and
// teardown, runs the Noise handshake with the peer, and hands the
// established session to an external media engine. Media quality,
// renegotiation and codecs are the media engine's concern.
package call

import (
	"context"
	"time"

	"github.com/lumenchat/lumen/crypto"
)

// State is the lifecycle state of the call session.
type State uint8

const (
	// StateIdle means no call session exists.
	StateIdle State = iota
	// StateCalling means an outbound call is ringing at the peer.
	StateCalling
	// StateRinging means an inbound call awaits the local user.
	StateRinging
	// StateConnecting means the call was accepted and the handshake is
	// in progress.
	StateConnecting
	// StateConnected means media exchange has begun.
	StateConnected
	// StateEnded is the terminal state reported to observers before
	// the session is destroyed.
	StateEnded
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// RingTimeout bounds how long an unanswered call rings. The inbound
// side is also enforced server-side; the local timer keeps the UI from
// ringing forever if that enforcement is missed.
const RingTimeout = 30 * time.Second

// Session is the at-most-one active call. StartedAt is set only when
// the call reaches connected.
type Session struct {
	State     State
	PeerID    string
	PeerName  string
	PeerKey   [32]byte
	StartedAt time.Time
}

// MediaEngine is the external collaborator that owns audio transport
// once signaling completes. The manager hands it the peer and the
// handshake session and steps aside.
type MediaEngine interface {
	// Init starts media exchange with the peer, keyed by the transport
	// ciphers the handshake established.
	Init(ctx context.Context, peerID string, session *crypto.HandshakeSession) error

	// HandleOffer, HandleAnswer and HandleCandidate relay media
	// negotiation payloads pushed by the transport.
	HandleOffer(peerID, sdp string) error
	HandleAnswer(peerID, sdp string) error
	HandleCandidate(peerID, candidate string) error

	// Close releases media resources for the peer. Best effort.
	Close(peerID string) error
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// TimerFactory creates a timer that fires f once after d. Replaceable
// for deterministic tests.
type TimerFactory func(d time.Duration, f func()) Timer

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }

func defaultTimerFactory(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}
