package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/crypto"
	"github.com/lumenchat/lumen/transport"
)

// Manager owns the singleton call session and serializes every
// transition under one lock. Signaling RPCs and push events both land
// here; the media engine takes over only after connected.
type Manager struct {
	signaler transport.CallSignaler
	relay    transport.HandshakeRelay
	media    MediaEngine
	keys     *crypto.KeyPair

	session   *Session
	handshake *crypto.Handshake
	ringTimer Timer

	stateCallback func(Session)

	newTimer TimerFactory
	now      func() time.Time

	mu sync.Mutex
}

// NewManager creates the call manager.
func NewManager(signaler transport.CallSignaler, relay transport.HandshakeRelay, media MediaEngine, keys *crypto.KeyPair) (*Manager, error) {
	if signaler == nil {
		return nil, errors.New("call signaler cannot be nil")
	}
	if relay == nil {
		return nil, errors.New("handshake relay cannot be nil")
	}
	if media == nil {
		return nil, errors.New("media engine cannot be nil")
	}
	if keys == nil {
		return nil, errors.New("key pair cannot be nil")
	}

	return &Manager{
		signaler: signaler,
		relay:    relay,
		media:    media,
		keys:     keys,
		newTimer: defaultTimerFactory,
		now:      time.Now,
	}, nil
}

// OnStateChange registers a callback invoked after every session
// transition, including the terminal StateEnded notification.
func (m *Manager) OnStateChange(cb func(Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = cb
}

// ActiveSession returns a copy of the current session, if any.
func (m *Manager) ActiveSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// StartCall places an outbound call. It rejects concurrent calls: at
// most one non-idle session exists at any time.
func (m *Manager) StartCall(ctx context.Context, peerID, peerName string) error {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.session = &Session{State: StateCalling, PeerID: peerID, PeerName: peerName}
	m.notifyLocked()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"peer_id":  peerID,
	}).Info("Placing outbound call")

	if err := m.signaler.StartCall(ctx, peerID); err != nil {
		m.mu.Lock()
		m.teardownLocked("start failed")
		m.mu.Unlock()
		return fmt.Errorf("failed to start call: %w", err)
	}

	m.mu.Lock()
	// Session may already be gone if a teardown event raced the RPC.
	if m.session != nil && m.session.State == StateCalling {
		m.ringTimer = m.newTimer(RingTimeout, func() { m.ringTimeout(peerID, StateCalling) })
	}
	m.mu.Unlock()
	return nil
}

// HandleIncomingCall processes an inbound call signal. While another
// session exists the call is auto-declined as busy; otherwise the
// session enters ringing with a local expiry timer.
func (m *Manager) HandleIncomingCall(peerID, peerName string) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "HandleIncomingCall",
			"peer_id":  peerID,
		}).Info("Busy: declining inbound call during active session")
		// Best effort; the caller's own timeout covers a lost decline.
		if err := m.signaler.DeclineCall(context.Background(), peerID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandleIncomingCall",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Warn("Busy decline failed")
		}
		return
	}

	m.session = &Session{State: StateRinging, PeerID: peerID, PeerName: peerName}
	m.ringTimer = m.newTimer(RingTimeout, func() { m.ringTimeout(peerID, StateRinging) })
	m.notifyLocked()
	m.mu.Unlock()
}

// Accept answers a ringing inbound call: it acknowledges via the
// signaler, then waits for the caller's handshake frame. peerKey is
// the caller's directory key used to authenticate that frame.
func (m *Manager) Accept(ctx context.Context, peerKey [32]byte) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.session.State != StateRinging {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, state)
	}

	peerID := m.session.PeerID
	m.stopTimerLocked()

	handshake, err := crypto.NewHandshake(false, m.keys, peerKey)
	if err != nil {
		m.teardownLocked("handshake setup failed")
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	m.handshake = handshake
	m.session.State = StateConnecting
	m.session.PeerKey = peerKey
	m.notifyLocked()
	m.mu.Unlock()

	if err := m.signaler.AcceptCall(ctx, peerID, m.keys.Public); err != nil {
		m.mu.Lock()
		m.teardownLocked("accept rpc failed")
		m.mu.Unlock()
		return fmt.Errorf("failed to accept call: %w", err)
	}
	return nil
}

// HandleHandshakeFrame consumes the caller's Noise frame on the callee
// side and returns the reply frame. Completing the exchange starts
// media and moves the session to connected.
func (m *Manager) HandleHandshakeFrame(ctx context.Context, peerID string, frame []byte) ([]byte, error) {
	m.mu.Lock()
	if m.session == nil || m.session.PeerID != peerID || m.session.State != StateConnecting || m.handshake == nil {
		m.mu.Unlock()
		return nil, ErrInvalidState
	}
	handshake := m.handshake
	m.mu.Unlock()

	if _, _, err := handshake.ReadMessage(frame); err != nil {
		m.failHandshake(peerID, err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply, session, err := handshake.WriteMessage(nil)
	if err != nil || session == nil {
		m.failHandshake(peerID, err)
		return nil, fmt.Errorf("%w: incomplete exchange", ErrHandshakeFailed)
	}

	if err := m.connect(ctx, peerID, session); err != nil {
		return nil, err
	}
	return reply, nil
}

// HandlePeerAccepted reacts to the callee accepting an outbound call:
// it runs the initiator side of the handshake and starts media.
func (m *Manager) HandlePeerAccepted(ctx context.Context, peerID string, peerKey [32]byte) error {
	m.mu.Lock()
	if m.session == nil || m.session.PeerID != peerID || m.session.State != StateCalling {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.stopTimerLocked()
	m.session.State = StateConnecting
	m.session.PeerKey = peerKey
	m.notifyLocked()
	m.mu.Unlock()

	handshake, err := crypto.NewHandshake(true, m.keys, peerKey)
	if err != nil {
		m.failHandshake(peerID, err)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	frame, _, err := handshake.WriteMessage(nil)
	if err != nil {
		m.failHandshake(peerID, err)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	reply, err := m.relay.ExchangeHandshake(ctx, peerID, frame)
	if err != nil {
		m.failHandshake(peerID, err)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	_, session, err := handshake.ReadMessage(reply)
	if err != nil || session == nil {
		m.failHandshake(peerID, err)
		return fmt.Errorf("%w: incomplete exchange", ErrHandshakeFailed)
	}

	return m.connect(ctx, peerID, session)
}

// connect hands the established session to the media engine and marks
// the call connected.
func (m *Manager) connect(ctx context.Context, peerID string, session *crypto.HandshakeSession) error {
	if err := m.media.Init(ctx, peerID, session); err != nil {
		m.failHandshake(peerID, err)
		return fmt.Errorf("failed to init media session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.PeerID != peerID {
		return ErrInvalidState
	}
	m.handshake = nil
	m.session.State = StateConnected
	m.session.StartedAt = m.now()
	m.notifyLocked()

	logrus.WithFields(logrus.Fields{
		"function": "connect",
		"peer_id":  peerID,
	}).Info("Call connected, media engine active")
	return nil
}

// Decline refuses a ringing inbound call.
func (m *Manager) Decline(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.session.State != StateRinging {
		state := m.session.State
		m.mu.Unlock()
		return fmt.Errorf("%w: decline in %s", ErrInvalidState, state)
	}
	peerID := m.session.PeerID
	m.teardownLocked("declined")
	m.mu.Unlock()

	// Local teardown already happened; the RPC is best effort.
	if err := m.signaler.DeclineCall(ctx, peerID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decline",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Decline RPC failed after local teardown")
	}
	return nil
}

// Hangup ends the current call in any state: cancel while calling,
// end while connecting or connected. Local teardown is unconditional
// even when the network call fails.
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	peerID := m.session.PeerID
	state := m.session.State
	m.teardownLocked("hangup")
	m.mu.Unlock()

	var err error
	switch state {
	case StateCalling:
		err = m.signaler.CancelCall(ctx, peerID)
	case StateRinging:
		err = m.signaler.DeclineCall(ctx, peerID)
	default:
		err = m.signaler.EndCall(ctx, peerID)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hangup",
			"peer_id":  peerID,
			"state":    state.String(),
			"error":    err.Error(),
		}).Warn("Hangup RPC failed after local teardown")
	}
	return nil
}

// HandleRemoteTermination tears the session down on any terminal peer
// event: busy, declined, cancelled, ended, unavailable, disconnected.
// Events for a different peer are ignored.
func (m *Manager) HandleRemoteTermination(peerID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.PeerID != peerID {
		return
	}
	m.teardownLocked(reason)
}

// Shutdown tears down any session without signaling the peer. Used on
// logout.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.teardownLocked("shutdown")
	}
}

// HandleMediaOffer relays a media negotiation offer to the media
// engine while a session with the peer exists.
func (m *Manager) HandleMediaOffer(peerID, sdp string) error {
	if !m.sessionWith(peerID) {
		return ErrNoActiveCall
	}
	return m.media.HandleOffer(peerID, sdp)
}

// HandleMediaAnswer relays a media negotiation answer.
func (m *Manager) HandleMediaAnswer(peerID, sdp string) error {
	if !m.sessionWith(peerID) {
		return ErrNoActiveCall
	}
	return m.media.HandleAnswer(peerID, sdp)
}

// HandleMediaCandidate relays a media transport candidate.
func (m *Manager) HandleMediaCandidate(peerID, candidate string) error {
	if !m.sessionWith(peerID) {
		return ErrNoActiveCall
	}
	return m.media.HandleCandidate(peerID, candidate)
}

func (m *Manager) sessionWith(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.PeerID == peerID
}

// ringTimeout fires when a call rings unanswered. The state check
// makes it a no-op if the session moved on before the timer won the
// race; the timer itself is one-shot.
func (m *Manager) ringTimeout(peerID string, ringState State) {
	m.mu.Lock()
	if m.session == nil || m.session.PeerID != peerID || m.session.State != ringState {
		m.mu.Unlock()
		return
	}
	m.teardownLocked("ring timeout")
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ringTimeout",
		"peer_id":  peerID,
		"state":    ringState.String(),
	}).Info("Call rang out")

	if ringState == StateCalling {
		if err := m.signaler.CancelCall(context.Background(), peerID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ringTimeout",
				"peer_id":  peerID,
				"error":    err.Error(),
			}).Warn("Cancel RPC failed after ring timeout")
		}
	}
}

// failHandshake tears the session down after a handshake error.
func (m *Manager) failHandshake(peerID string, cause error) {
	fields := logrus.Fields{
		"function": "failHandshake",
		"peer_id":  peerID,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	logrus.WithFields(fields).Error("Call handshake failed, tearing down")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.PeerID != peerID {
		return
	}
	m.teardownLocked("handshake failed")
}

// teardownLocked destroys the session: timer stopped, media closed
// best-effort, observers notified with the terminal state. Callers
// must hold m.mu.
func (m *Manager) teardownLocked(reason string) {
	m.stopTimerLocked()
	m.handshake = nil
	if m.session == nil {
		return
	}

	peerID := m.session.PeerID
	if err := m.media.Close(peerID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "teardownLocked",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Media close failed during teardown")
	}

	m.session.State = StateEnded
	m.notifyLocked()
	m.session = nil

	logrus.WithFields(logrus.Fields{
		"function": "teardownLocked",
		"peer_id":  peerID,
		"reason":   reason,
	}).Info("Call session destroyed")
}

func (m *Manager) stopTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// notifyLocked invokes the state callback with a copy of the session.
// Callers must hold m.mu.
func (m *Manager) notifyLocked() {
	if m.stateCallback != nil && m.session != nil {
		m.stateCallback(*m.session)
	}
}
