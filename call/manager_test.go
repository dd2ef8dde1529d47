package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenchat/lumen/crypto"
)

// mockSignaler records call-control RPCs.
type mockSignaler struct {
	mu       sync.Mutex
	started  []string
	accepted []string
	declined []string
	canceled []string
	ended    []string
	err      error
}

func (s *mockSignaler) StartCall(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, peerID)
	return s.err
}

func (s *mockSignaler) AcceptCall(ctx context.Context, peerID string, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, peerID)
	return s.err
}

func (s *mockSignaler) DeclineCall(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined = append(s.declined, peerID)
	return s.err
}

func (s *mockSignaler) CancelCall(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, peerID)
	return s.err
}

func (s *mockSignaler) EndCall(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, peerID)
	return s.err
}

// mockRelay plays the responder side of the Noise exchange using the
// callee's keys, as the real transport would relay to the peer.
type mockRelay struct {
	calleeKeys *crypto.KeyPair
	callerPub  [32]byte
	err        error
}

func (r *mockRelay) ExchangeHandshake(ctx context.Context, peerID string, frame []byte) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	responder, err := crypto.NewHandshake(false, r.calleeKeys, r.callerPub)
	if err != nil {
		return nil, err
	}
	if _, _, err := responder.ReadMessage(frame); err != nil {
		return nil, err
	}
	reply, session, err := responder.WriteMessage(nil)
	if err != nil || session == nil {
		return nil, errors.New("responder exchange incomplete")
	}
	return reply, nil
}

// mockMedia records hand-offs from the manager.
type mockMedia struct {
	mu         sync.Mutex
	inits      []string
	closes     []string
	offers     []string
	initErr    error
	lastOffer  string
	lastAnswer string
}

func (m *mockMedia) Init(ctx context.Context, peerID string, session *crypto.HandshakeSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return m.initErr
	}
	m.inits = append(m.inits, peerID)
	return nil
}

func (m *mockMedia) HandleOffer(peerID, sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, peerID)
	m.lastOffer = sdp
	return nil
}

func (m *mockMedia) HandleAnswer(peerID, sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAnswer = sdp
	return nil
}

func (m *mockMedia) HandleCandidate(peerID, candidate string) error { return nil }

func (m *mockMedia) Close(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, peerID)
	return nil
}

// manualTimer lets tests fire the ring timeout deterministically.
type manualTimer struct {
	fire    func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return true
}

type callFixture struct {
	manager  *Manager
	signaler *mockSignaler
	media    *mockMedia
	keys     *crypto.KeyPair
	peerKeys *crypto.KeyPair
	timers   []*manualTimer
	states   []State
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &callFixture{
		signaler: &mockSignaler{},
		media:    &mockMedia{},
		keys:     keys,
		peerKeys: peerKeys,
	}

	relay := &mockRelay{calleeKeys: peerKeys, callerPub: keys.Public}
	manager, err := NewManager(f.signaler, relay, f.media, keys)
	require.NoError(t, err)

	manager.newTimer = func(d time.Duration, fire func()) Timer {
		timer := &manualTimer{fire: fire}
		f.timers = append(f.timers, timer)
		return timer
	}
	manager.OnStateChange(func(s Session) { f.states = append(f.states, s.State) })

	f.manager = manager
	return f
}

func TestStartCallRejectsConcurrentCalls(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))

	session, ok := f.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, StateCalling, session.State)

	err := f.manager.StartCall(context.Background(), "peer-2", "Bob")
	assert.ErrorIs(t, err, ErrCallInProgress)
}

func TestStartCallRPCFailureTearsDown(t *testing.T) {
	f := newCallFixture(t)
	f.signaler.err = errors.New("network down")

	err := f.manager.StartCall(context.Background(), "peer-1", "Alice")
	assert.Error(t, err)

	_, ok := f.manager.ActiveSession()
	assert.False(t, ok, "failed start must leave no session")
}

func TestOutboundRingTimeoutFiresExactlyOnce(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))
	require.Len(t, f.timers, 1)

	f.timers[0].fire()
	_, ok := f.manager.ActiveSession()
	assert.False(t, ok, "ring timeout returns to idle")
	assert.Equal(t, []string{"peer-1"}, f.signaler.canceled)

	// A stale second fire is a no-op.
	f.timers[0].fire()
	assert.Equal(t, []string{"peer-1"}, f.signaler.canceled)
}

func TestOutboundAcceptHandshakeConnects(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))

	err := f.manager.HandlePeerAccepted(context.Background(), "peer-1", f.peerKeys.Public)
	require.NoError(t, err)

	session, ok := f.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, StateConnected, session.State)
	assert.False(t, session.StartedAt.IsZero(), "StartedAt set on connected")
	assert.Equal(t, []string{"peer-1"}, f.media.inits)
	assert.True(t, f.timers[0].stopped, "accept cancels the ring timer")
	assert.Contains(t, f.states, StateConnecting)
}

func TestOutboundHandshakeFailureTearsDown(t *testing.T) {
	f := newCallFixture(t)
	f.manager.relay = &mockRelay{err: errors.New("relay unreachable")}

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))

	err := f.manager.HandlePeerAccepted(context.Background(), "peer-1", f.peerKeys.Public)
	assert.ErrorIs(t, err, ErrHandshakeFailed)

	_, ok := f.manager.ActiveSession()
	assert.False(t, ok, "handshake failure destroys the session")
	assert.Equal(t, []string{"peer-1"}, f.media.closes)
}

func TestInboundAcceptFlowConnects(t *testing.T) {
	f := newCallFixture(t)

	f.manager.HandleIncomingCall("peer-1", "Alice")
	session, ok := f.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, StateRinging, session.State)

	require.NoError(t, f.manager.Accept(context.Background(), f.peerKeys.Public))
	session, _ = f.manager.ActiveSession()
	assert.Equal(t, StateConnecting, session.State)
	assert.Equal(t, []string{"peer-1"}, f.signaler.accepted)

	// The caller's first Noise frame arrives; the reply completes it.
	caller, err := crypto.NewHandshake(true, f.peerKeys, f.keys.Public)
	require.NoError(t, err)
	frame, _, err := caller.WriteMessage(nil)
	require.NoError(t, err)

	reply, err := f.manager.HandleHandshakeFrame(context.Background(), "peer-1", frame)
	require.NoError(t, err)
	_, callerSession, err := caller.ReadMessage(reply)
	require.NoError(t, err)
	assert.NotNil(t, callerSession)

	session, _ = f.manager.ActiveSession()
	assert.Equal(t, StateConnected, session.State)
	assert.False(t, session.StartedAt.IsZero())
}

func TestInboundCallWhileBusyIsDeclined(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))
	f.manager.HandleIncomingCall("peer-2", "Bob")

	session, ok := f.manager.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "peer-1", session.PeerID, "existing session untouched")
	assert.Equal(t, []string{"peer-2"}, f.signaler.declined)
}

func TestInboundRingTimeoutReturnsToIdle(t *testing.T) {
	f := newCallFixture(t)

	f.manager.HandleIncomingCall("peer-1", "Alice")
	require.Len(t, f.timers, 1)

	f.timers[0].fire()
	_, ok := f.manager.ActiveSession()
	assert.False(t, ok)
	assert.Empty(t, f.signaler.canceled, "inbound expiry sends no cancel")
}

func TestDeclineRefusesRingingCall(t *testing.T) {
	f := newCallFixture(t)

	f.manager.HandleIncomingCall("peer-1", "Alice")
	require.NoError(t, f.manager.Decline(context.Background()))

	_, ok := f.manager.ActiveSession()
	assert.False(t, ok)
	assert.Equal(t, []string{"peer-1"}, f.signaler.declined)
}

func TestHangupTearsDownEvenWhenRPCFails(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))
	require.NoError(t, f.manager.HandlePeerAccepted(context.Background(), "peer-1", f.peerKeys.Public))

	f.signaler.err = errors.New("network down")
	require.NoError(t, f.manager.Hangup(context.Background()))

	_, ok := f.manager.ActiveSession()
	assert.False(t, ok, "local cleanup is unconditional")
	assert.Equal(t, []string{"peer-1"}, f.media.closes)
	assert.Equal(t, []string{"peer-1"}, f.signaler.ended)
}

func TestRemoteTerminationIgnoresOtherPeers(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))

	f.manager.HandleRemoteTermination("peer-9", "call-ended")
	_, ok := f.manager.ActiveSession()
	assert.True(t, ok, "event for another peer is ignored")

	f.manager.HandleRemoteTermination("peer-1", "call-ended")
	_, ok = f.manager.ActiveSession()
	assert.False(t, ok)
}

func TestMediaRelayRequiresSession(t *testing.T) {
	f := newCallFixture(t)

	err := f.manager.HandleMediaOffer("peer-1", "sdp-offer")
	assert.ErrorIs(t, err, ErrNoActiveCall)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))
	require.NoError(t, f.manager.HandleMediaOffer("peer-1", "sdp-offer"))
	assert.Equal(t, "sdp-offer", f.media.lastOffer)
}

func TestTerminalNotificationReportsEnded(t *testing.T) {
	f := newCallFixture(t)

	require.NoError(t, f.manager.StartCall(context.Background(), "peer-1", "Alice"))
	require.NoError(t, f.manager.Hangup(context.Background()))

	require.NotEmpty(t, f.states)
	assert.Equal(t, StateEnded, f.states[len(f.states)-1])
}
