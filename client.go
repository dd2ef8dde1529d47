// Package lumen implements the client-side synchronization and
// secure-session engine for the Lumen messenger.
//
// The Client reconciles local optimistic state against the server of
// record, replays the durable outbox across restarts and reconnects,
// maintains the end-to-end encryption key and session state, and runs
// the call-signaling state machine. Rendering, device handling, the
// transport implementation and the media pipeline live outside this
// module and are consumed through the interfaces in the transport and
// call packages.
//
// Example:
//
//	client, err := lumen.New(lumen.Config{UserID: "alice", DataDir: dir}, tp, media)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package lumen

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/call"
	"github.com/lumenchat/lumen/crypto"
	"github.com/lumenchat/lumen/outbox"
	"github.com/lumenchat/lumen/store"
	"github.com/lumenchat/lumen/transport"
)

// Transport is the full collaborator surface the engine consumes. One
// implementation typically multiplexes all of it over a single
// connection.
type Transport interface {
	transport.Messenger
	transport.KeyDirectory
	transport.CallSignaler
	transport.HandshakeRelay
	transport.TypingNotifier
}

// Config holds engine settings.
type Config struct {
	// UserID is the local identity id.
	UserID string
	// DataDir holds the identity key file and the outbox database.
	DataDir string
	// PageSize is the pagination fetch size. Defaults to DefaultPageSize.
	PageSize int
}

// DefaultPageSize is the pagination limit used when Config leaves it
// zero.
const DefaultPageSize = 50

// Client is the engine façade. All engine state hangs off it and is
// cleared through it at logout.
type Client struct {
	cfg   Config
	tp    Transport
	media call.MediaEngine

	keys        *crypto.KeyPair
	secrets     *crypto.SecretCache
	store       *store.Store
	queue       *outbox.Queue
	coordinator *outbox.Coordinator
	calls       *call.Manager

	typing *typingTracker
	keyDir *peerKeyCache

	peerTyping TypingCallback
}

// New wires the engine together. The identity key pair is loaded or
// generated under cfg.DataDir; the outbox database is opened there
// too.
func New(cfg Config, tp Transport, media call.MediaEngine) (*Client, error) {
	if cfg.UserID == "" {
		return nil, errors.New("user id cannot be empty")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir cannot be empty")
	}
	if tp == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if media == nil {
		return nil, errors.New("media engine cannot be nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	keys, err := crypto.LoadOrGenerateKeyPair(filepath.Join(cfg.DataDir, "identity.key"))
	if err != nil {
		return nil, fmt.Errorf("failed to load identity key pair: %w", err)
	}

	secrets, err := crypto.NewSecretCache(keys)
	if err != nil {
		return nil, err
	}

	keyDir := newPeerKeyCache(tp)

	messageStore, err := store.New(cfg.UserID, secrets, keyDir, tp)
	if err != nil {
		return nil, err
	}

	queue, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox.db"))
	if err != nil {
		return nil, err
	}

	coordinator, err := outbox.NewCoordinator(queue, tp, messageStore)
	if err != nil {
		queue.Close()
		return nil, err
	}

	calls, err := call.NewManager(tp, tp, media, keys)
	if err != nil {
		queue.Close()
		return nil, err
	}

	return &Client{
		cfg:         cfg,
		tp:          tp,
		media:       media,
		keys:        keys,
		secrets:     secrets,
		store:       messageStore,
		queue:       queue,
		coordinator: coordinator,
		calls:       calls,
		typing:      newTypingTracker(tp),
		keyDir:      keyDir,
	}, nil
}

// Start publishes the public key and replays any messages left queued
// from a previous run. Call once after authentication.
func (c *Client) Start(ctx context.Context) error {
	if err := c.tp.UploadPublicKey(ctx, c.keys.Public); err != nil {
		if c.checkAuth(ctx, err) {
			return err
		}
		// Publish is retried on the next start; messaging with peers
		// whose key we already hold still works.
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Public key publish failed, continuing")
	}

	if _, _, err := c.coordinator.Drain(ctx, outbox.DefaultDrainBatch); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Startup outbox drain failed")
	}
	return nil
}

// SendText sends a message: the peer key is resolved first (the send
// is refused rather than degraded to plaintext), the message is
// inserted optimistically, persisted to the outbox, and then pushed.
// A network failure leaves the message queued for the next drain.
func (c *Client) SendText(ctx context.Context, roomID, peerID, text string) (store.Message, error) {
	if _, err := c.keyDir.fetchOnce(ctx, peerID); err != nil {
		if c.checkAuth(ctx, err) {
			return store.Message{}, err
		}
		return store.Message{}, fmt.Errorf("failed to resolve peer key: %w", err)
	}

	msg, err := c.store.InsertOptimistic(roomID, peerID, text)
	if err != nil {
		return store.Message{}, err
	}

	encrypted, ok := msg.Content.(store.Encrypted)
	if !ok {
		return store.Message{}, errors.New("optimistic message is not encrypted")
	}

	if err := c.queue.Enqueue(outbox.Item{
		ClientID:   msg.ClientID,
		RoomID:     roomID,
		PeerID:     peerID,
		Ciphertext: encrypted.Ciphertext,
		Nonce:      encrypted.Nonce,
		CreatedAt:  msg.CreatedAt,
	}); err != nil {
		// The message stays visible as failed; a manual retry can
		// re-enqueue by resending.
		c.store.MarkFailed(roomID, msg.ClientID)
		return msg, fmt.Errorf("failed to persist outbox item: %w", err)
	}

	// Idempotent replay makes draining the whole batch here safe even
	// if another drain is in flight.
	if _, _, err := c.coordinator.Drain(ctx, outbox.DefaultDrainBatch); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SendText",
			"error":    err.Error(),
		}).Warn("Post-send drain failed; message remains queued")
	}

	return c.messageByClientID(roomID, msg.ClientID), nil
}

// messageByClientID returns the current cached form of a message.
func (c *Client) messageByClientID(roomID, clientID string) store.Message {
	for _, m := range c.store.Messages(roomID) {
		if m.ClientID == clientID {
			return m
		}
	}
	return store.Message{}
}

// RetryFailed replays the outbox on user request.
func (c *Client) RetryFailed(ctx context.Context) error {
	_, _, err := c.coordinator.Drain(ctx, outbox.DefaultDrainBatch)
	return err
}

// OnReconnected replays the outbox after the transport reports
// connectivity restored.
func (c *Client) OnReconnected(ctx context.Context) {
	if _, _, err := c.coordinator.Drain(ctx, outbox.DefaultDrainBatch); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnReconnected",
			"error":    err.Error(),
		}).Warn("Reconnect outbox drain failed")
	}
}

// FetchPage loads one page of history for the room. On network
// failure the cached messages remain available via Messages.
func (c *Client) FetchPage(ctx context.Context, roomID string) (store.PageResult, error) {
	result, err := c.store.FetchPage(ctx, roomID, c.cfg.PageSize)
	if err != nil && c.checkAuth(ctx, err) {
		return store.PageResult{}, err
	}
	return result, err
}

// Messages returns the cached conversation, oldest first.
func (c *Client) Messages(roomID string) []store.Message {
	return c.store.Messages(roomID)
}

// MessageText resolves the displayable text of a message. It returns
// store.ErrKeyPending while the sender's key is being fetched (the
// fetch is kicked off here) and crypto.ErrAuthFailure for content
// that fails authentication.
func (c *Client) MessageText(ctx context.Context, roomID, messageID, clientID string) (string, error) {
	text, err := c.store.DecryptText(roomID, messageID, clientID)
	if errors.Is(err, store.ErrKeyPending) {
		c.keyDir.fetchAsync(ctx, c.senderOf(roomID, messageID, clientID))
	}
	return text, err
}

func (c *Client) senderOf(roomID, messageID, clientID string) string {
	for _, m := range c.store.Messages(roomID) {
		if (messageID != "" && m.ID == messageID) || (clientID != "" && m.ClientID == clientID) {
			return m.SenderID
		}
	}
	return ""
}

// SwitchRoom makes a conversation active: its peer's unread counter
// resets and pushes for it append to the visible list. The previous
// room's typing timer is cancelled.
func (c *Client) SwitchRoom(ctx context.Context, roomID, peerID string) {
	c.typing.cancelAll(ctx)
	c.store.SetActiveRoom(roomID, peerID)
}

// Unread returns the unread counter for a peer.
func (c *Client) Unread(peerID string) int {
	return c.store.Unread(peerID)
}

// UserTyping reports a local keystroke in the room: the first call
// publishes a typing indicator, and an idle timer (reset per call)
// publishes the stop.
func (c *Client) UserTyping(ctx context.Context, roomID string) {
	c.typing.keystroke(ctx, roomID)
}

// StartCall places an outbound call, resolving the peer key first.
func (c *Client) StartCall(ctx context.Context, peerID, peerName string) error {
	if _, err := c.keyDir.fetchOnce(ctx, peerID); err != nil {
		if c.checkAuth(ctx, err) {
			return err
		}
		return fmt.Errorf("failed to resolve peer key: %w", err)
	}
	return c.calls.StartCall(ctx, peerID, peerName)
}

// AcceptCall answers the ringing inbound call.
func (c *Client) AcceptCall(ctx context.Context) error {
	session, ok := c.calls.ActiveSession()
	if !ok {
		return call.ErrNoActiveCall
	}
	peerKey, err := c.keyDir.fetchOnce(ctx, session.PeerID)
	if err != nil {
		return fmt.Errorf("failed to resolve caller key: %w", err)
	}
	return c.calls.Accept(ctx, peerKey)
}

// DeclineCall refuses the ringing inbound call.
func (c *Client) DeclineCall(ctx context.Context) error {
	return c.calls.Decline(ctx)
}

// Hangup ends the current call.
func (c *Client) Hangup(ctx context.Context) error {
	return c.calls.Hangup(ctx)
}

// ActiveCall returns a copy of the current call session, if any.
func (c *Client) ActiveCall() (call.Session, bool) {
	return c.calls.ActiveSession()
}

// OnCallStateChange registers an observer for call transitions.
func (c *Client) OnCallStateChange(cb func(call.Session)) {
	c.calls.OnStateChange(cb)
}

// HandleHandshakeFrame is invoked by the transport when the call peer
// relays a Noise frame; the returned frame is relayed back.
func (c *Client) HandleHandshakeFrame(ctx context.Context, peerID string, frame []byte) ([]byte, error) {
	return c.calls.HandleHandshakeFrame(ctx, peerID, frame)
}

// Logout is the single synchronization point that clears every
// session-scoped cache: shared secrets, message cache, resolved peer
// keys, typing timers and the call session. The durable outbox
// survives for the next authenticated session.
func (c *Client) Logout(ctx context.Context) {
	c.typing.cancelAll(ctx)
	c.calls.Shutdown()
	c.secrets.Clear()
	c.store.ClearAll()
	c.keyDir.clear()

	logrus.WithFields(logrus.Fields{
		"function": "Logout",
		"user_id":  c.cfg.UserID,
	}).Info("Session caches cleared")
}

// Close releases the outbox database. The client is unusable after.
func (c *Client) Close() error {
	return c.queue.Close()
}

// checkAuth forces logout on credential failure. Returns true when
// the error was an auth failure and has been handled.
func (c *Client) checkAuth(ctx context.Context, err error) bool {
	if !errors.Is(err, transport.ErrUnauthorized) {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function": "checkAuth",
		"user_id":  c.cfg.UserID,
	}).Warn("Credential rejected, forcing logout")
	c.Logout(ctx)
	return true
}

// typingIdleTimeout is how long after the last keystroke the stop
// indicator is published.
const typingIdleTimeout = 4 * time.Second
