package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/crypto"
	"github.com/lumenchat/lumen/transport"
)

var (
	// ErrNoPeerKey indicates the peer's public key is not resolved yet.
	// Sends are blocked rather than falling back to plaintext; the
	// caller must resolve the key first.
	ErrNoPeerKey = errors.New("no public key cached for peer")
	// ErrNotFound indicates no message matches the given identity.
	ErrNotFound = errors.New("message not found")
	// ErrKeyPending indicates content cannot be decrypted yet because
	// the sender's key has not been fetched. Callers render a transient
	// pending placeholder and retry after resolving the key.
	ErrKeyPending = errors.New("peer key not yet available")
)

// KeyResolver reports already-resolved peer public keys. It never
// performs network fetches; key resolution is the engine's concern.
type KeyResolver interface {
	ResolveKey(peerID string) ([32]byte, bool)
}

// room holds one conversation's cached messages in chronological order
// plus the ids deleted during this session. The tombstone set keeps a
// late duplicate push from resurrecting a deleted message.
type room struct {
	messages   []*Message
	tombstones map[string]bool
}

func newRoom() *room {
	return &room{tombstones: make(map[string]bool)}
}

// Store is the canonical message cache. All mutation goes through its
// methods under one lock; accessors return copies.
type Store struct {
	localID string
	secrets *crypto.SecretCache
	keys    KeyResolver
	fetcher transport.Messenger

	rooms      map[string]*room
	roomPeers  map[string]string
	unread     map[string]int
	activeRoom string

	mu sync.RWMutex
}

// New creates a message store for the local identity.
func New(localID string, secrets *crypto.SecretCache, keys KeyResolver, fetcher transport.Messenger) (*Store, error) {
	if localID == "" {
		return nil, errors.New("local identity id cannot be empty")
	}
	if secrets == nil {
		return nil, errors.New("secret cache cannot be nil")
	}
	if keys == nil {
		return nil, errors.New("key resolver cannot be nil")
	}
	if fetcher == nil {
		return nil, errors.New("message fetcher cannot be nil")
	}

	return &Store{
		localID: localID,
		secrets: secrets,
		keys:    keys,
		fetcher: fetcher,
		rooms:     make(map[string]*room),
		roomPeers: make(map[string]string),
		unread:    make(map[string]int),
	}, nil
}

// SetActiveRoom marks the conversation currently on screen. Messages
// reconciled into other rooms only bump unread counters. The peer's
// unread counter is reset when their room becomes active.
func (s *Store) SetActiveRoom(roomID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRoom = roomID
	if peerID != "" {
		s.roomPeers[roomID] = peerID
		delete(s.unread, peerID)
	}
}

// Unread returns the pending-message counter for a sender.
func (s *Store) Unread(senderID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[senderID]
}

// InsertOptimistic creates a local message with a fresh client id and
// status sending, encrypts it for the peer, and inserts it immediately
// so the UI reflects the send before any network confirmation.
//
// The send is refused with ErrNoPeerKey when no key is resolved for
// the peer; a message is never sent in the clear.
func (s *Store) InsertOptimistic(roomID, peerID, text string) (Message, error) {
	if text == "" {
		return Message{}, errors.New("message text cannot be empty")
	}

	peerKey, ok := s.keys.ResolveKey(peerID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "InsertOptimistic",
			"room_id":  roomID,
			"peer_id":  peerID,
		}).Warn("Send blocked: no public key resolved for peer")
		return Message{}, ErrNoPeerKey
	}

	secret, err := s.secrets.SharedSecret(peerID, peerKey)
	if err != nil {
		return Message{}, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ciphertext, nonce, err := crypto.Encrypt([]byte(text), secret)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encrypt message: %w", err)
	}

	msg := &Message{
		ClientID:  uuid.NewString(),
		RoomID:    roomID,
		SenderID:  s.localID,
		Content:   Encrypted{Ciphertext: ciphertext, Nonce: nonce},
		Local:     true,
		CreatedAt: time.Now(),
		Status:    StatusSending,
		plaintext: text,
		decrypted: true,
	}

	s.mu.Lock()
	s.roomPeers[roomID] = peerID
	s.roomLocked(roomID).insertSorted(msg)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "InsertOptimistic",
		"room_id":   roomID,
		"client_id": msg.ClientID,
	}).Debug("Optimistic message inserted")

	return *msg, nil
}

// Reconcile merges a message arriving from a fetch or push into the
// cache. Known messages (matched by id or client id) are merged with
// rank-monotonic status promotion. Unknown messages append to the
// active room or bump the sender's unread counter for inactive rooms.
// Tombstoned ids are dropped.
func (s *Store) Reconcile(wire transport.WireMessage) {
	incoming := fromWire(wire)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(incoming.RoomID)
	if r.tombstones[incoming.ID] {
		logrus.WithFields(logrus.Fields{
			"function":   "Reconcile",
			"room_id":    incoming.RoomID,
			"message_id": incoming.ID,
		}).Debug("Dropping reconcile for tombstoned message")
		return
	}

	if existing := r.find(incoming.ID, incoming.ClientID); existing != nil {
		r.merge(existing, incoming)
		return
	}

	if incoming.RoomID == s.activeRoom {
		r.insertSorted(incoming)
		return
	}

	if incoming.SenderID != s.localID {
		s.unread[incoming.SenderID]++
	}
}

// ReconcileAck records the server acknowledgment of an outbox send:
// the local message gains its server id and is promoted to sent.
func (s *Store) ReconcileAck(roomID, clientID, serverID string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(roomID)
	existing := r.find("", clientID)
	if existing == nil {
		return
	}

	existing.ID = serverID
	existing.Local = false
	if !createdAt.IsZero() {
		existing.CreatedAt = createdAt
		r.resort()
	}
	if StatusSent.Rank() >= existing.Status.Rank() {
		existing.Status = StatusSent
	}
}

// PromoteStatus applies a status event to the message matching the id
// or client id. Promotions below the current rank are ignored.
func (s *Store) PromoteStatus(roomID, messageID, clientID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.roomLocked(roomID).find(messageID, clientID)
	if existing == nil {
		return
	}
	if status.Rank() < existing.Status.Rank() {
		return
	}
	existing.Status = status
}

// MarkFailed moves a sending message to failed after a send attempt
// fails. Messages already acknowledged are left alone.
func (s *Store) MarkFailed(roomID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.roomLocked(roomID).find("", clientID)
	if existing == nil || existing.Status.Rank() > StatusFailed.Rank() {
		return
	}
	existing.Status = StatusFailed
}

// MarkSending returns a failed message to sending for a retry attempt.
// This is the only rank-neutral transition in the status machine.
func (s *Store) MarkSending(roomID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.roomLocked(roomID).find("", clientID)
	if existing == nil || existing.Status != StatusFailed {
		return
	}
	existing.Status = StatusSending
}

// RemoveTombstoned deletes a message and records its id so a stale
// reconciliation arriving later cannot resurrect it.
func (s *Store) RemoveTombstoned(roomID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(roomID)
	r.tombstones[messageID] = true
	for i, m := range r.messages {
		if m.ID == messageID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

// ClearRoom drops every cached message in a room, tombstoning the ones
// that had server ids.
func (s *Store) ClearRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(roomID)
	for _, m := range r.messages {
		if m.ID != "" {
			r.tombstones[m.ID] = true
		}
	}
	r.messages = nil
}

// ClearAll wipes every room, counter, and tombstone. Called on logout.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*room)
	s.roomPeers = make(map[string]string)
	s.unread = make(map[string]int)
	s.activeRoom = ""
}

// Messages returns a chronological copy of a room's cached messages.
func (s *Store) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = *m
	}
	return out
}

// DecryptText returns the plaintext of a cached message, decrypting
// encrypted content on first read and caching the result for the
// session. A missing sender key returns ErrKeyPending (transient); an
// authentication failure returns crypto.ErrAuthFailure (permanent).
func (s *Store) DecryptText(roomID, messageID, clientID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.roomLocked(roomID).find(messageID, clientID)
	if msg == nil {
		return "", ErrNotFound
	}
	if msg.decrypted {
		return msg.plaintext, nil
	}

	switch content := msg.Content.(type) {
	case Plaintext:
		msg.plaintext = content.Text
		msg.decrypted = true
		return content.Text, nil
	case Encrypted:
		// Content we authored is keyed off the recipient; content we
		// received is keyed off the sender. DH symmetry makes both the
		// same secret.
		peerID := msg.SenderID
		if peerID == s.localID {
			peerID = s.roomPeers[roomID]
			if peerID == "" {
				return "", ErrKeyPending
			}
		}
		peerKey, ok := s.keys.ResolveKey(peerID)
		if !ok {
			return "", ErrKeyPending
		}
		secret, err := s.secrets.SharedSecret(peerID, peerKey)
		if err != nil {
			return "", err
		}
		plaintext, err := crypto.Decrypt(content.Ciphertext, content.Nonce, secret)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "DecryptText",
				"room_id":    roomID,
				"message_id": msg.ID,
			}).Warn("Message failed authentication on decrypt")
			return "", err
		}
		msg.plaintext = string(plaintext)
		msg.decrypted = true
		return msg.plaintext, nil
	default:
		return "", fmt.Errorf("unsupported content type %T", content)
	}
}

// roomLocked returns the room cache, creating it if needed.
// Callers must hold s.mu.
func (s *Store) roomLocked(roomID string) *room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoom()
		s.rooms[roomID] = r
	}
	return r
}

// find locates a message by server id or client id. Either may be
// empty; a message matches if a non-empty identity matches.
func (r *room) find(id, clientID string) *Message {
	for _, m := range r.messages {
		if id != "" && m.ID == id {
			return m
		}
		if clientID != "" && m.ClientID == clientID {
			return m
		}
	}
	return nil
}

// merge folds an incoming copy of a known message into the cached one.
// Status only moves forward; server identity and timestamps win.
func (r *room) merge(existing, incoming *Message) {
	if existing.ID == "" && incoming.ID != "" {
		existing.ID = incoming.ID
		existing.Local = false
	}
	if existing.ClientID == "" && incoming.ClientID != "" {
		existing.ClientID = incoming.ClientID
	}
	if incoming.Content != nil && !contentEqual(existing.Content, incoming.Content) {
		existing.Content = incoming.Content
		existing.plaintext = ""
		existing.decrypted = false
	}
	if !incoming.CreatedAt.IsZero() && !incoming.CreatedAt.Equal(existing.CreatedAt) {
		existing.CreatedAt = incoming.CreatedAt
		r.resort()
	}
	if incoming.Status.Rank() >= existing.Status.Rank() {
		existing.Status = incoming.Status
	}
}

func contentEqual(a, b Content) bool {
	ap, aok := a.(Plaintext)
	bp, bok := b.(Plaintext)
	if aok && bok {
		return ap.Text == bp.Text
	}
	ae, aok := a.(Encrypted)
	be, bok := b.(Encrypted)
	if aok && bok {
		return ae.Nonce == be.Nonce && string(ae.Ciphertext) == string(be.Ciphertext)
	}
	return false
}

// insertSorted places a message in chronological position.
func (r *room) insertSorted(msg *Message) {
	i := sort.Search(len(r.messages), func(i int) bool {
		return r.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	r.messages = append(r.messages, nil)
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg
}

func (r *room) resort() {
	sort.SliceStable(r.messages, func(i, j int) bool {
		return r.messages[i].CreatedAt.Before(r.messages[j].CreatedAt)
	})
}
