// Package store implements the canonical per-conversation message
// cache for the Lumen client: optimistic inserts, reconciliation of
// pushed and fetched messages, monotonic status promotion, unread
// accounting, and cursor-based pagination merge.
package store

import (
	"time"

	"github.com/lumenchat/lumen/crypto"
	"github.com/lumenchat/lumen/transport"
)

// Status is the delivery lifecycle state of a message.
type Status uint8

const (
	// StatusSending means the message was inserted optimistically and
	// has no server acknowledgment yet.
	StatusSending Status = iota
	// StatusFailed means the last send attempt failed; the outbox will
	// retry it.
	StatusFailed
	// StatusSent means the server acknowledged the message.
	StatusSent
	// StatusDelivered means the recipient's device received it.
	StatusDelivered
	// StatusRead means the recipient read it.
	StatusRead
)

// Rank orders statuses for monotonic promotion. Reconciliation never
// applies a status whose rank is below the current one.
func (s Status) Rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusFailed:
		return "failed"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// StatusFromWire maps a wire status name to a Status. Unknown names
// map to StatusSent so a newer server cannot regress local state.
func StatusFromWire(name string) Status {
	switch name {
	case "sending":
		return StatusSending
	case "failed":
		return StatusFailed
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	default:
		return StatusSent
	}
}

// Content is the closed union of message content forms. Whether a
// message is encrypted is a type-level fact, not a nil check.
type Content interface {
	isContent()
}

// Plaintext is unencrypted message content.
type Plaintext struct {
	Text string
}

// Encrypted is authenticated-encrypted message content.
type Encrypted struct {
	Ciphertext []byte
	Nonce      crypto.Nonce
}

func (Plaintext) isContent() {}
func (Encrypted) isContent() {}

// Message is one logical message in a conversation. Two messages
// sharing an ID or a non-empty ClientID are the same logical message.
type Message struct {
	// ID is the server-assigned identifier, empty until acknowledged.
	ID string
	// ClientID is the client-assigned idempotency key. Present on every
	// locally-sent message; may be empty on messages from peers.
	ClientID string
	RoomID   string
	SenderID string
	Content  Content
	// Local marks optimistic messages that have no server record yet.
	// Local messages never serve as pagination cursors.
	Local     bool
	CreatedAt time.Time
	Status    Status

	// plaintext caches the decrypted text for the session. It is never
	// persisted.
	plaintext string
	decrypted bool
}

// contentFromWire converts a wire message body into the content union.
// A nonce present on the wire implies encrypted content.
func contentFromWire(m transport.WireMessage) Content {
	if len(m.Nonce) == 24 {
		var nonce crypto.Nonce
		copy(nonce[:], m.Nonce)
		return Encrypted{Ciphertext: m.Ciphertext, Nonce: nonce}
	}
	return Plaintext{Text: m.Text}
}

// fromWire converts a server message into the domain model.
func fromWire(m transport.WireMessage) *Message {
	return &Message{
		ID:        m.ID,
		ClientID:  m.ClientID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   contentFromWire(m),
		CreatedAt: m.CreatedAt,
		Status:    StatusFromWire(m.Status),
	}
}
