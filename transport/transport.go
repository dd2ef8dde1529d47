// Package transport defines the collaborator contracts between the
// Lumen client engine and the network layer, plus the push-event union
// delivered by the server.
//
// The engine consumes these interfaces; their implementation (HTTP,
// WebSocket, or otherwise) lives outside the engine. The wire format
// behind them is the transport's concern.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/lumenchat/lumen/crypto"
)

// ErrUnauthorized is returned by any operation when the session
// credential is expired or invalid. It is never retried: the engine
// reacts by forcing logout and clearing session caches.
var ErrUnauthorized = errors.New("unauthorized")

// WireMessage is the server's representation of a message, returned by
// send and fetch operations and carried in message push events. An
// empty Nonce means the content is plaintext.
type WireMessage struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id,omitempty"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	Text       string    `json:"text,omitempty"`
	Ciphertext []byte    `json:"ciphertext,omitempty"`
	Nonce      []byte    `json:"nonce,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Status     string    `json:"status"`
}

// SendRequest carries an outgoing message. ClientID is the idempotency
// key: the server must treat a repeated ClientID within a room as the
// same logical send and return the original message.
type SendRequest struct {
	RoomID     string
	ClientID   string
	Ciphertext []byte
	Nonce      crypto.Nonce
}

// Messenger is the request/response surface for message operations.
type Messenger interface {
	// SendMessage delivers one message and returns the server's record
	// of it, including the server-assigned id.
	SendMessage(ctx context.Context, req SendRequest) (WireMessage, error)

	// FetchMessages returns up to limit messages for the room, newest
	// first. A non-empty before id restricts results to messages
	// strictly older than that message.
	FetchMessages(ctx context.Context, roomID, before string, limit int) ([]WireMessage, error)
}

// KeyDirectory publishes and resolves identity public keys.
type KeyDirectory interface {
	// FetchPeerPublicKey returns the peer's current public key, or
	// ErrKeyNotFound if the peer has not published one.
	FetchPeerPublicKey(ctx context.Context, peerID string) ([32]byte, error)

	// UploadPublicKey publishes the local identity's public key.
	UploadPublicKey(ctx context.Context, key [32]byte) error
}

// CallSignaler carries call-control operations to the peer via the
// server.
type CallSignaler interface {
	StartCall(ctx context.Context, peerID string) error
	AcceptCall(ctx context.Context, peerID string, publicKey [32]byte) error
	DeclineCall(ctx context.Context, peerID string) error
	CancelCall(ctx context.Context, peerID string) error
	EndCall(ctx context.Context, peerID string) error
}

// HandshakeRelay carries Noise handshake frames between call peers.
// The initiator sends its first frame and receives the responder's
// reply in one exchange; the responder's side is driven by the
// engine's handshake-frame handler.
type HandshakeRelay interface {
	ExchangeHandshake(ctx context.Context, peerID string, frame []byte) ([]byte, error)
}

// TypingNotifier publishes the local user's typing state for a room.
type TypingNotifier interface {
	SendTyping(ctx context.Context, roomID string, typing bool) error
}
