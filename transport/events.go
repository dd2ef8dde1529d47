package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Push event kinds delivered by the server.
const (
	KindNewMessage         = "NEW_MESSAGE"
	KindMessageEdited      = "MESSAGE_EDITED"
	KindMessageStatus      = "MESSAGE_STATUS"
	KindMessageDeleted     = "MESSAGE_DELETED"
	KindAllMessagesDeleted = "ALL_MESSAGES_DELETED"
	KindTyping             = "TYPING"

	KindIncomingCall    = "incoming-call"
	KindCallAccepted    = "call-accepted"
	KindCallDeclined    = "call-declined"
	KindCallEnded       = "call-ended"
	KindCallBusy        = "call-busy"
	KindCallCancelled   = "call-cancelled"
	KindCallUnavailable = "call-unavailable"

	KindMediaOffer     = "offer"
	KindMediaAnswer    = "answer"
	KindMediaCandidate = "candidate"
)

// ErrUnknownEvent indicates a push event kind this engine version does
// not understand. Dispatchers log and ignore it for forward
// compatibility.
var ErrUnknownEvent = errors.New("unknown event kind")

// ErrMalformedEvent indicates a push payload that failed to decode or
// validate. Dispatchers drop the event; it must never affect other
// in-flight state.
var ErrMalformedEvent = errors.New("malformed event payload")

// Event is the closed union of push events the engine consumes.
// ParseEvent produces exactly one of the concrete types below.
type Event interface {
	isEvent()
}

// NewMessageEvent carries a message pushed by the server.
type NewMessageEvent struct {
	Message WireMessage
}

// MessageEditedEvent carries the edited form of an existing message.
type MessageEditedEvent struct {
	Message WireMessage
}

// MessageStatusEvent promotes the delivery status of a message.
type MessageStatusEvent struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	ClientID  string `json:"client_id,omitempty"`
	Status    string `json:"status"`
}

// MessageDeletedEvent removes one message.
type MessageDeletedEvent struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// AllMessagesDeletedEvent clears a whole room.
type AllMessagesDeletedEvent struct {
	RoomID string `json:"room_id"`
}

// TypingEvent reports a peer's typing state in a room.
type TypingEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// IncomingCallEvent announces an inbound call.
type IncomingCallEvent struct {
	PeerID   string `json:"peer_id"`
	PeerName string `json:"peer_name"`
}

// CallAcceptedEvent reports that the callee accepted, carrying the
// callee's identity public key for the handshake.
type CallAcceptedEvent struct {
	PeerID  string `json:"peer_id"`
	PeerKey []byte `json:"peer_key"`
}

// CallDeclinedEvent reports that the callee declined.
type CallDeclinedEvent struct {
	PeerID string `json:"peer_id"`
}

// CallEndedEvent reports that the peer hung up or disconnected.
type CallEndedEvent struct {
	PeerID string `json:"peer_id"`
}

// CallBusyEvent reports that the callee is in another call.
type CallBusyEvent struct {
	PeerID string `json:"peer_id"`
}

// CallCancelledEvent reports that the caller withdrew the call.
type CallCancelledEvent struct {
	PeerID string `json:"peer_id"`
}

// CallUnavailableEvent reports that the callee cannot be reached.
type CallUnavailableEvent struct {
	PeerID string `json:"peer_id"`
}

// MediaOfferEvent relays a media-negotiation offer to the media engine.
type MediaOfferEvent struct {
	PeerID string `json:"peer_id"`
	SDP    string `json:"sdp"`
}

// MediaAnswerEvent relays a media-negotiation answer.
type MediaAnswerEvent struct {
	PeerID string `json:"peer_id"`
	SDP    string `json:"sdp"`
}

// MediaCandidateEvent relays a media transport candidate.
type MediaCandidateEvent struct {
	PeerID    string `json:"peer_id"`
	Candidate string `json:"candidate"`
}

func (NewMessageEvent) isEvent()         {}
func (MessageEditedEvent) isEvent()      {}
func (MessageStatusEvent) isEvent()      {}
func (MessageDeletedEvent) isEvent()     {}
func (AllMessagesDeletedEvent) isEvent() {}
func (TypingEvent) isEvent()             {}
func (IncomingCallEvent) isEvent()       {}
func (CallAcceptedEvent) isEvent()       {}
func (CallDeclinedEvent) isEvent()       {}
func (CallEndedEvent) isEvent()          {}
func (CallBusyEvent) isEvent()           {}
func (CallCancelledEvent) isEvent()      {}
func (CallUnavailableEvent) isEvent()    {}
func (MediaOfferEvent) isEvent()         {}
func (MediaAnswerEvent) isEvent()        {}
func (MediaCandidateEvent) isEvent()     {}

// ParseEvent decodes a push event payload into its concrete type.
// Unknown kinds return ErrUnknownEvent; payloads that fail to decode
// or validate return ErrMalformedEvent (wrapped with the cause).
func ParseEvent(kind string, payload []byte) (Event, error) {
	switch kind {
	case KindNewMessage:
		return parseMessageEvent(payload, func(m WireMessage) Event { return NewMessageEvent{Message: m} })
	case KindMessageEdited:
		return parseMessageEvent(payload, func(m WireMessage) Event { return MessageEditedEvent{Message: m} })
	case KindMessageStatus:
		var ev MessageStatusEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		if ev.RoomID == "" || (ev.MessageID == "" && ev.ClientID == "") {
			return nil, fmt.Errorf("%w: status event missing identity", ErrMalformedEvent)
		}
		return ev, nil
	case KindMessageDeleted:
		var ev MessageDeletedEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		if ev.RoomID == "" || ev.MessageID == "" {
			return nil, fmt.Errorf("%w: delete event missing identity", ErrMalformedEvent)
		}
		return ev, nil
	case KindAllMessagesDeleted:
		var ev AllMessagesDeletedEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		if ev.RoomID == "" {
			return nil, fmt.Errorf("%w: clear event missing room id", ErrMalformedEvent)
		}
		return ev, nil
	case KindTyping:
		var ev TypingEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindIncomingCall:
		var ev IncomingCallEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		if ev.PeerID == "" {
			return nil, fmt.Errorf("%w: incoming call missing peer id", ErrMalformedEvent)
		}
		return ev, nil
	case KindCallAccepted:
		var ev CallAcceptedEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		if ev.PeerID == "" || len(ev.PeerKey) != 32 {
			return nil, fmt.Errorf("%w: call accepted missing peer key", ErrMalformedEvent)
		}
		return ev, nil
	case KindCallDeclined:
		return parsePeerEvent(payload, func(id string) Event { return CallDeclinedEvent{PeerID: id} })
	case KindCallEnded:
		return parsePeerEvent(payload, func(id string) Event { return CallEndedEvent{PeerID: id} })
	case KindCallBusy:
		return parsePeerEvent(payload, func(id string) Event { return CallBusyEvent{PeerID: id} })
	case KindCallCancelled:
		return parsePeerEvent(payload, func(id string) Event { return CallCancelledEvent{PeerID: id} })
	case KindCallUnavailable:
		return parsePeerEvent(payload, func(id string) Event { return CallUnavailableEvent{PeerID: id} })
	case KindMediaOffer:
		var ev MediaOfferEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindMediaAnswer:
		var ev MediaAnswerEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindMediaCandidate:
		var ev MediaCandidateEvent
		if err := decode(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func parseMessageEvent(payload []byte, wrap func(WireMessage) Event) (Event, error) {
	var msg WireMessage
	if err := decode(payload, &msg); err != nil {
		return nil, err
	}
	if msg.RoomID == "" || (msg.ID == "" && msg.ClientID == "") {
		return nil, fmt.Errorf("%w: message event missing identity", ErrMalformedEvent)
	}
	if len(msg.Nonce) != 0 && len(msg.Nonce) != 24 {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrMalformedEvent, len(msg.Nonce))
	}
	return wrap(msg), nil
}

type peerEvent struct {
	PeerID string `json:"peer_id"`
}

func parsePeerEvent(payload []byte, wrap func(string) Event) (Event, error) {
	var ev peerEvent
	if err := decode(payload, &ev); err != nil {
		return nil, err
	}
	if ev.PeerID == "" {
		return nil, fmt.Errorf("%w: call event missing peer id", ErrMalformedEvent)
	}
	return wrap(ev.PeerID), nil
}

// ErrKeyNotFound is returned by KeyDirectory implementations when a
// peer has no published public key.
var ErrKeyNotFound = errors.New("public key not found")
