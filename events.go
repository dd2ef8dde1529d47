package lumen

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/store"
	"github.com/lumenchat/lumen/transport"
)

// TypingCallback observes peer typing indicators.
type TypingCallback func(roomID, userID string, typing bool)

// OnPeerTyping registers the peer-typing observer.
func (c *Client) OnPeerTyping(cb TypingCallback) {
	c.peerTyping = cb
}

// HandlePushEvent routes one transport push event through the engine.
// Every input source funnels through here, so transitions stay
// serialized regardless of origin. Malformed payloads are logged and
// dropped; unknown kinds are ignored for forward compatibility.
// Nothing here panics on bad input.
func (c *Client) HandlePushEvent(ctx context.Context, kind string, payload []byte) {
	event, err := transport.ParseEvent(kind, payload)
	if err != nil {
		if errors.Is(err, transport.ErrUnknownEvent) {
			logrus.WithFields(logrus.Fields{
				"function": "HandlePushEvent",
				"kind":     kind,
			}).Debug("Ignoring unknown event kind")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "HandlePushEvent",
			"kind":     kind,
			"error":    err.Error(),
		}).Error("Dropping malformed push event")
		return
	}

	switch ev := event.(type) {
	case transport.NewMessageEvent:
		c.store.Reconcile(ev.Message)
	case transport.MessageEditedEvent:
		c.store.Reconcile(ev.Message)
	case transport.MessageStatusEvent:
		c.store.PromoteStatus(ev.RoomID, ev.MessageID, ev.ClientID, store.StatusFromWire(ev.Status))
	case transport.MessageDeletedEvent:
		c.store.RemoveTombstoned(ev.RoomID, ev.MessageID)
	case transport.AllMessagesDeletedEvent:
		c.store.ClearRoom(ev.RoomID)
	case transport.TypingEvent:
		if c.peerTyping != nil {
			c.peerTyping(ev.RoomID, ev.UserID, ev.Typing)
		}
	case transport.IncomingCallEvent:
		c.calls.HandleIncomingCall(ev.PeerID, ev.PeerName)
	case transport.CallAcceptedEvent:
		var peerKey [32]byte
		copy(peerKey[:], ev.PeerKey)
		if err := c.calls.HandlePeerAccepted(ctx, ev.PeerID, peerKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "HandlePushEvent",
				"peer_id":  ev.PeerID,
				"error":    err.Error(),
			}).Warn("Call accept handling failed")
		}
	case transport.CallDeclinedEvent:
		c.calls.HandleRemoteTermination(ev.PeerID, transport.KindCallDeclined)
	case transport.CallEndedEvent:
		c.calls.HandleRemoteTermination(ev.PeerID, transport.KindCallEnded)
	case transport.CallBusyEvent:
		c.calls.HandleRemoteTermination(ev.PeerID, transport.KindCallBusy)
	case transport.CallCancelledEvent:
		c.calls.HandleRemoteTermination(ev.PeerID, transport.KindCallCancelled)
	case transport.CallUnavailableEvent:
		c.calls.HandleRemoteTermination(ev.PeerID, transport.KindCallUnavailable)
	case transport.MediaOfferEvent:
		c.relayMedia(ev.PeerID, func() error { return c.calls.HandleMediaOffer(ev.PeerID, ev.SDP) })
	case transport.MediaAnswerEvent:
		c.relayMedia(ev.PeerID, func() error { return c.calls.HandleMediaAnswer(ev.PeerID, ev.SDP) })
	case transport.MediaCandidateEvent:
		c.relayMedia(ev.PeerID, func() error { return c.calls.HandleMediaCandidate(ev.PeerID, ev.Candidate) })
	}
}

// relayMedia forwards a media-negotiation event; relay errors affect
// nothing beyond the log line.
func (c *Client) relayMedia(peerID string, relay func() error) {
	if err := relay(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relayMedia",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Debug("Media relay dropped")
	}
}
