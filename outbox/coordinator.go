package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/transport"
)

// DefaultDrainBatch is the number of items one drain pass processes.
const DefaultDrainBatch = 50

// Backoff schedule for retries, keyed off the persisted attempt
// counter so retry pacing survives restarts.
const (
	backoffInitial = time.Second
	backoffMax     = 5 * time.Minute
)

// Sender delivers one message to the server. Implementations must
// treat a repeated client id as the same logical send (server-side
// dedup), which is what makes replay safe.
type Sender interface {
	SendMessage(ctx context.Context, req transport.SendRequest) (transport.WireMessage, error)
}

// MessageStore is the slice of the message cache the coordinator
// needs to reflect send outcomes.
type MessageStore interface {
	MarkSending(roomID, clientID string)
	MarkFailed(roomID, clientID string)
	ReconcileAck(roomID, clientID, serverID string, createdAt time.Time)
}

// Coordinator replays the durable outbox. Drain runs at startup, after
// transport reconnection, and on user-initiated retry. Replays are
// idempotent, so overlapping drains and new sends are safe.
type Coordinator struct {
	queue  *Queue
	sender Sender
	store  MessageStore

	// now is replaceable for deterministic backoff tests.
	now func() time.Time
}

// NewCoordinator wires the drain loop to its collaborators.
func NewCoordinator(queue *Queue, sender Sender, store MessageStore) (*Coordinator, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if store == nil {
		return nil, errors.New("message store cannot be nil")
	}
	return &Coordinator{
		queue:  queue,
		sender: sender,
		store:  store,
		now:    time.Now,
	}, nil
}

// SetTimeProvider replaces the clock used for backoff decisions.
func (c *Coordinator) SetTimeProvider(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Drain attempts to resend up to limit queued items, oldest first.
// Items still inside their backoff window are skipped this pass. It
// returns the number of attempts made and how many succeeded.
func (c *Coordinator) Drain(ctx context.Context, limit int) (attempted, sent int, err error) {
	if limit <= 0 {
		limit = DefaultDrainBatch
	}

	items, err := c.queue.Oldest(limit)
	if err != nil {
		return 0, 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Drain",
		"queued":   len(items),
	}).Debug("Draining outbox")

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return attempted, sent, err
		}
		if !c.due(item) {
			continue
		}
		attempted++
		if c.attempt(ctx, item) {
			sent++
		}
	}

	if attempted > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Drain",
			"attempted": attempted,
			"sent":      sent,
		}).Info("Outbox drain pass complete")
	}
	return attempted, sent, nil
}

// attempt resends one item with its original client id. Success
// removes the row and promotes the message; failure records the
// attempt and leaves the message failed for the next pass.
func (c *Coordinator) attempt(ctx context.Context, item Item) bool {
	c.store.MarkSending(item.RoomID, item.ClientID)

	ack, err := c.sender.SendMessage(ctx, transport.SendRequest{
		RoomID:     item.RoomID,
		ClientID:   item.ClientID,
		Ciphertext: item.Ciphertext,
		Nonce:      item.Nonce,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "attempt",
			"client_id": item.ClientID,
			"attempts":  item.Attempts + 1,
			"error":     err.Error(),
		}).Warn("Outbox send attempt failed")

		if recordErr := c.queue.RecordAttempt(item.ClientID, c.now()); recordErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "attempt",
				"client_id": item.ClientID,
				"error":     recordErr.Error(),
			}).Error("Failed to record outbox attempt")
		}
		c.store.MarkFailed(item.RoomID, item.ClientID)
		return false
	}

	// Remove before reflecting the ack: if we crash in between, the
	// next reconcile of the pushed message resolves the status.
	if err := c.queue.Remove(item.ClientID); err != nil && !errors.Is(err, ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function":  "attempt",
			"client_id": item.ClientID,
			"error":     err.Error(),
		}).Error("Failed to remove acknowledged outbox item")
	}
	c.store.ReconcileAck(item.RoomID, item.ClientID, ack.ID, ack.CreatedAt)
	return true
}

// due reports whether the item's backoff window has elapsed.
func (c *Coordinator) due(item Item) bool {
	if item.Attempts == 0 || item.LastAttempt.IsZero() {
		return true
	}
	return c.now().After(item.LastAttempt.Add(delayForAttempt(item.Attempts)))
}

// delayForAttempt computes the capped exponential backoff delay after
// the given number of failed attempts.
func delayForAttempt(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = backoffMax
	b.MaxElapsedTime = 0

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
