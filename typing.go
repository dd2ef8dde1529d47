package lumen

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenchat/lumen/transport"
)

// typingTracker debounces the local typing indicator per room. The
// first keystroke publishes typing=true; each keystroke resets the
// idle timer; expiry publishes typing=false. Room switches and logout
// cancel all timers and publish the stop immediately.
type typingTracker struct {
	notifier transport.TypingNotifier

	timers map[string]*time.Timer

	// newTimer is replaceable for deterministic tests.
	newTimer func(d time.Duration, f func()) *time.Timer

	mu sync.Mutex
}

func newTypingTracker(notifier transport.TypingNotifier) *typingTracker {
	return &typingTracker{
		notifier: notifier,
		timers:   make(map[string]*time.Timer),
		newTimer: time.AfterFunc,
	}
}

// keystroke records typing activity in a room.
func (t *typingTracker) keystroke(ctx context.Context, roomID string) {
	t.mu.Lock()
	timer, active := t.timers[roomID]
	if active {
		timer.Reset(typingIdleTimeout)
		t.mu.Unlock()
		return
	}
	t.timers[roomID] = t.newTimer(typingIdleTimeout, func() { t.expire(roomID) })
	t.mu.Unlock()

	if err := t.notifier.SendTyping(ctx, roomID, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "keystroke",
			"room_id":  roomID,
			"error":    err.Error(),
		}).Debug("Typing indicator send failed")
	}
}

// expire publishes the stop indicator after the idle window.
func (t *typingTracker) expire(roomID string) {
	t.mu.Lock()
	delete(t.timers, roomID)
	t.mu.Unlock()

	if err := t.notifier.SendTyping(context.Background(), roomID, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "expire",
			"room_id":  roomID,
			"error":    err.Error(),
		}).Debug("Typing stop send failed")
	}
}

// cancelAll stops every timer and publishes stops for rooms that were
// still marked typing. Used on room switch and logout.
func (t *typingTracker) cancelAll(ctx context.Context) {
	t.mu.Lock()
	rooms := make([]string, 0, len(t.timers))
	for roomID, timer := range t.timers {
		timer.Stop()
		rooms = append(rooms, roomID)
	}
	t.timers = make(map[string]*time.Timer)
	t.mu.Unlock()

	for _, roomID := range rooms {
		if err := t.notifier.SendTyping(ctx, roomID, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "cancelAll",
				"room_id":  roomID,
				"error":    err.Error(),
			}).Debug("Typing stop send failed")
		}
	}
}
