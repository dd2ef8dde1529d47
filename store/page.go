package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PageResult describes the outcome of one pagination fetch. The
// before/after counts let the caller restore its scroll anchor after
// older messages are prepended.
type PageResult struct {
	// Added is the number of messages merged into the cache that were
	// not already present.
	Added int
	// HasMore reports whether another page is worth requesting. It is
	// the approximation returned_count >= limit: when the true
	// remaining count equals the limit exactly this offers one extra
	// "load more" that will come back empty. Accepted tradeoff.
	HasMore bool
	// CountBefore and CountAfter are the room's cached message counts
	// around the merge.
	CountBefore int
	CountAfter  int
}

// FetchPage loads one page of history for a room and merges it into
// the cache. The first call fetches the newest messages; subsequent
// calls use the oldest non-local cached message as an exclusive cursor
// and fetch strictly older ones.
//
// Merging deduplicates by server id and by client id, so a page that
// races with a push event never produces duplicates.
func (s *Store) FetchPage(ctx context.Context, roomID string, limit int) (PageResult, error) {
	if limit <= 0 {
		return PageResult{}, fmt.Errorf("invalid page limit %d", limit)
	}

	before := s.oldestCursor(roomID)

	wire, err := s.fetcher.FetchMessages(ctx, roomID, before, limit)
	if err != nil {
		return PageResult{}, fmt.Errorf("failed to fetch messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(roomID)
	result := PageResult{
		HasMore:     len(wire) >= limit,
		CountBefore: len(r.messages),
	}

	for _, wm := range wire {
		incoming := fromWire(wm)
		if r.tombstones[incoming.ID] {
			continue
		}
		if existing := r.find(incoming.ID, incoming.ClientID); existing != nil {
			r.merge(existing, incoming)
			continue
		}
		r.insertSorted(incoming)
		result.Added++
	}
	result.CountAfter = len(r.messages)

	logrus.WithFields(logrus.Fields{
		"function": "FetchPage",
		"room_id":  roomID,
		"before":   before,
		"returned": len(wire),
		"added":    result.Added,
		"has_more": result.HasMore,
	}).Debug("Page merged into message cache")

	return result, nil
}

// oldestCursor returns the id of the oldest cached message that has a
// server id. Local optimistic messages are skipped: the server does
// not know them, so they cannot anchor a cursor. Empty means initial
// load.
func (s *Store) oldestCursor(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ""
	}
	for _, m := range r.messages {
		if !m.Local && m.ID != "" {
			return m.ID
		}
	}
	return ""
}
