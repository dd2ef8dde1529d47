// Package outbox implements the durable queue of unsent messages and
// the coordinator that replays it. Items are keyed by client id so a
// replay after crash or reconnect is recognized server-side as the
// same logical send.
package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumenchat/lumen/crypto"
)

// ErrNotFound indicates no outbox row matches the client id.
var ErrNotFound = errors.New("outbox item not found")

// migrations are applied in order on open. Only the encrypted payload
// is persisted; plaintext never touches disk.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS outbox (
  client_id    TEXT PRIMARY KEY,
  room_id      TEXT NOT NULL,
  peer_id      TEXT NOT NULL,
  ciphertext   BLOB NOT NULL,
  nonce        BLOB NOT NULL,
  attempts     INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL,
  last_attempt INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_created
ON outbox (created_at);
`,
}

// Item is one queued message awaiting server acknowledgment.
type Item struct {
	ClientID    string
	RoomID      string
	PeerID      string
	Ciphertext  []byte
	Nonce       crypto.Nonce
	Attempts    int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// Queue is the sqlite-backed durable outbox.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the outbox database at path and
// applies pending migrations.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply outbox migration %d: %w", i, err)
		}
	}

	return &Queue{db: db}, nil
}

// Enqueue persists an item. Called before any network attempt so the
// send survives a crash. Enqueuing an already-present client id is a
// no-op: the item is the same logical send.
func (q *Queue) Enqueue(item Item) error {
	if item.ClientID == "" {
		return errors.New("outbox item requires a client id")
	}
	if len(item.Ciphertext) == 0 {
		return errors.New("outbox item requires an encrypted payload")
	}

	_, err := q.db.Exec(`
INSERT OR IGNORE INTO outbox
  (client_id, room_id, peer_id, ciphertext, nonce, attempts, created_at, last_attempt)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		item.ClientID, item.RoomID, item.PeerID, item.Ciphertext, item.Nonce[:],
		item.Attempts, item.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox item: %w", err)
	}
	return nil
}

// Oldest returns up to limit items, oldest first.
func (q *Queue) Oldest(limit int) ([]Item, error) {
	rows, err := q.db.Query(`
SELECT client_id, room_id, peer_id, ciphertext, nonce, attempts, created_at, last_attempt
FROM outbox ORDER BY created_at ASC, client_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var nonce []byte
		var createdAt, lastAttempt int64
		if err := rows.Scan(&item.ClientID, &item.RoomID, &item.PeerID,
			&item.Ciphertext, &nonce, &item.Attempts, &createdAt, &lastAttempt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		copy(item.Nonce[:], nonce)
		item.CreatedAt = time.UnixMilli(createdAt)
		if lastAttempt > 0 {
			item.LastAttempt = time.UnixMilli(lastAttempt)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes an item after the server acknowledged its client id.
func (q *Queue) Remove(clientID string) error {
	result, err := q.db.Exec(`DELETE FROM outbox WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to remove outbox item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttempt increments the attempt counter after a failed send.
func (q *Queue) RecordAttempt(clientID string, at time.Time) error {
	result, err := q.db.Exec(`
UPDATE outbox SET attempts = attempts + 1, last_attempt = ? WHERE client_id = ?`,
		at.UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("failed to record outbox attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Len returns the number of queued items.
func (q *Queue) Len() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox items: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}
