package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/viant/embedsync/event"
	"github.com/viant/embedsync/resilience"
)

const deadLetterTable = "sync_dead_letter"

// DeadLetter is an event the engine gave up on.
type DeadLetter struct {
	ID         int64            `json:"id"`
	Collection string           `json:"collection"`
	DocumentID string           `json:"documentId"`
	ChangeType string           `json:"changeType"`
	Class      string           `json:"class"`
	Reason     string           `json:"reason"`
	RetryCount int              `json:"retryCount"`
	CreatedAt  time.Time        `json:"createdAt"`
	Event      *event.SyncEvent `json:"-"`
}

// DeadLetters persists unresolved events in a SQLite table.
type DeadLetters struct {
	db *sql.DB
}

// NewDeadLetters creates the dead letter table when missing.
func NewDeadLetters(ctx context.Context, db *sql.DB) (*DeadLetters, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+deadLetterTable+` (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	collection  TEXT NOT NULL,
	document_id TEXT NOT NULL,
	change_type TEXT NOT NULL,
	class       TEXT NOT NULL,
	reason      TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	event       BLOB NOT NULL,
	created_at  INTEGER NOT NULL
)`)
	if err != nil {
		return nil, resilience.Wrap(resilience.Configuration, "dead letter schema", err)
	}
	return &DeadLetters{db: db}, nil
}

// Add stores ev with the failure that exhausted it.
func (d *DeadLetters) Add(ctx context.Context, ev *event.SyncEvent, class resilience.Class, reason string) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO `+deadLetterTable+`(collection, document_id, change_type, class, reason, retry_count, event, created_at)
VALUES(?,?,?,?,?,?,?,?)`, ev.Collection(), ev.DocumentID(), string(ev.ChangeType()), class.String(), reason, ev.RetryCount(), data, time.Now().UnixNano())
	return err
}

// List returns up to limit dead letters, oldest first.
func (d *DeadLetters) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `SELECT id, collection, document_id, change_type, class, reason, retry_count, event, created_at
FROM `+deadLetterTable+` ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*DeadLetter
	for rows.Next() {
		item := &DeadLetter{}
		var reason sql.NullString
		var data []byte
		var created int64
		if err := rows.Scan(&item.ID, &item.Collection, &item.DocumentID, &item.ChangeType, &item.Class, &reason, &item.RetryCount, &data, &created); err != nil {
			return nil, err
		}
		item.Reason = reason.String
		item.CreatedAt = time.Unix(0, created)
		if item.Event, err = event.Unmarshal(data); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// Remove deletes a dead letter.
func (d *DeadLetters) Remove(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM `+deadLetterTable+` WHERE id = ?`, id)
	return err
}

// Count returns the number of stored dead letters.
func (d *DeadLetters) Count(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+deadLetterTable).Scan(&n)
	return n, err
}
