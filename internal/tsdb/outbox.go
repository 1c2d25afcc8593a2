package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/store"
	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create mirror outbox of readings InfluxDB has not accepted",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS tsdb_outbox (
						reading_id INTEGER PRIMARY KEY,
						queued_at DATETIME NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 1,
						last_error TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX IF NOT EXISTS idx_tsdb_outbox_queued ON tsdb_outbox(queued_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.ExecContext(context.Background(), stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Pending is one reading waiting to be mirrored.
type Pending struct {
	ReadingID int64     `json:"reading_id"`
	QueuedAt  time.Time `json:"queued_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Outbox records readings whose mirror write failed so they can be replayed.
type Outbox struct {
	db *sql.DB
}

// NewOutbox creates an Outbox backed by the given database.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// Add queues a reading. Queuing it again counts another attempt.
func (o *Outbox) Add(ctx context.Context, readingID int64, cause string, at time.Time) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO tsdb_outbox (reading_id, queued_at, last_error) VALUES (?, ?, ?)
		ON CONFLICT(reading_id) DO UPDATE SET attempts = attempts + 1, last_error = excluded.last_error`,
		readingID, at, cause)
	return store.Classify("queue mirror write", err)
}

// Next returns up to limit pending readings, oldest first.
func (o *Outbox) Next(ctx context.Context, limit int) ([]Pending, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT reading_id, queued_at, attempts, last_error FROM tsdb_outbox
		ORDER BY queued_at, reading_id LIMIT ?`, limit)
	if err != nil {
		return nil, store.Classify("list mirror outbox", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		if err := rows.Scan(&p.ReadingID, &p.QueuedAt, &p.Attempts, &p.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns how many readings are waiting.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tsdb_outbox`).Scan(&n)
	return n, store.Classify("count mirror outbox", err)
}

// Done removes mirrored (or no longer stored) readings.
func (o *Outbox) Done(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM tsdb_outbox WHERE reading_id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	return store.Classify("clear mirror outbox", err)
}

// Retry counts a failed replay attempt.
func (o *Outbox) Retry(ctx context.Context, ids []int64, cause string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{cause}, int64Args(ids)...)
	_, err := o.db.ExecContext(ctx,
		`UPDATE tsdb_outbox SET attempts = attempts + 1, last_error = ?
		WHERE reading_id IN (`+placeholders(len(ids))+`)`, args...)
	return store.Classify("record mirror retry", err)
}

// DeleteBefore drops entries queued before the cutoff. Their readings stay
// in the SQL store but are never mirrored.
func (o *Outbox) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM tsdb_outbox WHERE queued_at < ?`, before)
	if err != nil {
		return 0, store.Classify("purge mirror outbox", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return "?" + strings.Repeat(",?", n-1)
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
