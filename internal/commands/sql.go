package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/store"
)

// SQLQueue keeps command flags in the commands_pending table.
type SQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLQueue creates a queue backed by db.
func NewSQLQueue(db *sql.DB) *SQLQueue {
	return &SQLQueue{db: db, now: time.Now}
}

var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) SetCommand(ctx context.Context, deviceID string, name Name, value bool) error {
	if err := checkArgs(deviceID, name); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commands_pending (device_id, name, pending, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, name) DO UPDATE SET
			pending = excluded.pending,
			updated_at = excluded.updated_at`,
		deviceID, string(name), boolInt(value), q.now().UTC(),
	)
	return store.Classify("set command", err)
}

// DrainPendingCommands clears and returns the pending flags with a single
// UPDATE ... RETURNING statement.
func (q *SQLQueue) DrainPendingCommands(ctx context.Context, deviceID string) (Flags, error) {
	if deviceID == "" {
		return nil, apperr.Validation("deviceId is required")
	}
	rows, err := q.db.QueryContext(ctx, `
		UPDATE commands_pending SET pending = 0, updated_at = ?
		WHERE device_id = ? AND pending = 1
		RETURNING name`,
		q.now().UTC(), deviceID,
	)
	if err != nil {
		return nil, store.Classify("drain commands", err)
	}
	flags, err := collect(rows)
	if err != nil {
		return nil, err
	}
	recordDrained(flags)
	return flags, nil
}

func (q *SQLQueue) Peek(ctx context.Context, deviceID string) (Flags, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT name FROM commands_pending WHERE device_id = ? AND pending = 1`, deviceID)
	if err != nil {
		return nil, store.Classify("peek commands", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) (Flags, error) {
	defer rows.Close()
	flags := NewFlags()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		if n := Name(name); n.Valid() {
			flags[n] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify("read command rows", err)
	}
	return flags, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
