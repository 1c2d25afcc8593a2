package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/store"
)

// AlertStore provides database access for alerts.
type AlertStore struct {
	db *sql.DB
}

// NewAlertStore creates a new AlertStore backed by the given database.
func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertColumns = `id, device_id, alert_type, severity, status, title, message,
	triggered_at, last_triggered_at, occurrences, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (*Alert, error) {
	var a Alert
	var ackAt, resAt sql.NullTime
	var meta string
	err := row.Scan(&a.ID, &a.DeviceID, &a.Type, &a.Severity, &a.Status, &a.Title, &a.Message,
		&a.TriggeredAt, &a.LastTriggeredAt, &a.Occurrences, &ackAt, &a.AcknowledgedBy,
		&resAt, &a.ResolvedBy, &meta)
	if err != nil {
		return nil, err
	}
	if ackAt.Valid {
		t := ackAt.Time
		a.AcknowledgedAt = &t
	}
	if resAt.Valid {
		t := resAt.Time
		a.ResolvedAt = &t
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode alert metadata: %w", err)
	}
	return string(b), nil
}

// Insert stores a new alert. A unique violation means another open alert
// of the same type exists; it is returned unclassified so callers can test
// it with store.IsUniqueViolation.
func (s *AlertStore) Insert(ctx context.Context, a *Alert) error {
	meta, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, severity, status, title, message,
			triggered_at, last_triggered_at, occurrences, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeviceID, a.Type, a.Severity, a.Status, a.Title, a.Message,
		a.TriggeredAt, a.LastTriggeredAt, a.Occurrences, meta,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return err
		}
		return store.Classify("insert alert", err)
	}
	return nil
}

// Get returns an alert by ID. Returns nil, nil if not found.
func (s *AlertStore) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify("get alert", err)
	}
	return a, nil
}

// GetOpen returns the open alert of a type for a device, or nil.
func (s *AlertStore) GetOpen(ctx context.Context, deviceID string, t Type) (*Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE device_id = ? AND alert_type = ? AND status != 'resolved'`, deviceID, t))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify("get open alert", err)
	}
	return a, nil
}

// Bump records a repeat trigger on an open alert.
func (s *AlertStore) Bump(ctx context.Context, id, message string, meta map[string]any, at time.Time) error {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE alerts SET occurrences = occurrences + 1, triggered_at = ?, last_triggered_at = ?,
			message = ?, metadata = ?
		WHERE id = ? AND status != 'resolved'`,
		at, at, message, encoded, id,
	)
	return store.Classify("bump alert", err)
}

// Acknowledge moves an active alert to acknowledged. Reports whether a row
// changed.
func (s *AlertStore) Acknowledge(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'acknowledged', acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = 'active'`, at, by, id)
	if err != nil {
		return false, store.Classify("acknowledge alert", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Resolve closes an open alert. Reports whether a row changed.
func (s *AlertStore) Resolve(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status != 'resolved'`, at, by, id)
	if err != nil {
		return false, store.Classify("resolve alert", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns alerts matching f, newest first.
func (s *AlertStore) List(ctx context.Context, f Filter) ([]Alert, error) {
	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "alert_type = ?")
		args = append(args, f.Type)
	}
	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY triggered_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, store.Classify("list alerts", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteResolvedBefore removes resolved alerts closed before the cutoff.
func (s *AlertStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE status = 'resolved' AND resolved_at < ?`, before)
	if err != nil {
		return 0, store.Classify("delete old alerts", err)
	}
	return res.RowsAffected()
}
