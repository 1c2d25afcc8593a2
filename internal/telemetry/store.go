package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/store"
)

// ReadingStore provides database access for readings and device logs.
type ReadingStore struct {
	db *sql.DB
}

// NewReadingStore creates a new ReadingStore backed by the given database.
func NewReadingStore(db *sql.DB) *ReadingStore {
	return &ReadingStore{db: db}
}

// InsertReading appends a reading and sets its ID.
func (s *ReadingStore) InsertReading(ctx context.Context, r *Reading) error {
	raw := ""
	if len(r.RawRegisters) > 0 {
		b, err := json.Marshal(r.RawRegisters)
		if err != nil {
			return fmt.Errorf("encode raw registers: %w", err)
		}
		raw = string(b)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_readings (
			device_id, timestamp, data_type, value, unit, slave_id, register_label,
			quality, raw_registers, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, r.Timestamp, r.DataType, r.Value, r.Unit, r.SlaveID, r.RegisterLabel,
		string(r.Quality), raw, r.ReceivedAt,
	)
	if err != nil {
		return store.Classify("insert reading", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// Latest returns the newest readings of a device, newest first.
func (s *ReadingStore) Latest(ctx context.Context, deviceID string, q Query) ([]Reading, error) {
	query := `SELECT id, device_id, timestamp, data_type, value, unit, slave_id, register_label,
		quality, raw_registers, received_at FROM telemetry_readings WHERE device_id = ?`
	args := []any{deviceID}
	if q.DataType != "" {
		query += " AND data_type = ?"
		args = append(args, q.DataType)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify("latest readings", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// Get returns the readings with the given IDs in ID order. Unknown IDs are
// skipped.
func (s *ReadingStore) Get(ctx context.Context, ids []int64) ([]Reading, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_id, timestamp, data_type, value, unit, slave_id,
		register_label, quality, raw_registers, received_at FROM telemetry_readings
		WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`) ORDER BY id`, args...)
	if err != nil {
		return nil, store.Classify("get readings", err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]Reading, error) {
	var out []Reading
	for rows.Next() {
		var r Reading
		var quality, raw string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Timestamp, &r.DataType, &r.Value, &r.Unit,
			&r.SlaveID, &r.RegisterLabel, &quality, &raw, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan reading row: %w", err)
		}
		r.Quality = decoderQuality(quality)
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &r.RawRegisters); err != nil {
				return nil, fmt.Errorf("decode raw registers: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertLogs appends a batch of device logs in one transaction.
func (s *ReadingStore) InsertLogs(ctx context.Context, logs []DeviceLog) error {
	return store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO telemetry_device_logs (device_id, timestamp, level, message, metadata)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return store.Classify("prepare log insert", err)
		}
		defer stmt.Close()

		for i := range logs {
			l := &logs[i]
			meta := "{}"
			if len(l.Metadata) > 0 {
				b, err := json.Marshal(l.Metadata)
				if err != nil {
					return fmt.Errorf("encode log metadata: %w", err)
				}
				meta = string(b)
			}
			res, err := stmt.ExecContext(ctx, l.DeviceID, l.Timestamp, l.Level, l.Message, meta)
			if err != nil {
				return store.Classify("insert device log", err)
			}
			l.ID, _ = res.LastInsertId()
		}
		return nil
	})
}

// ListLogs returns the newest logs of a device, newest first.
func (s *ReadingStore) ListLogs(ctx context.Context, deviceID string, limit int) ([]DeviceLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, timestamp, level, message, metadata
		FROM telemetry_device_logs WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, store.Classify("list device logs", err)
	}
	defer rows.Close()

	var out []DeviceLog
	for rows.Next() {
		var l DeviceLog
		var meta string
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Timestamp, &l.Level, &l.Message, &meta); err != nil {
			return nil, fmt.Errorf("scan device log row: %w", err)
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &l.Metadata); err != nil {
				return nil, fmt.Errorf("decode log metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteBefore purges readings received and logs stamped before the cutoff.
func (s *ReadingStore) DeleteBefore(ctx context.Context, before time.Time) (readings, logs int64, err error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_readings WHERE received_at < ?`, before)
	if err != nil {
		return 0, 0, store.Classify("delete old readings", err)
	}
	readings, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM telemetry_device_logs WHERE timestamp < ?`, before)
	if err != nil {
		return readings, 0, store.Classify("delete old device logs", err)
	}
	logs, _ = res.RowsAffected()
	return readings, logs, nil
}
