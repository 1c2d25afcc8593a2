package telemetry

import (
	"context"
	"database/sql"

	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create telemetry readings and device log tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS telemetry_readings (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT NOT NULL,
						timestamp DATETIME NOT NULL,
						data_type TEXT NOT NULL,
						value REAL NOT NULL,
						unit TEXT NOT NULL DEFAULT '',
						slave_id INTEGER NOT NULL DEFAULT 0,
						register_label TEXT NOT NULL DEFAULT '',
						quality TEXT NOT NULL DEFAULT 'good',
						raw_registers TEXT NOT NULL DEFAULT '',
						received_at DATETIME NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_telemetry_device_ts ON telemetry_readings(device_id, timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_telemetry_data_type ON telemetry_readings(data_type)`,
					`CREATE INDEX IF NOT EXISTS idx_telemetry_received ON telemetry_readings(received_at)`,

					`CREATE TABLE IF NOT EXISTS telemetry_device_logs (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id TEXT NOT NULL,
						timestamp DATETIME NOT NULL,
						level TEXT NOT NULL DEFAULT 'info',
						message TEXT NOT NULL,
						metadata TEXT NOT NULL DEFAULT '{}'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_device_logs_device_ts ON telemetry_device_logs(device_id, timestamp)`,
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
