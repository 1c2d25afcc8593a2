package alerts

import (
	"context"
	"database/sql"

	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create alerts table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS alerts (
						id TEXT PRIMARY KEY,
						device_id TEXT NOT NULL,
						alert_type TEXT NOT NULL,
						severity TEXT NOT NULL CHECK (severity IN ('critical', 'warning', 'info')),
						status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'acknowledged', 'resolved')),
						title TEXT NOT NULL,
						message TEXT NOT NULL DEFAULT '',
						triggered_at DATETIME NOT NULL,
						last_triggered_at DATETIME NOT NULL,
						occurrences INTEGER NOT NULL DEFAULT 1,
						acknowledged_at DATETIME,
						acknowledged_by TEXT NOT NULL DEFAULT '',
						resolved_at DATETIME,
						resolved_by TEXT NOT NULL DEFAULT '',
						metadata TEXT NOT NULL DEFAULT '{}'
					)`,
					// One open alert per device and type, whatever process raced to insert.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
						ON alerts(device_id, alert_type) WHERE status != 'resolved'`,
					`CREATE INDEX IF NOT EXISTS idx_alerts_device_status ON alerts(device_id, status)`,
					`CREATE INDEX IF NOT EXISTS idx_alerts_triggered ON alerts(triggered_at)`,
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
