package identity

import (
	"context"
	"database/sql"

	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create identity tables for devices and claim nonces",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS identity_devices (
						id TEXT PRIMARY KEY,
						serial TEXT NOT NULL UNIQUE,
						model TEXT NOT NULL DEFAULT '',
						customer_id TEXT NOT NULL DEFAULT '',
						credential_type TEXT NOT NULL DEFAULT 'api-key',
						credential_hash TEXT NOT NULL DEFAULT '',
						config_version TEXT NOT NULL DEFAULT '',
						assigned_config_id TEXT NOT NULL DEFAULT '',
						firmware_version TEXT NOT NULL DEFAULT '',
						uptime_seconds INTEGER NOT NULL DEFAULT 0,
						provisioned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						config_synced_at DATETIME,
						config_acked_at DATETIME,
						last_heartbeat_at DATETIME,
						deleted_at DATETIME
					)`,
					`CREATE INDEX IF NOT EXISTS idx_identity_devices_customer ON identity_devices(customer_id)`,

					`CREATE TABLE IF NOT EXISTS identity_claims (
						id TEXT PRIMARY KEY,
						nonce_hash TEXT NOT NULL UNIQUE,
						serial TEXT NOT NULL DEFAULT '',
						description TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						expires_at DATETIME,
						used_at DATETIME,
						device_id TEXT NOT NULL DEFAULT '',
						max_uses INTEGER NOT NULL DEFAULT 1,
						use_count INTEGER NOT NULL DEFAULT 0
					)`,
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
