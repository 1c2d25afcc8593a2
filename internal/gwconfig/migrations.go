package gwconfig

import (
	"context"
	"database/sql"

	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create gateway configuration tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS gwconfig_configs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						config_id TEXT NOT NULL UNIQUE,
						name TEXT NOT NULL DEFAULT '',
						schema_version INTEGER NOT NULL DEFAULT 1,
						baud_rate INTEGER NOT NULL DEFAULT 9600,
						data_bits INTEGER NOT NULL DEFAULT 8,
						stop_bits INTEGER NOT NULL DEFAULT 1,
						parity INTEGER NOT NULL DEFAULT 0,
						created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
					)`,

					`CREATE TABLE IF NOT EXISTS gwconfig_slaves (
						config_id TEXT NOT NULL REFERENCES gwconfig_configs(config_id),
						slave_id INTEGER NOT NULL CHECK (slave_id BETWEEN 1 AND 247),
						device_name TEXT NOT NULL DEFAULT '',
						polling_interval_ms INTEGER NOT NULL DEFAULT 5000,
						timeout_ms INTEGER NOT NULL DEFAULT 1000,
						enabled INTEGER NOT NULL DEFAULT 1,
						PRIMARY KEY (config_id, slave_id)
					)`,

					`CREATE TABLE IF NOT EXISTS gwconfig_registers (
						config_id TEXT NOT NULL,
						slave_id INTEGER NOT NULL,
						label TEXT NOT NULL,
						address INTEGER NOT NULL,
						num_registers INTEGER NOT NULL DEFAULT 1,
						function_code INTEGER NOT NULL DEFAULT 3,
						data_type INTEGER NOT NULL DEFAULT 0,
						word_order TEXT NOT NULL DEFAULT 'big',
						scale_factor REAL NOT NULL DEFAULT 1.0,
						offset REAL NOT NULL DEFAULT 0.0,
						enabled INTEGER NOT NULL DEFAULT 1,
						PRIMARY KEY (config_id, slave_id, label),
						FOREIGN KEY (config_id, slave_id) REFERENCES gwconfig_slaves(config_id, slave_id)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_gwconfig_registers_order ON gwconfig_registers(config_id, slave_id, address)`,

					`CREATE TABLE IF NOT EXISTS gwconfig_defaults (
						customer_id TEXT PRIMARY KEY,
						config_id TEXT NOT NULL REFERENCES gwconfig_configs(config_id),
						updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
