package commands

import (
	"context"
	"database/sql"

	"github.com/HerbHall/sunlink/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create pending command flags",
			Up: func(tx *sql.Tx) error {
				_, err := tx.ExecContext(context.Background(), `CREATE TABLE IF NOT EXISTS commands_pending (
					device_id TEXT NOT NULL,
					name TEXT NOT NULL,
					pending INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (device_id, name)
				)`)
				return err
			},
		},
	}
}
