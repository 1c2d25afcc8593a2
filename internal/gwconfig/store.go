package gwconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/internal/store"
)

// ConfigStore provides database access for gateway configurations.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a new ConfigStore backed by the given database.
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// errDuplicateConfig is returned by Insert when the config ID exists.
var errDuplicateConfig = errors.New("config id already published")

// Insert writes a whole config tree in one transaction.
func (s *ConfigStore) Insert(ctx context.Context, c *GatewayConfig) error {
	return store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gwconfig_configs (
				config_id, name, schema_version, baud_rate, data_bits, stop_bits, parity,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConfigID, c.Name, c.SchemaVersion, c.UART.BaudRate, c.UART.DataBits,
			c.UART.StopBits, c.UART.Parity, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return errDuplicateConfig
			}
			return store.Classify("insert config", err)
		}

		for _, sl := range c.Slaves {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO gwconfig_slaves (
					config_id, slave_id, device_name, polling_interval_ms, timeout_ms, enabled
				) VALUES (?, ?, ?, ?, ?, ?)`,
				c.ConfigID, sl.SlaveID, sl.DeviceName, sl.PollingIntervalMs, sl.TimeoutMs, sl.Enabled,
			); err != nil {
				return store.Classify("insert slave", err)
			}
			for _, r := range sl.Registers {
				wo := r.WordOrder
				if wo == "" {
					wo = decoder.WordOrderBig
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO gwconfig_registers (
						config_id, slave_id, label, address, num_registers, function_code,
						data_type, word_order, scale_factor, offset, enabled
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					c.ConfigID, sl.SlaveID, r.Label, r.Address, r.NumRegisters, r.FunctionCode,
					int(r.DataType), string(wo), r.ScaleFactor, r.Offset, r.Enabled,
				); err != nil {
					return store.Classify("insert register", err)
				}
			}
		}
		return nil
	})
}

// Get loads a full config tree in deterministic order. Returns nil, nil if
// not found.
func (s *ConfigStore) Get(ctx context.Context, configID string) (*GatewayConfig, error) {
	var c GatewayConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT config_id, name, schema_version, baud_rate, data_bits, stop_bits, parity,
			created_at, updated_at
		FROM gwconfig_configs WHERE config_id = ?`, configID,
	).Scan(&c.ConfigID, &c.Name, &c.SchemaVersion, &c.UART.BaudRate, &c.UART.DataBits,
		&c.UART.StopBits, &c.UART.Parity, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify("get config", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT slave_id, device_name, polling_interval_ms, timeout_ms, enabled
		FROM gwconfig_slaves WHERE config_id = ? ORDER BY slave_id`, configID)
	if err != nil {
		return nil, store.Classify("get slaves", err)
	}
	index := make(map[int]int)
	for rows.Next() {
		var sl Slave
		if err := rows.Scan(&sl.SlaveID, &sl.DeviceName, &sl.PollingIntervalMs, &sl.TimeoutMs, &sl.Enabled); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan slave row: %w", err)
		}
		sl.Registers = []Register{}
		index[sl.SlaveID] = len(c.Slaves)
		c.Slaves = append(c.Slaves, sl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Classify("read slaves", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT slave_id, label, address, num_registers, function_code, data_type,
			word_order, scale_factor, offset, enabled
		FROM gwconfig_registers WHERE config_id = ?
		ORDER BY slave_id, address, label`, configID)
	if err != nil {
		return nil, store.Classify("get registers", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Register
		var slaveID, dt int
		var wo string
		if err := rows.Scan(&slaveID, &r.Label, &r.Address, &r.NumRegisters, &r.FunctionCode,
			&dt, &wo, &r.ScaleFactor, &r.Offset, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan register row: %w", err)
		}
		r.DataType = decoder.DataType(dt)
		r.WordOrder = decoder.WordOrder(wo)
		if i, ok := index[slaveID]; ok {
			c.Slaves[i].Registers = append(c.Slaves[i].Registers, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify("read registers", err)
	}
	if c.Slaves == nil {
		c.Slaves = []Slave{}
	}
	return &c, nil
}

// Latest returns the ID of the most recently published config, or "".
func (s *ConfigStore) Latest(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_id FROM gwconfig_configs ORDER BY seq DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify("latest config", err)
	}
	return id, nil
}

// List returns summaries, newest first.
func (s *ConfigStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.config_id, c.name, c.schema_version, c.created_at,
			(SELECT COUNT(*) FROM gwconfig_slaves sl WHERE sl.config_id = c.config_id),
			(SELECT COUNT(*) FROM gwconfig_registers r WHERE r.config_id = c.config_id)
		FROM gwconfig_configs c ORDER BY c.seq DESC`)
	if err != nil {
		return nil, store.Classify("list configs", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ConfigID, &sm.Name, &sm.SchemaVersion, &sm.CreatedAt,
			&sm.Slaves, &sm.Registers); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// SetDefault upserts the default config of a customer ("" for the global
// default).
func (s *ConfigStore) SetDefault(ctx context.Context, customerID, configID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gwconfig_defaults (customer_id, config_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			config_id = excluded.config_id,
			updated_at = excluded.updated_at`,
		customerID, configID, at,
	)
	return store.Classify("set default config", err)
}

// Default returns the default config ID of a customer, or "".
func (s *ConfigStore) Default(ctx context.Context, customerID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_id FROM gwconfig_defaults WHERE customer_id = ?`, customerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", store.Classify("get default config", err)
	}
	return id, nil
}

// Defaults returns every customer default, keyed by customer ("" is global).
func (s *ConfigStore) Defaults(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT customer_id, config_id FROM gwconfig_defaults`)
	if err != nil {
		return nil, store.Classify("list default configs", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var cust, cfg string
		if err := rows.Scan(&cust, &cfg); err != nil {
			return nil, fmt.Errorf("scan default row: %w", err)
		}
		out[cust] = cfg
	}
	return out, rows.Err()
}
