package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/sunlink/internal/store"
)

// Device is a provisioned gateway.
type Device struct {
	ID               string     `json:"id"`
	Serial           string     `json:"serial"`
	Model            string     `json:"model,omitempty"`
	CustomerID       string     `json:"customer_id,omitempty"`
	CredentialType   string     `json:"credential_type"`
	CredentialHash   string     `json:"-"`
	ConfigVersion    string     `json:"config_version,omitempty"`
	AssignedConfigID string     `json:"assigned_config_id,omitempty"`
	FirmwareVersion  string     `json:"firmware_version,omitempty"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	ProvisionedAt    time.Time  `json:"provisioned_at"`
	ConfigSyncedAt   *time.Time `json:"config_synced_at,omitempty"`
	ConfigAckedAt    *time.Time `json:"config_acked_at,omitempty"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Claim is an operator-issued provisioning nonce. The raw nonce is only
// returned once at creation; the table keeps its hash.
type Claim struct {
	ID          string     `json:"id"`
	NonceHash   string     `json:"-"`
	Serial      string     `json:"serial,omitempty"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	MaxUses     int        `json:"max_uses"`
	UseCount    int        `json:"use_count"`
}

// ListFilter narrows ListDevices.
type ListFilter struct {
	CustomerID     string
	IncludeDeleted bool
	Limit          int
}

// errClaimRejected is returned by consumeClaim when no usable claim matches.
var errClaimRejected = errors.New("claim nonce rejected")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceStore provides database access for device identities and claims.
type DeviceStore struct {
	db *sql.DB
}

// NewDeviceStore creates a new DeviceStore backed by the given database.
func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

const deviceColumns = `id, serial, model, customer_id, credential_type, credential_hash,
	config_version, assigned_config_id, firmware_version, uptime_seconds,
	provisioned_at, config_synced_at, config_acked_at, last_heartbeat_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var synced, acked, heartbeat, deleted sql.NullTime
	if err := row.Scan(
		&d.ID, &d.Serial, &d.Model, &d.CustomerID, &d.CredentialType, &d.CredentialHash,
		&d.ConfigVersion, &d.AssignedConfigID, &d.FirmwareVersion, &d.UptimeSeconds,
		&d.ProvisionedAt, &synced, &acked, &heartbeat, &deleted,
	); err != nil {
		return nil, err
	}
	d.ConfigSyncedAt = timePtr(synced)
	d.ConfigAckedAt = timePtr(acked)
	d.LastHeartbeatAt = timePtr(heartbeat)
	d.DeletedAt = timePtr(deleted)
	return &d, nil
}

// GetDevice returns a device by ID, including soft-deleted ones.
// Returns nil, nil if not found.
func (s *DeviceStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	return s.getDevice(ctx, "id", id)
}

// GetDeviceBySerial returns a device by hardware serial. Returns nil, nil if not found.
func (s *DeviceStore) GetDeviceBySerial(ctx context.Context, serial string) (*Device, error) {
	return s.getDevice(ctx, "serial", serial)
}

func (s *DeviceStore) getDevice(ctx context.Context, column, value string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM identity_devices WHERE `+column+` = ?`, value)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Classify("get device", err)
	}
	return d, nil
}

// ListDevices returns devices ordered by provisioning time.
func (s *DeviceStore) ListDevices(ctx context.Context, f ListFilter) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM identity_devices WHERE 1=1`
	var args []any
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY provisioned_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify("list devices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// CreateDevice inserts a new device and, when claimHash is set, consumes the
// matching claim in the same transaction. A duplicate serial surfaces as an
// error for which store.IsUniqueViolation reports true.
func (s *DeviceStore) CreateDevice(ctx context.Context, d *Device, claimHash string) error {
	return store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if claimHash != "" {
			if err := consumeClaim(ctx, tx, claimHash, d.Serial, d.ID, d.ProvisionedAt); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identity_devices (
				id, serial, model, customer_id, credential_type, credential_hash, provisioned_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Serial, d.Model, d.CustomerID, d.CredentialType, d.CredentialHash, d.ProvisionedAt,
		)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return err
			}
			return store.Classify("insert device", err)
		}
		return nil
	})
}

// ReviveDevice restores a soft-deleted device under its original ID with a
// fresh credential, consuming a claim the same way CreateDevice does.
func (s *DeviceStore) ReviveDevice(ctx context.Context, d *Device, claimHash string) error {
	return store.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if claimHash != "" {
			if err := consumeClaim(ctx, tx, claimHash, d.Serial, d.ID, d.ProvisionedAt); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE identity_devices SET
				model = ?, credential_type = ?, credential_hash = ?, provisioned_at = ?,
				config_version = '', config_synced_at = NULL, config_acked_at = NULL,
				last_heartbeat_at = NULL, uptime_seconds = 0, deleted_at = NULL
			WHERE id = ? AND deleted_at IS NOT NULL`,
			d.Model, d.CredentialType, d.CredentialHash, d.ProvisionedAt, d.ID,
		)
		if err != nil {
			return store.Classify("revive device", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// UpdateCredential replaces a device's credential hash (re-provision rotation).
func (s *DeviceStore) UpdateCredential(ctx context.Context, id, credType, hash, model string) error {
	return s.updateOne(ctx, "update credential", `
		UPDATE identity_devices SET credential_type = ?, credential_hash = ?,
			model = CASE WHEN ? = '' THEN model ELSE ? END
		WHERE id = ? AND deleted_at IS NULL`,
		credType, hash, model, model, id)
}

// SetCustomer transfers ownership of a device.
func (s *DeviceStore) SetCustomer(ctx context.Context, id, customerID string) error {
	return s.updateOne(ctx, "set customer",
		`UPDATE identity_devices SET customer_id = ? WHERE id = ? AND deleted_at IS NULL`,
		customerID, id)
}

// SetAssignedConfig records an explicit config assignment.
func (s *DeviceStore) SetAssignedConfig(ctx context.Context, id, configID string) error {
	return s.updateOne(ctx, "assign config",
		`UPDATE identity_devices SET assigned_config_id = ? WHERE id = ? AND deleted_at IS NULL`,
		configID, id)
}

// SoftDelete marks a device deleted and invalidates its credential. Telemetry
// and alerts keep referencing the row.
func (s *DeviceStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx, "soft delete device",
		`UPDATE identity_devices SET deleted_at = ?, credential_hash = '' WHERE id = ? AND deleted_at IS NULL`,
		at, id)
}

// RecordConfigSync stores the config ID served to the device.
func (s *DeviceStore) RecordConfigSync(ctx context.Context, id, configID, firmware string, at time.Time) error {
	return s.updateOne(ctx, "record config sync", `
		UPDATE identity_devices SET config_version = ?, config_synced_at = ?,
			firmware_version = CASE WHEN ? = '' THEN firmware_version ELSE ? END
		WHERE id = ? AND deleted_at IS NULL`,
		configID, at, firmware, firmware, id)
}

// RecordHeartbeat stores liveness. A non-empty ackConfigID also records the
// device's acknowledgement of that config.
func (s *DeviceStore) RecordHeartbeat(ctx context.Context, id, ackConfigID string, uptime int64, at time.Time) error {
	if ackConfigID == "" {
		return s.updateOne(ctx, "record heartbeat",
			`UPDATE identity_devices SET last_heartbeat_at = ?, uptime_seconds = ? WHERE id = ? AND deleted_at IS NULL`,
			at, uptime, id)
	}
	return s.updateOne(ctx, "record heartbeat", `
		UPDATE identity_devices SET last_heartbeat_at = ?, uptime_seconds = ?,
			config_version = ?, config_acked_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		at, uptime, ackConfigID, at, id)
}

// ListSilentSince returns live devices whose last heartbeat is older than
// cutoff. Devices that never sent a heartbeat are not included.
func (s *DeviceStore) ListSilentSince(ctx context.Context, cutoff time.Time) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM identity_devices
		WHERE deleted_at IS NULL AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at`, cutoff)
	if err != nil {
		return nil, store.Classify("list silent devices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// updateOne runs a single-row update and returns sql.ErrNoRows when no live
// device matched.
func (s *DeviceStore) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.Classify(op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// -- Claims --

// CreateClaim inserts a new claim.
func (s *DeviceStore) CreateClaim(ctx context.Context, c *Claim) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_claims (
			id, nonce_hash, serial, description, created_at, expires_at,
			used_at, device_id, max_uses, use_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.NonceHash, c.Serial, c.Description, c.CreatedAt,
		nullTime(c.ExpiresAt), nullTime(c.UsedAt), c.DeviceID, c.MaxUses, c.UseCount,
	)
	if err != nil {
		return store.Classify("create claim", err)
	}
	return nil
}

// ListClaims returns all claims, newest first.
func (s *DeviceStore) ListClaims(ctx context.Context) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, nonce_hash, serial, description, created_at, expires_at,
			used_at, device_id, max_uses, use_count
		FROM identity_claims ORDER BY created_at DESC`)
	if err != nil {
		return nil, store.Classify("list claims", err)
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		var c Claim
		var expires, used sql.NullTime
		if err := rows.Scan(&c.ID, &c.NonceHash, &c.Serial, &c.Description, &c.CreatedAt,
			&expires, &used, &c.DeviceID, &c.MaxUses, &c.UseCount); err != nil {
			return nil, fmt.Errorf("scan claim row: %w", err)
		}
		c.ExpiresAt = timePtr(expires)
		c.UsedAt = timePtr(used)
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// consumeClaim validates and uses a claim in one statement, so two concurrent
// provisions cannot both spend the last use.
func consumeClaim(ctx context.Context, q querier, nonceHash, serial, deviceID string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE identity_claims SET
			use_count = use_count + 1,
			used_at = ?,
			device_id = ?
		WHERE nonce_hash = ?
			AND use_count < max_uses
			AND (expires_at IS NULL OR expires_at > ?)
			AND (serial = '' OR serial = ?)`,
		now, deviceID, nonceHash, now, serial,
	)
	if err != nil {
		return store.Classify("consume claim", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errClaimRejected
	}
	return nil
}

// -- helpers --

// nullTime converts a *time.Time to sql.NullTime for database operations.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
