package identity

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/store"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var serialPattern = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,64}$`)

// ProvisionRequest is the input to Provision.
type ProvisionRequest struct {
	Serial     string
	Model      string
	ClaimNonce string
}

// Provisioned is the result of Provision.
type Provisioned struct {
	Device     *Device
	Credential Credential
	Created    bool
}

// ClaimRequest is the input to CreateClaim.
type ClaimRequest struct {
	Description string        `json:"description"`
	Serial      string        `json:"serial,omitempty"`
	MaxUses     int           `json:"max_uses,omitempty"`
	TTL         time.Duration `json:"-"`
}

// Service is the device identity store: it provisions devices, issues their
// credentials and validates them on every later call.
type Service struct {
	store  *DeviceStore
	cfg    IdentityConfig
	tokens *TokenIssuer
	bus    plugin.EventBus
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service. tokens may be nil when the credential type is
// api-key.
func NewService(s *DeviceStore, cfg IdentityConfig, tokens *TokenIssuer, bus plugin.EventBus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, cfg: cfg, tokens: tokens, bus: bus, logger: logger, now: time.Now}
}

// Provision registers a device or, when its serial is already known, returns
// the existing device ID with a freshly issued credential.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*Provisioned, error) {
	serial := strings.TrimSpace(req.Serial)
	if serial == "" {
		return nil, apperr.Validation("hwId is required")
	}
	if !serialPattern.MatchString(serial) {
		return nil, apperr.Validation("hwId must be 1-64 characters of letters, digits, ':', '.', '_' or '-'")
	}

	existing, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.DeletedAt == nil {
		return s.reissue(ctx, existing, req.Model)
	}

	claimHash, err := s.checkClaim(req.ClaimNonce)
	if err != nil {
		s.logger.Warn("provision rejected", zap.String("serial", serial), zap.Error(err))
		return nil, err
	}

	d := &Device{
		ID:             uuid.NewString(),
		Serial:         serial,
		Model:          req.Model,
		CredentialType: s.credentialType(),
		ProvisionedAt:  s.now().UTC(),
	}
	if existing != nil {
		d.ID = existing.ID
		d.CustomerID = existing.CustomerID
	}
	cred, hash, err := s.issueCredential(d.ID)
	if err != nil {
		return nil, err
	}
	d.CredentialHash = hash

	if existing != nil {
		err = s.store.ReviveDevice(ctx, d, claimHash)
	} else {
		err = s.store.CreateDevice(ctx, d, claimHash)
	}
	switch {
	case errors.Is(err, errClaimRejected):
		s.logger.Warn("provision rejected", zap.String("serial", serial), zap.Error(err))
		return nil, apperr.Invalid("claim nonce rejected", nil)
	case store.IsUniqueViolation(err), errors.Is(err, sql.ErrNoRows):
		// A concurrent Provision for the same serial won the insert.
		winner, gerr := s.store.GetDeviceBySerial(ctx, serial)
		if gerr != nil {
			return nil, gerr
		}
		if winner == nil || winner.DeletedAt != nil {
			return nil, apperr.Transient("device record changed concurrently", err)
		}
		return s.reissue(ctx, winner, req.Model)
	case err != nil:
		return nil, err
	}

	s.logger.Info("device provisioned",
		zap.String("device_id", d.ID),
		zap.String("serial", serial),
		zap.String("credential_type", d.CredentialType),
		zap.Bool("revived", existing != nil),
	)
	s.publish(ctx, TopicDeviceProvisioned, DeviceEvent{DeviceID: d.ID, Serial: serial, Created: true})
	return &Provisioned{Device: d, Credential: cred, Created: true}, nil
}

// reissue rotates the credential of an existing device.
func (s *Service) reissue(ctx context.Context, d *Device, model string) (*Provisioned, error) {
	cred, hash, err := s.issueCredential(d.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateCredential(ctx, d.ID, cred.Type, hash, model); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Transient("device record changed concurrently", err)
		}
		return nil, err
	}
	d.CredentialType = cred.Type
	d.CredentialHash = hash
	if model != "" {
		d.Model = model
	}
	s.logger.Info("device credential reissued", zap.String("device_id", d.ID), zap.String("serial", d.Serial))
	s.publish(ctx, TopicDeviceProvisioned, DeviceEvent{DeviceID: d.ID, Serial: d.Serial})
	return &Provisioned{Device: d, Credential: cred}, nil
}

// checkClaim applies the claim policy to a new device. It returns the hash of
// an operator-issued claim to consume, or "" when nothing needs consuming.
func (s *Service) checkClaim(nonce string) (string, error) {
	if s.cfg.ClaimPolicy == ClaimPolicyOpen {
		return "", nil
	}
	if nonce == "" {
		return "", apperr.Invalid("claim nonce required for new devices", nil)
	}
	for _, allowed := range s.cfg.ClaimNonces {
		if subtle.ConstantTimeCompare([]byte(nonce), []byte(allowed)) == 1 {
			return "", nil
		}
	}
	return hashSecret(nonce), nil
}

func (s *Service) credentialType() string {
	if s.cfg.CredentialType == CredentialToken {
		return CredentialToken
	}
	return CredentialAPIKey
}

// issueCredential returns the credential for the device and the digest to
// store. For tokens the digest pins the token ID, so re-provisioning revokes
// earlier tokens.
func (s *Service) issueCredential(deviceID string) (Credential, string, error) {
	if s.credentialType() == CredentialToken {
		if s.tokens == nil {
			return Credential{}, "", errors.New("device token issuer not configured")
		}
		token, jti, err := s.tokens.issue(deviceID)
		if err != nil {
			return Credential{}, "", err
		}
		return Credential{
			Type:      CredentialToken,
			Token:     token,
			ExpiresIn: int64(s.tokens.ttl / time.Second),
		}, hashSecret(jti), nil
	}
	key, err := newAPIKey()
	if err != nil {
		return Credential{}, "", err
	}
	return Credential{Type: CredentialAPIKey, Secret: key}, hashSecret(key), nil
}

// ValidateCredential authenticates a device call. Unknown and deleted devices
// are reported as invalid credentials rather than not found.
func (s *Service) ValidateCredential(ctx context.Context, deviceID, credential string) (*Device, error) {
	if deviceID == "" || credential == "" {
		return nil, apperr.Invalid("missing device credential", nil)
	}
	d, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.DeletedAt != nil {
		return nil, apperr.Invalid("invalid device credential", nil)
	}

	switch d.CredentialType {
	case CredentialToken:
		if s.tokens == nil {
			return nil, apperr.Invalid("invalid device credential", errors.New("token credentials disabled"))
		}
		claims, err := s.tokens.verify(credential)
		if err != nil {
			return nil, err
		}
		if claims.Subject != d.ID || !secretMatches(claims.ID, d.CredentialHash) {
			return nil, apperr.Invalid("invalid device credential", errors.New("token superseded or issued to another device"))
		}
	default:
		if !secretMatches(credential, d.CredentialHash) {
			return nil, apperr.Invalid("invalid device credential", nil)
		}
	}
	return d, nil
}

// Get returns a device by ID, including soft-deleted ones.
func (s *Service) Get(ctx context.Context, id string) (*Device, error) {
	d, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("device %s not found", id)
	}
	return d, nil
}

// GetBySerial returns a live device by hardware serial.
func (s *Service) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	d, err := s.store.GetDeviceBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if d == nil || d.DeletedAt != nil {
		return nil, apperr.NotFound("device with serial %s not found", serial)
	}
	return d, nil
}

// List returns devices matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Device, error) {
	return s.store.ListDevices(ctx, f)
}

// ListSilentSince returns devices whose last heartbeat predates cutoff.
func (s *Service) ListSilentSince(ctx context.Context, cutoff time.Time) ([]Device, error) {
	return s.store.ListSilentSince(ctx, cutoff.UTC())
}

// TransferOwnership moves a device to another customer. An empty customerID
// leaves the device unowned.
func (s *Service) TransferOwnership(ctx context.Context, deviceID, customerID string) error {
	if err := s.mapMissing(deviceID, s.store.SetCustomer(ctx, deviceID, customerID)); err != nil {
		return err
	}
	s.logger.Info("device ownership transferred",
		zap.String("device_id", deviceID), zap.String("customer_id", customerID))
	s.publish(ctx, TopicDeviceOwnerChanged, DeviceEvent{DeviceID: deviceID, CustomerID: customerID})
	return nil
}

// SoftDelete decommissions a device. Its record stays for telemetry and alert
// history; its credential stops validating.
func (s *Service) SoftDelete(ctx context.Context, deviceID string) error {
	if err := s.mapMissing(deviceID, s.store.SoftDelete(ctx, deviceID, s.now().UTC())); err != nil {
		return err
	}
	s.logger.Info("device soft-deleted", zap.String("device_id", deviceID))
	s.publish(ctx, TopicDeviceDeleted, DeviceEvent{DeviceID: deviceID})
	return nil
}

// RecordConfigSync stores the config ID just served to the device.
func (s *Service) RecordConfigSync(ctx context.Context, deviceID, configID, firmware string) error {
	return s.mapMissing(deviceID, s.store.RecordConfigSync(ctx, deviceID, configID, firmware, s.now().UTC()))
}

// RecordHeartbeat stores liveness and, when ackConfigID is set, the device's
// acknowledgement of that config.
func (s *Service) RecordHeartbeat(ctx context.Context, deviceID, ackConfigID string, uptime int64) error {
	return s.mapMissing(deviceID, s.store.RecordHeartbeat(ctx, deviceID, ackConfigID, uptime, s.now().UTC()))
}

// AssignConfig records an explicit config assignment on the device record.
func (s *Service) AssignConfig(ctx context.Context, deviceID, configID string) error {
	return s.mapMissing(deviceID, s.store.SetAssignedConfig(ctx, deviceID, configID))
}

// CreateClaim issues a provisioning nonce and returns it in the clear. Only
// its hash is stored.
func (s *Service) CreateClaim(ctx context.Context, req ClaimRequest) (string, *Claim, error) {
	if req.Serial != "" && !serialPattern.MatchString(req.Serial) {
		return "", nil, apperr.Validation("serial is malformed")
	}
	if req.MaxUses < 0 {
		return "", nil, apperr.Validation("max_uses must not be negative")
	}
	raw, err := randomHex(nonceSize)
	if err != nil {
		return "", nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.ClaimTTL
	}
	now := s.now().UTC()
	c := &Claim{
		ID:          uuid.NewString(),
		NonceHash:   hashSecret(raw),
		Serial:      req.Serial,
		Description: req.Description,
		CreatedAt:   now,
		MaxUses:     max(req.MaxUses, 1),
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		return "", nil, err
	}
	s.logger.Info("claim created", zap.String("claim_id", c.ID), zap.Int("max_uses", c.MaxUses))
	return raw, c, nil
}

// ListClaims returns all operator-issued claims.
func (s *Service) ListClaims(ctx context.Context) ([]Claim, error) {
	return s.store.ListClaims(ctx)
}

func (s *Service) mapMissing(deviceID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("device %s not found", deviceID)
	}
	return err
}

func (s *Service) publish(ctx context.Context, topic string, payload DeviceEvent) {
	if s.bus == nil {
		return
	}
	s.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "identity",
		Timestamp: s.now(),
		Payload:   payload,
	})
}
