// Package identity provisions field gateways and validates the credentials
// they present on every later call.
package identity

import (
	"context"
	"fmt"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
	_ plugin.Validator    = (*Module)(nil)
)

// Module implements the device identity plugin.
type Module struct {
	logger *zap.Logger
	cfg    IdentityConfig
	store  *DeviceStore
	svc    *Service
}

// New creates a new identity plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "identity",
		Version:     "0.1.0",
		Description: "Gateway provisioning and device credentials",
		Required:    true,
		Roles:       []string{"device_identity"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal identity config: %w", err)
		}
	}

	var tokens *TokenIssuer
	if m.cfg.TokenSecret != "" {
		t, err := NewTokenIssuer([]byte(m.cfg.TokenSecret), m.cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("device token issuer: %w", err)
		}
		tokens = t
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "identity", migrations()); err != nil {
			return fmt.Errorf("identity migrations: %w", err)
		}
		m.store = NewDeviceStore(deps.Store.DB())
		m.svc = NewService(m.store, m.cfg, tokens, deps.Bus, m.logger)
	}

	m.logger.Info("identity module initialized",
		zap.String("claim_policy", m.cfg.ClaimPolicy),
		zap.Int("static_nonces", len(m.cfg.ClaimNonces)),
		zap.String("credential_type", m.cfg.CredentialType),
		zap.Bool("persistent", m.store != nil),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("identity module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.logger != nil {
		m.logger.Info("identity module stopped")
	}
	return nil
}

// Service returns the identity service, or nil when running without a store.
func (m *Module) Service() *Service {
	return m.svc
}

// Routes is implemented in handlers.go.
