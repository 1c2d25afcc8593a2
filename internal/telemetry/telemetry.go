// Package telemetry stores ingested readings and uploaded device logs and
// enforces their retention.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
	_ plugin.Validator    = (*Module)(nil)
)

// TelemetryConfig holds configuration for the telemetry module.
type TelemetryConfig struct {
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	LatestLimit         int           `mapstructure:"latest_limit"`
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() TelemetryConfig {
	return TelemetryConfig{
		RetentionPeriod:     90 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		LatestLimit:         10,
	}
}

// Validate checks the configuration.
func (c TelemetryConfig) Validate() error {
	if c.RetentionPeriod < 24*time.Hour {
		return fmt.Errorf("retention_period must be at least 24h")
	}
	if c.MaintenanceInterval < time.Minute {
		return fmt.Errorf("maintenance_interval must be at least 1m")
	}
	if c.LatestLimit < 1 || c.LatestLimit > 1000 {
		return fmt.Errorf("latest_limit must be between 1 and 1000")
	}
	return nil
}

// Module implements the telemetry plugin.
type Module struct {
	logger *zap.Logger
	cfg    TelemetryConfig
	svc    *Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new telemetry plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "telemetry",
		Version:     "0.1.0",
		Description: "Telemetry reading and device log storage",
		Required:    true,
		Roles:       []string{"telemetry_store"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal telemetry config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "telemetry", migrations()); err != nil {
			return fmt.Errorf("telemetry migrations: %w", err)
		}
		m.svc = NewService(NewReadingStore(deps.Store.DB()), deps.Bus, m.logger)
	}

	m.logger.Info("telemetry module initialized",
		zap.Duration("retention_period", m.cfg.RetentionPeriod),
		zap.Bool("persistent", m.svc != nil),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.svc != nil {
		m.startMaintenance()
	}
	m.logger.Info("telemetry module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.logger != nil {
		m.logger.Info("telemetry module stopped")
	}
	return nil
}

// Service returns the telemetry service, or nil without a store.
func (m *Module) Service() *Service {
	return m.svc
}

// RetentionCutoff is the oldest timestamp kept under the configured period.
func (m *Module) RetentionCutoff(now time.Time) time.Time {
	return now.Add(-m.cfg.RetentionPeriod)
}

func (m *Module) startMaintenance() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

func (m *Module) runMaintenance() {
	ctx, cancel := context.WithTimeout(m.ctx, time.Minute)
	defer cancel()

	readings, logs, err := m.svc.Purge(ctx, m.RetentionCutoff(time.Now()))
	if err != nil {
		m.logger.Warn("telemetry retention purge failed", zap.Error(err))
		return
	}
	if readings > 0 || logs > 0 {
		m.logger.Info("purged old telemetry",
			zap.Int64("readings", readings),
			zap.Int64("logs", logs),
		)
	}
}
