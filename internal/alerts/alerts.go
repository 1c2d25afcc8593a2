// Package alerts evaluates telemetry and heartbeat recency against the alert
// rule table and keeps at most one open alert per device and type.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
	_ plugin.Validator    = (*Module)(nil)
)

// Module implements the alerts plugin.
type Module struct {
	logger *zap.Logger
	cfg    AlertsConfig
	store  *AlertStore
	eval   *Evaluator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new alerts plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "alerts",
		Version:      "0.1.0",
		Description:  "Telemetry threshold and device offline alerts",
		Dependencies: []string{"identity"},
		Required:     true,
		Roles:        []string{"alerting"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal alerts config: %w", err)
		}
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "alerts", migrations()); err != nil {
			return fmt.Errorf("alerts migrations: %w", err)
		}
		m.store = NewAlertStore(deps.Store.DB())
		m.eval = NewEvaluator(m.store, m.cfg, silentDevices(deps.Plugins), deps.Bus, m.logger)
	}

	m.logger.Info("alerts module initialized",
		zap.Float64("low_voltage", m.cfg.LowVoltage),
		zap.Float64("high_voltage", m.cfg.HighVoltage),
		zap.Duration("offline_after", m.cfg.OfflineAfter),
		zap.Bool("persistent", m.store != nil),
	)
	return nil
}

func silentDevices(plugins plugin.PluginResolver) SilentDevices {
	if plugins == nil {
		return nil
	}
	p, ok := plugins.Resolve("identity")
	if !ok {
		return nil
	}
	im, ok := p.(*identity.Module)
	if !ok || im.Service() == nil {
		return nil
	}
	return im.Service()
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(_ context.Context) error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.eval != nil {
		m.startSweeper()
		m.startMaintenance()
	}
	m.logger.Info("alerts module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.logger != nil {
		m.logger.Info("alerts module stopped")
	}
	return nil
}

// Evaluator returns the alert evaluator, or nil without a store.
func (m *Module) Evaluator() *Evaluator {
	return m.eval
}

// startSweeper runs CheckHeartbeats on every check interval.
func (m *Module) startSweeper() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case now := <-ticker.C:
				m.runSweep(now)
			}
		}
	}()
}

func (m *Module) runSweep(now time.Time) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.CheckInterval)
	defer cancel()

	opened, err := m.eval.CheckHeartbeats(ctx, now)
	if err != nil {
		m.logger.Warn("offline sweep failed", zap.Error(err))
		return
	}
	if len(opened) > 0 {
		m.logger.Info("devices went offline", zap.Int("count", len(opened)))
	}
}

// startMaintenance periodically purges resolved alerts past retention.
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
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-m.cfg.RetentionPeriod)
	deleted, err := m.store.DeleteResolvedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("failed to delete old alerts", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("purged old resolved alerts", zap.Int64("count", deleted))
	}
}
