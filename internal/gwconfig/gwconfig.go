// Package gwconfig is the gateway configuration repository: immutable
// Modbus polling plans and the rules that pick one for each device.
package gwconfig

import (
	"context"
	"fmt"

	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module implements the configs plugin.
type Module struct {
	logger *zap.Logger
	repo   *Repository
}

// New creates a new configs plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "configs",
		Version:      "0.1.0",
		Description:  "Gateway Modbus configuration repository",
		Dependencies: []string{"identity", "commands"},
		Required:     true,
		Roles:        []string{"config_repository"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	if deps.Store == nil {
		m.logger.Warn("configs module running without a store")
		return nil
	}
	if err := deps.Store.Migrate(ctx, "configs", migrations()); err != nil {
		return fmt.Errorf("configs migrations: %w", err)
	}

	devices, flags := resolveDeps(deps.Plugins)
	m.repo = NewRepository(NewConfigStore(deps.Store.DB()), devices, flags, deps.Bus, m.logger)

	m.logger.Info("configs module initialized",
		zap.Bool("devices", devices != nil),
		zap.Bool("commands", flags != nil),
	)
	return nil
}

// resolveDeps finds the identity service and the command queue. Either may
// be nil when the resolver is absent or the plugin runs without a store.
func resolveDeps(plugins plugin.PluginResolver) (DeviceLookup, CommandFlagger) {
	if plugins == nil {
		return nil, nil
	}
	var devices DeviceLookup
	var flags CommandFlagger
	if p, ok := plugins.Resolve("identity"); ok {
		if im, ok := p.(*identity.Module); ok && im.Service() != nil {
			devices = im.Service()
		}
	}
	if p, ok := plugins.Resolve("commands"); ok {
		if cm, ok := p.(*commands.Module); ok && cm.Queue() != nil {
			flags = cm.Queue()
		}
	}
	return devices, flags
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("configs module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.logger != nil {
		m.logger.Info("configs module stopped")
	}
	return nil
}

// Repository returns the config repository, or nil without a store.
func (m *Module) Repository() *Repository {
	return m.repo
}
