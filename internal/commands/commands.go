// Package commands holds per-device pending command flags that gateways
// collect on their next heartbeat.
package commands

import (
	"context"
	"fmt"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Module implements the command queue plugin.
type Module struct {
	logger *zap.Logger
	cfg    CommandsConfig
	queue  Queue
	redis  *redis.Client
}

// New creates a new commands plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "commands",
		Version:     "0.1.0",
		Description: "Per-device command flags delivered over heartbeats",
		Required:    true,
		Roles:       []string{"command_queue"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal commands config: %w", err)
		}
	}

	switch m.cfg.Backend {
	case BackendRedis:
		m.redis = redis.NewClient(&redis.Options{
			Addr:     m.cfg.RedisAddr,
			Password: m.cfg.RedisPassword,
			DB:       m.cfg.RedisDB,
		})
		m.queue = NewRedisQueue(m.redis, m.cfg.KeyPrefix)
	default:
		if deps.Store != nil {
			if err := deps.Store.Migrate(ctx, "commands", migrations()); err != nil {
				return fmt.Errorf("commands migrations: %w", err)
			}
			m.queue = NewSQLQueue(deps.Store.DB())
		}
	}

	m.logger.Info("commands module initialized",
		zap.String("backend", m.cfg.Backend),
		zap.Bool("available", m.queue != nil),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(ctx context.Context) error {
	if m.redis != nil {
		if err := m.redis.Ping(ctx).Err(); err != nil {
			// Heartbeats surface 503 until Redis comes back.
			m.logger.Warn("redis unreachable at start", zap.String("addr", m.cfg.RedisAddr), zap.Error(err))
		}
	}
	m.logger.Info("commands module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.Warn("close redis client", zap.Error(err))
		}
		m.redis = nil
	}
	if m.logger != nil {
		m.logger.Info("commands module stopped")
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if m.queue == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no command queue backend"}
	}
	if m.redis != nil {
		if err := m.redis.Ping(ctx).Err(); err != nil {
			return plugin.HealthStatus{Status: "unhealthy", Message: err.Error(),
				Details: map[string]string{"backend": BackendRedis}}
		}
	}
	return plugin.HealthStatus{Status: "healthy", Details: map[string]string{"backend": m.cfg.Backend}}
}

// Queue returns the configured queue, or nil when unavailable.
func (m *Module) Queue() Queue {
	return m.queue
}
