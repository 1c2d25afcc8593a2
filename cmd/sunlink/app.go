package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/config"
	"github.com/HerbHall/sunlink/internal/event"
	"github.com/HerbHall/sunlink/internal/gwconfig"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/mqtt"
	"github.com/HerbHall/sunlink/internal/protocol"
	"github.com/HerbHall/sunlink/internal/registry"
	"github.com/HerbHall/sunlink/internal/server"
	"github.com/HerbHall/sunlink/internal/store"
	"github.com/HerbHall/sunlink/internal/telemetry"
	"github.com/HerbHall/sunlink/internal/tsdb"
	"github.com/HerbHall/sunlink/internal/version"
	"github.com/HerbHall/sunlink/internal/webhook"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the composition root shared by serve and the maintenance commands.
type app struct {
	v       *viper.Viper
	logger  *zap.Logger
	db      *store.SQLiteStore
	bus     *event.Bus
	reg     *registry.Registry
	modules []plugin.Plugin
}

// loadSettings reads configuration and builds the logger. Commands that do
// not touch the database stop here.
func loadSettings(configPath string) (*app, error) {
	// Load configuration before the logger so log level/format apply.
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}
	return &app{v: v, logger: logger}, nil
}

// bootstrap opens the database, registers every plugin and initializes
// them. Initialization applies each plugin's migrations. Plugins are not
// started.
func bootstrap(configPath string) (*app, error) {
	a, err := loadSettings(configPath)
	if err != nil {
		return nil, err
	}
	logger := a.logger
	logger.Info("SunLink starting", zap.String("version", version.Short()))

	dsn := a.v.GetString("database.dsn")
	if dsn == "" {
		dsn = "sunlink.db"
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	a.db, err = store.New(dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := a.db.CheckVersion(context.Background(), version.Short()); err != nil {
		a.db.Close()
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dsn))

	a.bus = event.NewBus(logger.Named("event"))
	a.reg = registry.New(logger.Named("registry"))

	// Register all plugins (compile-time composition).
	a.modules = []plugin.Plugin{
		identity.New(),
		commands.New(),
		gwconfig.New(),
		telemetry.New(),
		alerts.New(),
		protocol.New(),
		mqtt.New(),
		tsdb.New(),
		webhook.New(),
	}
	for _, m := range a.modules {
		if err := a.reg.Register(m); err != nil {
			a.db.Close()
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}
	if err := a.reg.Validate(); err != nil {
		a.db.Close()
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	cfg := config.New(a.v)
	if err := a.reg.InitAll(context.Background(), func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   a.db,
			Bus:     a.bus,
			Plugins: a.reg,
		}
	}); err != nil {
		a.db.Close()
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}
	return a, nil
}

// Close releases the database and flushes the logger.
func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// find returns the registered plugin of type T.
func find[T plugin.Plugin](a *app) (T, bool) {
	for _, m := range a.modules {
		if t, ok := m.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}
