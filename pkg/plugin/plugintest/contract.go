// Package plugintest provides shared contract tests that verify any
// plugin.Plugin implementation behaves correctly. Every module's test
// file should call TestPluginContract to ensure conformance.
package plugintest

import (
	"context"
	"testing"

	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Option customizes the dependencies handed to the plugin under test.
type Option func(t *testing.T, deps *plugin.Dependencies)

// WithStore supplies a store factory so modules that need persistence
// exercise their migrations during the contract run.
func WithStore(factory func(t *testing.T) plugin.Store) Option {
	return func(t *testing.T, deps *plugin.Dependencies) {
		deps.Store = factory(t)
	}
}

// WithConfig supplies a scoped plugin configuration.
func WithConfig(cfg plugin.Config) Option {
	return func(_ *testing.T, deps *plugin.Dependencies) {
		deps.Config = cfg
	}
}

// TestPluginContract runs a suite of behavioral contract tests against
// any plugin.Plugin implementation. Call this from each module's _test.go:
//
//	func TestContract(t *testing.T) {
//	    plugintest.TestPluginContract(t, func() plugin.Plugin { return alerts.New() })
//	}
func TestPluginContract(t *testing.T, factory func() plugin.Plugin, opts ...Option) {
	t.Helper()

	t.Run("Info_returns_valid_metadata", func(t *testing.T) {
		p := factory()
		info := p.Info()
		if info.Name == "" {
			t.Error("Info().Name must not be empty")
		}
		if info.Version == "" {
			t.Error("Info().Version must not be empty")
		}
		if info.APIVersion < plugin.APIVersionMin {
			t.Errorf("Info().APIVersion = %d, below minimum %d", info.APIVersion, plugin.APIVersionMin)
		}
	})

	t.Run("Init_succeeds_with_valid_deps", func(t *testing.T) {
		p := factory()
		deps := testDeps(t, p.Info().Name, opts)
		if err := p.Init(context.Background(), deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
	})

	t.Run("Start_after_Init", func(t *testing.T) {
		p := factory()
		deps := testDeps(t, p.Info().Name, opts)
		if err := p.Init(context.Background(), deps); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		// Clean up.
		_ = p.Stop(context.Background())
	})

	t.Run("Stop_without_Start_does_not_panic", func(t *testing.T) {
		p := factory()
		deps := testDeps(t, p.Info().Name, opts)
		_ = p.Init(context.Background(), deps)
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop() without Start error = %v", err)
		}
	})

	t.Run("Info_is_idempotent", func(t *testing.T) {
		p := factory()
		a := p.Info()
		b := p.Info()
		if a.Name != b.Name || a.Version != b.Version {
			t.Error("Info() must return consistent results")
		}
	})
}

func testDeps(t *testing.T, name string, opts []Option) plugin.Dependencies {
	deps := plugin.Dependencies{
		Logger: zap.NewNop().Named(name),
	}
	for _, opt := range opts {
		opt(t, &deps)
	}
	return deps
}
