// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/HerbHall/sunlink/internal/config"
	"github.com/HerbHall/sunlink/internal/store"
	"github.com/HerbHall/sunlink/pkg/plugin"
)

// NewStore opens a fresh SQLite database in a per-test temp directory and
// closes it on cleanup. A file (not :memory:) keeps WAL behavior realistic.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "sunlink.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// StoreFactory adapts NewStore for plugintest.WithStore.
func StoreFactory(t *testing.T) plugin.Store {
	return NewStore(t)
}

// Config builds a scoped plugin config from a map, defaults applied by the
// plugin's own DefaultConfig.
func Config(values map[string]any) plugin.Config {
	return config.FromMap(values)
}

// Options mutate a value built by a fixture constructor.
type Option[T any] func(*T)

// Build applies opts to base and returns it.
func Build[T any](base T, opts ...Option[T]) T {
	for _, opt := range opts {
		opt(&base)
	}
	return base
}
