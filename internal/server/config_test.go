package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	v, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg, err := ServerConfig(v)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.ReadTimeout != 15*time.Second {
		t.Errorf("read_timeout = %v, want 15s", cfg.ReadTimeout)
	}
	if got := v.GetString("plugins.identity.claim_policy"); got != "nonce" {
		t.Errorf("claim_policy = %q, want nonce", got)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sunlink.yaml")
	yaml := []byte("server:\n  port: 9090\nplugins:\n  alerts:\n    low_voltage: 11.5\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SUNLINK_PLUGINS_COMMANDS_BACKEND", "redis")

	v, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	t.Setenv("SUNLINK_SERVER_HOST", "127.0.0.1")
	cfg, _ := ServerConfig(v)
	if cfg.Addr() != "127.0.0.1:9090" {
		t.Errorf("addr = %q, want 127.0.0.1:9090", cfg.Addr())
	}
	if got := v.GetFloat64("plugins.alerts.low_voltage"); got != 11.5 {
		t.Errorf("low_voltage = %v, want 11.5", got)
	}
	if got := v.GetString("plugins.commands.backend"); got != "redis" {
		t.Errorf("commands.backend = %q, want redis (env override)", got)
	}
}

func TestLoadConfig_DevModeOpensClaims(t *testing.T) {
	dir := t.TempDir()
	dev := filepath.Join(dir, "dev.yaml")
	if err := os.WriteFile(dev, []byte("server:\n  dev_mode: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v, err := LoadConfig(dev)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := v.GetString("plugins.identity.claim_policy"); got != "open" {
		t.Errorf("dev_mode claim_policy = %q, want open", got)
	}

	// An explicit policy still wins.
	pinned := filepath.Join(dir, "pinned.yaml")
	yaml := []byte("server:\n  dev_mode: true\nplugins:\n  identity:\n    claim_policy: nonce\n")
	if err := os.WriteFile(pinned, yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v, err = LoadConfig(pinned)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := v.GetString("plugins.identity.claim_policy"); got != "nonce" {
		t.Errorf("pinned claim_policy = %q, want nonce", got)
	}

	t.Setenv("SUNLINK_SERVER_DEV_MODE", "true")
	t.Chdir(t.TempDir())
	v, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := v.GetString("plugins.identity.claim_policy"); got != "open" {
		t.Errorf("env dev_mode claim_policy = %q, want open", got)
	}
}
