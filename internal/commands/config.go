package commands

import "fmt"

// Backends.
const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// CommandsConfig holds configuration for the commands module.
type CommandsConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// DefaultConfig returns the default commands configuration.
func DefaultConfig() CommandsConfig {
	return CommandsConfig{
		Backend:   BackendSQL,
		RedisAddr: "localhost:6379",
		KeyPrefix: "sunlink:commands:",
	}
}

// Validate checks the backend selection.
func (c CommandsConfig) Validate() error {
	switch c.Backend {
	case BackendSQL:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for backend %q", BackendRedis)
		}
	default:
		return fmt.Errorf("backend %q: must be %q or %q", c.Backend, BackendSQL, BackendRedis)
	}
	return nil
}
