package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	DataDir        string        `mapstructure:"data_dir"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the listen settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		DataDir:        "./data",
		RateLimitRPS:   100,
		RateLimitBurst: 200,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads configuration from file and environment variables.
func LoadConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.data_dir", "./data")
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.dev_mode", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("database.dsn", "./data/sunlink.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_token_ttl", "15m")
	v.SetDefault("auth.issuer", "sunlink")

	// Plugin defaults
	v.SetDefault("plugins.identity.credential_type", "api-key")
	v.SetDefault("plugins.identity.claim_policy", "nonce")
	v.SetDefault("plugins.identity.token_ttl", "720h")
	v.SetDefault("plugins.commands.backend", "sql")
	v.SetDefault("plugins.commands.redis_addr", "localhost:6379")
	v.SetDefault("plugins.alerts.enabled", true)
	v.SetDefault("plugins.alerts.low_voltage", 10.0)
	v.SetDefault("plugins.alerts.high_voltage", 280.0)
	v.SetDefault("plugins.alerts.high_temperature", 70.0)
	v.SetDefault("plugins.alerts.low_battery", 20.0)
	v.SetDefault("plugins.alerts.power_max", 0.0)
	v.SetDefault("plugins.alerts.offline_after", "5m")
	v.SetDefault("plugins.alerts.check_interval", "30s")
	v.SetDefault("plugins.alerts.retention_period", "720h")
	v.SetDefault("plugins.alerts.maintenance_interval", "1h")
	v.SetDefault("plugins.telemetry.retention_period", "2160h")
	v.SetDefault("plugins.telemetry.maintenance_interval", "1h")
	v.SetDefault("plugins.telemetry.latest_limit", 10)
	v.SetDefault("plugins.mqtt.enabled", false)
	v.SetDefault("plugins.mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("plugins.mqtt.client_id", "sunlink")
	v.SetDefault("plugins.mqtt.topic_prefix", "sunlink")
	v.SetDefault("plugins.mqtt.qos", 1)
	v.SetDefault("plugins.tsdb.enabled", false)
	v.SetDefault("plugins.tsdb.url", "http://localhost:8086")
	v.SetDefault("plugins.tsdb.org", "sunlink")
	v.SetDefault("plugins.tsdb.bucket", "telemetry")
	v.SetDefault("plugins.tsdb.batch_size", 500)
	v.SetDefault("plugins.tsdb.write_timeout", "5s")
	v.SetDefault("plugins.tsdb.replay_interval", "1m")
	v.SetDefault("plugins.tsdb.buffer_retention", "2160h")
	v.SetDefault("plugins.webhook.enabled", true)
	v.SetDefault("plugins.webhook.url", "")
	v.SetDefault("plugins.webhook.timeout", "10s")
	v.SetDefault("plugins.webhook.retry_count", 3)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("sunlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sunlink")
	}

	// Environment variable support: SUNLINK_SERVER_PORT=9090
	v.SetEnvPrefix("SUNLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	// Development servers accept unclaimed gateways unless a policy is set.
	if v.GetBool("server.dev_mode") {
		v.SetDefault("plugins.identity.claim_policy", "open")
	}

	return v, nil
}

// ServerConfig extracts the server section from a loaded Viper instance.
// Keys are read individually so environment overrides apply.
func ServerConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:           v.GetString("server.host"),
		Port:           v.GetInt("server.port"),
		DataDir:        v.GetString("server.data_dir"),
		RateLimitRPS:   v.GetFloat64("server.rate_limit_rps"),
		RateLimitBurst: v.GetInt("server.rate_limit_burst"),
		ReadTimeout:    v.GetDuration("server.read_timeout"),
		WriteTimeout:   v.GetDuration("server.write_timeout"),
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("server.port %d out of range", cfg.Port)
	}
	return cfg, nil
}
