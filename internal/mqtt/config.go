package mqtt

import "time"

// Config holds MQTT bridge configuration.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	BrokerURL   string        `mapstructure:"broker_url"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         byte          `mapstructure:"qos"`
	Retain      bool          `mapstructure:"retain"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Telemetry ingest from gateways that push over MQTT instead of HTTP.
	Ingest      bool   `mapstructure:"ingest"`
	IngestTopic string `mapstructure:"ingest_topic"` // default "devices/+/telemetry/#"
}

// DefaultConfig returns sensible defaults for the MQTT bridge.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ClientID:    "sunlink",
		TopicPrefix: "sunlink",
		QoS:         1,
		Retain:      false,
		Timeout:     10 * time.Second,
		Ingest:      true,
		IngestTopic: "devices/+/telemetry/#",
	}
}
