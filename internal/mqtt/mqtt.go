// Package mqtt bridges SunLink and an MQTT broker: gateways may push
// telemetry on devices/{deviceId}/telemetry/{dataType}, and alert and
// provisioning events are published for downstream consumers.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/pkg/plugin"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
)

// Ingester accepts a telemetry message received over MQTT. The payload
// carries the device credential.
type Ingester interface {
	IngestMessage(ctx context.Context, deviceID, dataType string, payload []byte) error
}

// IngestRole is the plugin role whose provider implements Ingester.
const IngestRole = "device_protocol"

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_mqtt_ingest_messages_total",
	Help: "MQTT telemetry messages received, by outcome.",
}, []string{"outcome"})

// Module implements the MQTT bridge plugin.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	client   pahomqtt.Client
	plugins  plugin.PluginResolver
	ingester Ingester
	mu       sync.RWMutex
}

// New creates a new MQTT bridge plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "mqtt",
		Version:     "0.1.0",
		Description: "MQTT telemetry ingest and alert publishing",
		Roles:       []string{"notification", "integration"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.plugins = deps.Plugins
	m.cfg = DefaultConfig()

	if deps.Config != nil {
		m.cfg.Enabled = deps.Config.GetBool("enabled")
		if u := deps.Config.GetString("broker_url"); u != "" {
			m.cfg.BrokerURL = u
		}
		if u := deps.Config.GetString("username"); u != "" {
			m.cfg.Username = u
		}
		if p := deps.Config.GetString("password"); p != "" {
			m.cfg.Password = p
		}
		if c := deps.Config.GetString("client_id"); c != "" {
			m.cfg.ClientID = c
		}
		if t := deps.Config.GetString("topic_prefix"); t != "" {
			m.cfg.TopicPrefix = t
		}
		if deps.Config.IsSet("qos") {
			m.cfg.QoS = byte(deps.Config.GetInt("qos"))
		}
		if deps.Config.IsSet("retain") {
			m.cfg.Retain = deps.Config.GetBool("retain")
		}
		if d := deps.Config.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if deps.Config.IsSet("ingest") {
			m.cfg.Ingest = deps.Config.GetBool("ingest")
		}
		if t := deps.Config.GetString("ingest_topic"); t != "" {
			m.cfg.IngestTopic = t
		}
	}

	if m.cfg.Enabled && m.cfg.BrokerURL == "" {
		m.logger.Warn("MQTT enabled without a broker URL; bridge disabled")
		m.cfg.Enabled = false
	}

	m.logger.Info("mqtt module initialized",
		zap.Bool("enabled", m.cfg.Enabled),
		zap.String("broker_url", m.cfg.BrokerURL),
		zap.String("client_id", m.cfg.ClientID),
		zap.String("topic_prefix", m.cfg.TopicPrefix),
		zap.Uint8("qos", m.cfg.QoS),
		zap.Bool("ingest", m.cfg.Ingest),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("mqtt module started (no-op: disabled)")
		return nil
	}
	if m.cfg.Ingest {
		m.ingester = m.resolveIngester()
		if m.ingester == nil {
			m.logger.Warn("no device protocol handler registered; MQTT ingest disabled")
		}
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.Timeout).
		SetOnConnectHandler(m.onConnect)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password) //nolint:gosec // G101: config field
	}

	m.mu.Lock()
	m.client = pahomqtt.NewClient(opts)
	m.mu.Unlock()
	token := m.client.Connect()

	switch {
	case !token.WaitTimeout(m.cfg.Timeout):
		m.logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		m.logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		m.logger.Info("mqtt connected to broker",
			zap.String("broker_url", m.cfg.BrokerURL),
		)
	}
	return nil
}

func (m *Module) resolveIngester() Ingester {
	if m.plugins == nil {
		return nil
	}
	for _, p := range m.plugins.ResolveByRole(IngestRole) {
		if in, ok := p.(Ingester); ok {
			return in
		}
	}
	return nil
}

// onConnect (re)subscribes to the ingest topic; paho drops subscriptions
// on reconnect with a clean session.
func (m *Module) onConnect(c pahomqtt.Client) {
	if m.ingester == nil {
		return
	}
	token := c.Subscribe(m.cfg.IngestTopic, m.cfg.QoS, m.handleMessage)
	if !token.WaitTimeout(m.cfg.Timeout) || token.Error() != nil {
		m.logger.Warn("mqtt ingest subscribe failed",
			zap.String("topic", m.cfg.IngestTopic),
			zap.Error(token.Error()),
		)
		return
	}
	m.logger.Info("mqtt ingest subscribed", zap.String("topic", m.cfg.IngestTopic))
}

func (m *Module) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.logger.Info("mqtt disconnected")
	}
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: alerts.TopicAlertTriggered, Handler: m.publishEvent},
		{Topic: alerts.TopicAlertResolved, Handler: m.publishEvent},
		{Topic: alerts.TopicAlertAcknowledged, Handler: m.publishEvent},
		{Topic: identity.TopicDeviceProvisioned, Handler: m.publishEvent},
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if !m.cfg.Enabled {
		return plugin.HealthStatus{
			Status:  "healthy",
			Message: "mqtt bridge disabled",
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || !m.client.IsConnected() {
		return plugin.HealthStatus{
			Status:  "degraded",
			Message: "not connected to MQTT broker",
		}
	}
	return plugin.HealthStatus{
		Status:  "healthy",
		Message: "connected to " + m.cfg.BrokerURL,
	}
}

// mqttTopicFromEvent maps an event bus topic and its payload to an MQTT
// topic path.
func (m *Module) mqttTopicFromEvent(event plugin.Event) string {
	switch event.Topic {
	case alerts.TopicAlertTriggered, alerts.TopicAlertResolved, alerts.TopicAlertAcknowledged:
		state := event.Topic[strings.LastIndex(event.Topic, ".")+1:]
		if a, ok := event.Payload.(*alerts.Alert); ok {
			return m.cfg.TopicPrefix + "/alerts/" + a.DeviceID + "/" + state
		}
		return m.cfg.TopicPrefix + "/alerts/" + state
	case identity.TopicDeviceProvisioned:
		if d, ok := event.Payload.(identity.DeviceEvent); ok {
			return m.cfg.TopicPrefix + "/devices/" + d.DeviceID + "/provisioned"
		}
		return m.cfg.TopicPrefix + "/devices/provisioned"
	default:
		return m.cfg.TopicPrefix + "/unknown"
	}
}

func (m *Module) publishEvent(_ context.Context, event plugin.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.client == nil || !m.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		m.logger.Warn("failed to marshal MQTT payload",
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}

	mqttTopic := m.mqttTopicFromEvent(event)
	token := m.client.Publish(mqttTopic, m.cfg.QoS, m.cfg.Retain, payload)
	if !token.WaitTimeout(m.cfg.Timeout) {
		m.logger.Warn("mqtt publish timed out",
			zap.String("mqtt_topic", mqttTopic),
		)
		return
	}
	if token.Error() != nil {
		m.logger.Warn("mqtt publish failed",
			zap.String("mqtt_topic", mqttTopic),
			zap.Error(token.Error()),
		)
		return
	}

	m.logger.Debug("mqtt event published",
		zap.String("mqtt_topic", mqttTopic),
		zap.String("event_topic", event.Topic),
	)
}

// parseTelemetryTopic extracts the device ID and data type from
// [prefix/]devices/{deviceId}/telemetry[/{dataType}[/...]]. The data type is
// empty when the topic stops at "telemetry"; levels after it are ignored.
func parseTelemetryTopic(topic string) (deviceID, dataType string, ok bool) {
	parts := strings.Split(topic, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "devices" || parts[i+2] != "telemetry" {
			continue
		}
		if parts[i+1] == "" {
			return "", "", false
		}
		if i+3 < len(parts) {
			dataType = parts[i+3]
		}
		return parts[i+1], dataType, true
	}
	return "", "", false
}

// handleMessage feeds one MQTT telemetry message into the ingest path.
// Failures are logged and counted; MQTT has no response channel.
func (m *Module) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	deviceID, dataType, ok := parseTelemetryTopic(msg.Topic())
	if !ok {
		messagesTotal.WithLabelValues("bad_topic").Inc()
		m.logger.Debug("ignoring mqtt message on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}
	if m.ingester == nil {
		messagesTotal.WithLabelValues("no_ingester").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.ingester.IngestMessage(ctx, deviceID, dataType, msg.Payload()); err != nil {
		messagesTotal.WithLabelValues("rejected").Inc()
		m.logger.Warn("mqtt telemetry rejected",
			zap.String("device_id", deviceID),
			zap.String("data_type", dataType),
			zap.Error(err),
		)
		return
	}
	messagesTotal.WithLabelValues("accepted").Inc()
}
