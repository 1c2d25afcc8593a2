// Package webhook delivers alert lifecycle events to an operator-configured
// HTTP endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/version"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is
// configured.
const SignatureHeader = "X-SunLink-Signature"

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_webhook_deliveries_total",
	Help: "Webhook deliveries by outcome.",
}, []string{"outcome"})

// Config holds the webhook plugin configuration.
type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	Enabled    bool
}

// Module implements the Webhook notifier plugin.
type Module struct {
	logger *zap.Logger
	cfg    Config
	client *resty.Client
}

// New creates a new Webhook plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "webhook",
		Version:     "0.1.0",
		Description: "Sends HTTP POST notifications to a configurable webhook URL on alert changes",
		Roles:       []string{"notification"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	// Defaults.
	m.cfg = Config{
		Timeout:    10 * time.Second,
		RetryCount: 3,
		RetryWait:  500 * time.Millisecond,
		Enabled:    true,
	}

	if deps.Config != nil {
		if u := deps.Config.GetString("url"); u != "" {
			m.cfg.URL = u
		}
		if s := deps.Config.GetString("secret"); s != "" {
			m.cfg.Secret = s
		}
		if d := deps.Config.GetDuration("timeout"); d > 0 {
			m.cfg.Timeout = d
		}
		if deps.Config.IsSet("retry_count") {
			m.cfg.RetryCount = deps.Config.GetInt("retry_count")
		}
		if d := deps.Config.GetDuration("retry_wait"); d > 0 {
			m.cfg.RetryWait = d
		}
		if deps.Config.IsSet("enabled") {
			m.cfg.Enabled = deps.Config.GetBool("enabled")
		}
	}

	m.client = resty.New().
		SetTimeout(m.cfg.Timeout).
		SetRetryCount(m.cfg.RetryCount).
		SetRetryWaitTime(m.cfg.RetryWait).
		SetRetryMaxWaitTime(4*m.cfg.RetryWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "SunLink-Webhook/"+version.Short()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry transport errors and server errors; 4xx is final.
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	if m.cfg.URL == "" {
		m.logger.Warn("webhook URL not configured; notifications will be dropped",
			zap.String("component", "webhook"),
		)
	}

	m.logger.Info("webhook module initialized",
		zap.String("url", m.cfg.URL),
		zap.Duration("timeout", m.cfg.Timeout),
		zap.Int("retry_count", m.cfg.RetryCount),
		zap.Bool("signed", m.cfg.Secret != ""),
		zap.Bool("enabled", m.cfg.Enabled),
	)
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("webhook module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("webhook module stopped")
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: alerts.TopicAlertTriggered, Handler: m.handleEvent},
		{Topic: alerts.TopicAlertResolved, Handler: m.handleEvent},
		{Topic: alerts.TopicAlertAcknowledged, Handler: m.handleEvent},
	}
}

// WebhookPayload is the JSON body sent to the webhook URL.
type WebhookPayload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

func (m *Module) handleEvent(ctx context.Context, event plugin.Event) {
	if !m.cfg.Enabled || m.cfg.URL == "" {
		return
	}

	payload := WebhookPayload{
		Event:     event.Topic,
		Source:    event.Source,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Data:      event.Payload,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal webhook payload",
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}

	if err := m.send(ctx, body); err != nil {
		deliveriesTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("webhook delivery failed",
			zap.String("url", m.cfg.URL),
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
		return
	}
	deliveriesTotal.WithLabelValues("delivered").Inc()
	m.logger.Debug("webhook delivered", zap.String("topic", event.Topic))
}

func (m *Module) send(ctx context.Context, body []byte) error {
	req := m.client.R().SetContext(ctx).SetBody(body)
	if m.cfg.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(m.cfg.Secret, body))
	}

	resp, err := req.Post(m.cfg.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode())
	}
	return nil
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
