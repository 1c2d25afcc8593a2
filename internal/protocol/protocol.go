package protocol

import (
	"context"
	"encoding/json"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/gwconfig"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/telemetry"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
)

// Role is declared by the protocol plugin so transports (MQTT) can find
// the ingest path without importing this package.
const Role = "device_protocol"

// Module implements the device protocol plugin. Its routes live outside
// the /api/v1/{plugin} namespace and are mounted through RegisterRoutes.
type Module struct {
	logger *zap.Logger
	svc    *Service
}

// New creates a new protocol plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "protocol",
		Version:      "0.1.0",
		Description:  "Gateway provisioning, config sync, heartbeat and telemetry ingest",
		Dependencies: []string{"identity", "configs", "commands", "telemetry", "alerts"},
		Required:     true,
		Roles:        []string{Role},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(_ context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger

	d, ok := resolveDeps(deps.Plugins)
	if !ok {
		m.logger.Warn("device protocol running without its collaborators; device calls will return 503")
		return nil
	}
	m.svc = NewService(d, m.logger)

	m.logger.Info("protocol module initialized", zap.Bool("alerts", d.Alerts != nil))
	return nil
}

// resolveDeps wires the facade from the other plugins. Alerts is optional;
// everything else is required.
func resolveDeps(plugins plugin.PluginResolver) (Deps, bool) {
	var d Deps
	if plugins == nil {
		return d, false
	}
	if p, ok := plugins.Resolve("identity"); ok {
		if im, ok := p.(*identity.Module); ok && im.Service() != nil {
			d.Devices = im.Service()
		}
	}
	if p, ok := plugins.Resolve("configs"); ok {
		if cm, ok := p.(*gwconfig.Module); ok && cm.Repository() != nil {
			d.Configs = cm.Repository()
		}
	}
	if p, ok := plugins.Resolve("commands"); ok {
		if cm, ok := p.(*commands.Module); ok && cm.Queue() != nil {
			d.Commands = cm.Queue()
		}
	}
	if p, ok := plugins.Resolve("telemetry"); ok {
		if tm, ok := p.(*telemetry.Module); ok && tm.Service() != nil {
			d.Readings = tm.Service()
		}
	}
	if p, ok := plugins.Resolve("alerts"); ok {
		if am, ok := p.(*alerts.Module); ok && am.Evaluator() != nil {
			d.Alerts = am.Evaluator()
		}
	}
	return d, d.Devices != nil && d.Configs != nil && d.Commands != nil && d.Readings != nil
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("protocol module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.logger != nil {
		m.logger.Info("protocol module stopped")
	}
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.svc == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "device protocol collaborators missing"}
	}
	return plugin.HealthStatus{Status: "healthy"}
}

// Service returns the protocol facade, or nil when collaborators are missing.
func (m *Module) Service() *Service {
	return m.svc
}

// IngestMessage feeds an MQTT telemetry message into the ingest path. The
// topic names the device and, when present, the data type, which wins over
// the payload's. The payload carries the credential.
func (m *Module) IngestMessage(ctx context.Context, deviceID, dataType string, payload []byte) error {
	if m.svc == nil {
		return apperr.Transient("device protocol not available", nil)
	}
	var req IngestRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return apperr.Validation("invalid telemetry payload: %v", err)
	}
	if err := checkBodyDevice(deviceID, req.DeviceID); err != nil {
		return err
	}
	req.DeviceID = deviceID
	if dataType != "" {
		req.DataType = dataType
	}
	_, err := m.svc.IngestTelemetry(ctx, req.Credential, req)
	return err
}
