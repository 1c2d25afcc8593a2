// Package protocol is the gateway-facing facade: provisioning, config
// sync, heartbeats with command delivery, telemetry ingest and log upload.
// Every call except Provision passes exactly one credential check.
package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/alerts"
	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/internal/gwconfig"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Devices is the identity store as the facade uses it.
type Devices interface {
	Provision(ctx context.Context, req identity.ProvisionRequest) (*identity.Provisioned, error)
	ValidateCredential(ctx context.Context, deviceID, credential string) (*identity.Device, error)
	RecordConfigSync(ctx context.Context, deviceID, configID, firmware string) error
	RecordHeartbeat(ctx context.Context, deviceID, ackConfigID string, uptime int64) error
}

// Configs is the configuration repository as the facade uses it.
type Configs interface {
	Get(ctx context.Context, configID string) (*gwconfig.GatewayConfig, error)
	GetConfigFor(ctx context.Context, deviceID string) (*gwconfig.GatewayConfig, error)
}

// Readings stores telemetry and device logs.
type Readings interface {
	Record(ctx context.Context, r telemetry.Reading) (*telemetry.Reading, error)
	StoreLogs(ctx context.Context, deviceID string, logs []telemetry.DeviceLog) (int, error)
}

// Alerts evaluates stored readings and liveness.
type Alerts interface {
	Evaluate(ctx context.Context, r alerts.Reading) ([]alerts.Transition, error)
	HeartbeatSeen(ctx context.Context, deviceID string) (*alerts.Transition, error)
}

// Deps are the collaborators of a Service. Alerts may be nil.
type Deps struct {
	Devices  Devices
	Configs  Configs
	Commands commands.Queue
	Readings Readings
	Alerts   Alerts
}

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_protocol_requests_total",
	Help: "Gateway protocol calls by operation and outcome.",
}, []string{"operation", "outcome"})

// Service implements the gateway protocol operations.
type Service struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	requestsTotal.WithLabelValues(op, outcome).Inc()
}

// authorize is the single credential gate for post-provision calls.
func (s *Service) authorize(ctx context.Context, deviceID, credential string) (*identity.Device, error) {
	d, err := s.deps.Devices.ValidateCredential(ctx, deviceID, credential)
	if err != nil {
		s.logger.Warn("device call rejected",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil, err
	}
	return d, nil
}

// checkBodyDevice rejects a body deviceId that names another device than
// the path.
func checkBodyDevice(pathID, bodyID string) error {
	if bodyID != "" && bodyID != pathID {
		return apperr.Validation("deviceId %q does not match the request path", bodyID)
	}
	return nil
}

// Provision registers a gateway or re-issues the credential of a known one.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (resp *ProvisionResponse, err error) {
	defer func() { observe("provision", err) }()

	p, err := s.deps.Devices.Provision(ctx, identity.ProvisionRequest{
		Serial:     req.HwID,
		Model:      req.Model,
		ClaimNonce: req.ClaimNonce,
	})
	if err != nil {
		return nil, err
	}
	return &ProvisionResponse{
		Status:        "success",
		DeviceID:      p.Device.ID,
		ProvisionedAt: p.Device.ProvisionedAt,
		Credentials:   p.Credential,
	}, nil
}

// SyncConfig serves the device its effective config and records it as the
// version the device now runs.
func (s *Service) SyncConfig(ctx context.Context, credential, deviceID string, req ConfigRequest) (resp *ConfigResponse, err error) {
	defer func() { observe("config_sync", err) }()

	if err := checkBodyDevice(deviceID, req.DeviceID); err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, deviceID, credential); err != nil {
		return nil, err
	}
	cfg, err := s.deps.Configs.GetConfigFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Devices.RecordConfigSync(ctx, deviceID, cfg.ConfigID, req.FirmwareVersion); err != nil {
		return nil, err
	}
	s.logger.Info("config served",
		zap.String("device_id", deviceID),
		zap.String("config_id", cfg.ConfigID),
	)
	return toConfigResponse(cfg), nil
}

// Heartbeat records liveness, acknowledges the reported config and drains
// pending commands. updateConfig is raised when it was pending or when the
// device runs something other than its effective config.
func (s *Service) Heartbeat(ctx context.Context, credential, deviceID string, req HeartbeatRequest) (resp *HeartbeatResponse, err error) {
	defer func() { observe("heartbeat", err) }()

	if err := checkBodyDevice(deviceID, req.DeviceID); err != nil {
		return nil, err
	}
	if req.UptimeSeconds < 0 {
		return nil, apperr.Validation("uptimeSeconds must not be negative")
	}
	if _, err := s.authorize(ctx, deviceID, credential); err != nil {
		return nil, err
	}

	ack, err := s.knownConfig(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Devices.RecordHeartbeat(ctx, deviceID, ack, req.UptimeSeconds); err != nil {
		return nil, err
	}

	// Resolve the effective config before draining so a lookup failure
	// cannot swallow delivered commands.
	stale := false
	current, err := s.deps.Configs.GetConfigFor(ctx, deviceID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
	case err != nil:
		return nil, err
	default:
		stale = current.ConfigID != req.ConfigID
	}

	flags, err := s.deps.Commands.DrainPendingCommands(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.HeartbeatSeen(ctx, deviceID); err != nil {
			s.logger.Warn("failed to resolve offline alert",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	resp = &HeartbeatResponse{
		Status:     1,
		ServerTime: s.now().UTC(),
		Commands:   toCommandFlags(flags, stale),
		Message:    "OK",
	}
	if flags.Any() || stale {
		s.logger.Info("commands delivered",
			zap.String("device_id", deviceID),
			zap.Any("commands", resp.Commands),
			zap.Bool("config_stale", stale),
		)
	}
	return resp, nil
}

// knownConfig returns configID when it names a published config and ""
// otherwise, so only real configs are acknowledged.
func (s *Service) knownConfig(ctx context.Context, configID string) (string, error) {
	if configID == "" {
		return "", nil
	}
	_, err := s.deps.Configs.Get(ctx, configID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		s.logger.Debug("heartbeat reports unknown config", zap.String("config_id", configID))
		return "", nil
	case err != nil:
		return "", err
	}
	return configID, nil
}

// IngestTelemetry stores one reading and then evaluates it. Evaluation
// failures are logged and never fail the ingest.
func (s *Service) IngestTelemetry(ctx context.Context, credential string, req IngestRequest) (stored *telemetry.Reading, err error) {
	defer func() { observe("ingest", err) }()

	req.DataType = strings.TrimSpace(req.DataType)
	if req.DeviceID == "" {
		return nil, apperr.Validation("deviceId is required")
	}
	if req.DataType == "" {
		return nil, apperr.Validation("dataType is required")
	}
	if len(req.Raw) > 0 && (req.SlaveID == 0 || req.RegisterLabel == "") {
		return nil, apperr.Validation("raw registers need slaveId and registerLabel")
	}
	if len(req.Raw) == 0 && req.Value == nil {
		return nil, apperr.Validation("value is required")
	}

	d, err := s.authorize(ctx, req.DeviceID, credential)
	if err != nil {
		return nil, err
	}

	r := telemetry.Reading{
		DeviceID:      d.ID,
		DataType:      req.DataType,
		Unit:          req.Unit,
		SlaveID:       req.SlaveID,
		RegisterLabel: req.RegisterLabel,
		Quality:       decoder.Good,
	}
	if req.Value != nil {
		r.Value = *req.Value
	}
	if req.Timestamp != nil {
		r.Timestamp = *req.Timestamp
	}

	var interval time.Duration
	if req.SlaveID != 0 {
		slave, reg, err := s.mapping(ctx, d, req.SlaveID, req.RegisterLabel)
		if err != nil {
			return nil, err
		}
		if slave != nil {
			interval = slave.PollingInterval()
		}
		if len(req.Raw) > 0 {
			r.RawRegisters = req.Raw
			if reg == nil {
				s.logger.Warn("no register mapping for raw reading",
					zap.String("device_id", d.ID),
					zap.Int("slave_id", req.SlaveID),
					zap.String("register_label", req.RegisterLabel),
				)
				r.Value, r.Quality = 0, decoder.Bad
			} else {
				r.Value, r.Quality = decoder.Decode(req.Raw, reg.Mapping())
			}
		}
	}
	r.Quality = decoder.Worst(r.Quality, decoder.Assess(r.Timestamp, s.now(), interval))

	stored, err = s.deps.Readings.Record(ctx, r)
	if err != nil {
		return nil, err
	}

	if s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.Evaluate(ctx, alerts.Reading{
			DeviceID:      stored.DeviceID,
			DataType:      stored.DataType,
			Value:         stored.Value,
			Unit:          stored.Unit,
			Quality:       stored.Quality,
			SlaveID:       stored.SlaveID,
			RegisterLabel: stored.RegisterLabel,
			Timestamp:     stored.Timestamp,
		}); err != nil {
			s.logger.Warn("alert evaluation failed",
				zap.String("device_id", stored.DeviceID),
				zap.String("data_type", stored.DataType),
				zap.Error(err),
			)
		}
	}
	return stored, nil
}

// mapping finds the slave and register of the config the device runs,
// falling back to its effective config when it has not synced yet. Missing
// configs, slaves or registers yield nils; a known slave with an unknown
// label still returns the slave.
func (s *Service) mapping(ctx context.Context, d *identity.Device, slaveID int, label string) (*gwconfig.Slave, *gwconfig.Register, error) {
	var (
		cfg *gwconfig.GatewayConfig
		err error
	)
	if d.ConfigVersion != "" {
		cfg, err = s.deps.Configs.Get(ctx, d.ConfigVersion)
	} else {
		cfg, err = s.deps.Configs.GetConfigFor(ctx, d.ID)
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	slave, reg, _ := cfg.Find(slaveID, label)
	return slave, reg, nil
}

// UploadLogs stores a batch of gateway log lines.
func (s *Service) UploadLogs(ctx context.Context, credential, deviceID string, logs []telemetry.DeviceLog) (n int, err error) {
	defer func() { observe("logs", err) }()

	if _, err := s.authorize(ctx, deviceID, credential); err != nil {
		return 0, err
	}
	return s.deps.Readings.StoreLogs(ctx, deviceID, logs)
}

// State reports the derived lifecycle state of the calling device.
func (s *Service) State(ctx context.Context, credential, deviceID string) (identity.State, error) {
	d, err := s.authorize(ctx, deviceID, credential)
	if err != nil {
		return "", err
	}
	return identity.StateOf(d), nil
}
