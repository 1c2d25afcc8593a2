package gwconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DeviceLookup is the slice of the identity service the repository needs.
type DeviceLookup interface {
	Get(ctx context.Context, id string) (*identity.Device, error)
	AssignConfig(ctx context.Context, deviceID, configID string) error
}

// CommandFlagger raises command flags for devices.
type CommandFlagger interface {
	SetCommand(ctx context.Context, deviceID string, name commands.Name, value bool) error
}

// Repository stores published gateway configs and resolves which one a
// device should run.
type Repository struct {
	store   *ConfigStore
	devices DeviceLookup
	flags   CommandFlagger
	bus     plugin.EventBus
	logger  *zap.Logger
	now     func() time.Time

	// Published configs never change, so cached trees never go stale.
	mu    sync.RWMutex
	cache map[string]*GatewayConfig
}

// NewRepository creates a Repository. devices and flags may be nil; the
// operations that need them then report a transient error.
func NewRepository(s *ConfigStore, devices DeviceLookup, flags CommandFlagger, bus plugin.EventBus, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		store:   s,
		devices: devices,
		flags:   flags,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		cache:   make(map[string]*GatewayConfig),
	}
}

// Publish validates c and stores it as a new immutable config.
func (r *Repository) Publish(ctx context.Context, c GatewayConfig) (*GatewayConfig, error) {
	cfg := c.clone()
	normalize(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	if err := r.store.Insert(ctx, cfg); err != nil {
		if errors.Is(err, errDuplicateConfig) {
			return nil, apperr.Conflict("config %q already exists", cfg.ConfigID)
		}
		return nil, err
	}
	r.remember(cfg)

	r.logger.Info("gateway config published",
		zap.String("config_id", cfg.ConfigID),
		zap.Int("slaves", len(cfg.Slaves)),
	)
	r.publish(ctx, TopicConfigPublished, ConfigEvent{ConfigID: cfg.ConfigID})
	return cfg.clone(), nil
}

// Get returns the full config tree. Unknown IDs are NotFound.
func (r *Repository) Get(ctx context.Context, configID string) (*GatewayConfig, error) {
	r.mu.RLock()
	cached, ok := r.cache[configID]
	r.mu.RUnlock()
	if ok {
		return cached.clone(), nil
	}

	cfg, err := r.store.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, apperr.NotFound("config %s not found", configID)
	}
	r.remember(cfg)
	return cfg.clone(), nil
}

// GetConfigFor resolves the config a device should run: its explicit
// assignment, then its customer's default, then the global default, then
// the most recently published config.
func (r *Repository) GetConfigFor(ctx context.Context, deviceID string) (*GatewayConfig, error) {
	if r.devices == nil {
		return nil, apperr.Transient("device identity not available", nil)
	}
	d, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if d.AssignedConfigID != "" {
		return r.Get(ctx, d.AssignedConfigID)
	}
	if d.CustomerID != "" {
		id, err := r.store.Default(ctx, d.CustomerID)
		if err != nil {
			return nil, err
		}
		if id != "" {
			return r.Get(ctx, id)
		}
	}
	id, err := r.store.Default(ctx, "")
	if err != nil {
		return nil, err
	}
	if id == "" {
		if id, err = r.store.Latest(ctx); err != nil {
			return nil, err
		}
	}
	if id == "" {
		return nil, apperr.NotFound("no gateway config available for device %s", deviceID)
	}
	return r.Get(ctx, id)
}

// AssignConfig pins a device to a config and raises its updateConfig flag.
// The gateway picks the change up on its next heartbeat.
func (r *Repository) AssignConfig(ctx context.Context, deviceID, configID string) error {
	if r.devices == nil || r.flags == nil {
		return apperr.Transient("device identity or command queue not available", nil)
	}
	if _, err := r.Get(ctx, configID); err != nil {
		return err
	}
	if err := r.devices.AssignConfig(ctx, deviceID, configID); err != nil {
		return err
	}
	if err := r.flags.SetCommand(ctx, deviceID, commands.UpdateConfig, true); err != nil {
		return fmt.Errorf("raise updateConfig for %s: %w", deviceID, err)
	}
	r.logger.Info("config assigned",
		zap.String("device_id", deviceID),
		zap.String("config_id", configID),
	)
	r.publish(ctx, TopicConfigAssigned, ConfigEvent{ConfigID: configID, DeviceID: deviceID})
	return nil
}

// SetDefault makes configID the default for a customer, or the global
// default when customerID is empty.
func (r *Repository) SetDefault(ctx context.Context, customerID, configID string) error {
	if _, err := r.Get(ctx, configID); err != nil {
		return err
	}
	if err := r.store.SetDefault(ctx, customerID, configID, r.now().UTC()); err != nil {
		return err
	}
	r.publish(ctx, TopicDefaultChanged, ConfigEvent{ConfigID: configID, CustomerID: customerID})
	return nil
}

// List returns config summaries, newest first.
func (r *Repository) List(ctx context.Context) ([]Summary, error) {
	return r.store.List(ctx)
}

// Defaults returns the configured defaults keyed by customer ("" is global).
func (r *Repository) Defaults(ctx context.Context) (map[string]string, error) {
	return r.store.Defaults(ctx)
}

func (r *Repository) remember(c *GatewayConfig) {
	r.mu.Lock()
	r.cache[c.ConfigID] = c.clone()
	r.mu.Unlock()
}

func (r *Repository) publish(ctx context.Context, topic string, payload ConfigEvent) {
	if r.bus == nil {
		return
	}
	r.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "configs",
		Timestamp: r.now(),
		Payload:   payload,
	})
}

// GlobalDefaultKey names the global default in import documents.
const GlobalDefaultKey = "global"

// Document is a YAML import file. It holds either a list of configs with
// optional defaults, or a single config at the top level.
type Document struct {
	Configs  []GatewayConfig   `yaml:"configs"`
	Defaults map[string]string `yaml:"defaults"`
}

// LoadYAML parses an import document. Data types may be written by name
// ("float32") or by wire code.
func LoadYAML(rd io.Reader) (*Document, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read config document: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Validation("parse config document: %v", err)
	}
	if len(doc.Configs) == 0 {
		var single GatewayConfig
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&single); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperr.Validation("parse config document: %v", err)
		}
		if single.ConfigID == "" {
			return nil, apperr.Validation("config document holds no configs")
		}
		doc.Configs = []GatewayConfig{single}
	}
	return &doc, nil
}

// ImportResult reports what Import did.
type ImportResult struct {
	Published []string `json:"published"`
	Skipped   []string `json:"skipped"`
	Defaults  int      `json:"defaults"`
}

// Import publishes every config of doc that does not exist yet and then
// applies its defaults. Re-running an import is harmless.
func (r *Repository) Import(ctx context.Context, doc *Document) (*ImportResult, error) {
	res := &ImportResult{}
	for _, c := range doc.Configs {
		existing, err := r.store.Get(ctx, c.ConfigID)
		if err != nil {
			return res, err
		}
		if existing != nil {
			res.Skipped = append(res.Skipped, c.ConfigID)
			continue
		}
		if _, err := r.Publish(ctx, c); err != nil {
			return res, fmt.Errorf("config %q: %w", c.ConfigID, err)
		}
		res.Published = append(res.Published, c.ConfigID)
	}
	for customer, configID := range doc.Defaults {
		if customer == GlobalDefaultKey {
			customer = ""
		}
		if err := r.SetDefault(ctx, customer, configID); err != nil {
			return res, fmt.Errorf("default for %q: %w", customer, err)
		}
		res.Defaults++
	}
	return res, nil
}
