// Package tsdb mirrors stored telemetry readings into InfluxDB for
// dashboarding. The SQL store stays the system of record. Readings the
// mirror fails to write are queued in an outbox and replayed later.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/telemetry"
	"github.com/HerbHall/sunlink/pkg/plugin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin          = (*Module)(nil)
	_ plugin.EventSubscriber = (*Module)(nil)
	_ plugin.HealthChecker   = (*Module)(nil)
	_ plugin.Validator       = (*Module)(nil)
)

const measurement = "telemetry"

var pointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_tsdb_points_total",
	Help: "Telemetry points sent to InfluxDB, by outcome.",
}, []string{"outcome"})

// Config holds InfluxDB mirror configuration.
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	Token           string        `mapstructure:"token"` //nolint:gosec // G101: config field name
	Org             string        `mapstructure:"org"`
	Bucket          string        `mapstructure:"bucket"`
	BatchSize       int           `mapstructure:"batch_size"` // readings per replay batch
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ReplayInterval  time.Duration `mapstructure:"replay_interval"`
	BufferRetention time.Duration `mapstructure:"buffer_retention"`
}

// DefaultConfig returns the default mirror configuration (disabled).
func DefaultConfig() Config {
	return Config{
		URL:             "http://localhost:8086",
		Org:             "sunlink",
		Bucket:          "telemetry",
		BatchSize:       500,
		WriteTimeout:    5 * time.Second,
		ReplayInterval:  time.Minute,
		BufferRetention: 90 * 24 * time.Hour,
	}
}

// Validate checks the configuration. A disabled mirror is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" || c.Org == "" || c.Bucket == "" {
		return errors.New("url, org and bucket are required when enabled")
	}
	if c.BatchSize < 1 {
		return errors.New("batch_size must be positive")
	}
	if c.WriteTimeout < 100*time.Millisecond {
		return errors.New("write_timeout must be at least 100ms")
	}
	if c.ReplayInterval < time.Second {
		return errors.New("replay_interval must be at least 1s")
	}
	if c.BufferRetention < 24*time.Hour {
		return errors.New("buffer_retention must be at least 24h")
	}
	return nil
}

// pointWriter is the subset of api.WriteAPIBlocking the mirror uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// readingSource loads stored readings for replay.
type readingSource interface {
	Readings(ctx context.Context, ids []int64) ([]telemetry.Reading, error)
}

// ReplayResult summarizes one replay batch.
type ReplayResult struct {
	Attempted int `json:"attempted"`
	Mirrored  int `json:"mirrored"`
	Dropped   int `json:"dropped"` // readings purged before they could be replayed
}

// Module implements the InfluxDB mirror plugin.
type Module struct {
	logger   *zap.Logger
	cfg      Config
	outbox   *Outbox
	readings readingSource
	now      func() time.Time

	mu     sync.RWMutex
	client influxdb2.Client
	writer pointWriter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new tsdb plugin instance.
func New() *Module {
	return &Module{now: time.Now}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         "tsdb",
		Version:      "0.2.0",
		Description:  "InfluxDB mirror of telemetry readings",
		Dependencies: []string{"telemetry"},
		Roles:        []string{"integration"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("unmarshal tsdb config: %w", err)
		}
	}
	if m.now == nil {
		m.now = time.Now
	}

	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, "tsdb", migrations()); err != nil {
			return fmt.Errorf("tsdb migrations: %w", err)
		}
		m.outbox = NewOutbox(deps.Store.DB())
	}
	if deps.Plugins != nil {
		if p, ok := deps.Plugins.Resolve("telemetry"); ok {
			if tm, ok := p.(*telemetry.Module); ok && tm.Service() != nil {
				m.readings = tm.Service()
			}
		}
	}

	m.logger.Info("tsdb module initialized",
		zap.Bool("enabled", m.cfg.Enabled),
		zap.String("url", m.cfg.URL),
		zap.String("bucket", m.cfg.Bucket),
		zap.Bool("outbox", m.outbox != nil),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

func (m *Module) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("tsdb module started (no-op: disabled)")
		return nil
	}
	m.Connect(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.outbox != nil && m.readings != nil {
		m.wg.Add(1)
		go m.replayLoop(loopCtx)
	}

	m.logger.Info("tsdb module started",
		zap.String("url", m.cfg.URL),
		zap.Duration("replay_interval", m.cfg.ReplayInterval),
	)
	return nil
}

// Connect opens the InfluxDB client without starting the replay loop. An
// unreachable server only degrades health; failed writes land in the outbox.
func (m *Module) Connect(ctx context.Context) {
	client := influxdb2.NewClientWithOptions(m.cfg.URL, m.cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(m.cfg.WriteTimeout.Seconds())+1), // #nosec G115 -- validated positive
	)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if ok, err := client.Ping(pingCtx); err != nil || !ok {
		m.logger.Warn("influxdb not reachable", zap.Error(err))
	}

	m.mu.Lock()
	m.client = client
	m.writer = client.WriteAPIBlocking(m.cfg.Org, m.cfg.Bucket)
	m.mu.Unlock()
}

func (m *Module) Stop(_ context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	client := m.client
	m.writer, m.client = nil, nil
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	return nil
}

// Subscriptions implements plugin.EventSubscriber.
func (m *Module) Subscriptions() []plugin.Subscription {
	return []plugin.Subscription{
		{Topic: telemetry.TopicReadingStored, Handler: m.handleReading},
	}
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(ctx context.Context) plugin.HealthStatus {
	if !m.cfg.Enabled {
		return plugin.HealthStatus{Status: "healthy", Message: "influxdb mirror disabled"}
	}
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return plugin.HealthStatus{Status: "degraded", Message: "influxdb client not started"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil || !ok {
		return plugin.HealthStatus{Status: "degraded", Message: "influxdb not reachable"}
	}
	status := plugin.HealthStatus{Status: "healthy", Message: "connected to " + m.cfg.URL}
	if m.outbox != nil {
		if n, err := m.outbox.Count(ctx); err == nil && n > 0 {
			status.Details = map[string]string{"outbox": fmt.Sprintf("%d readings awaiting replay", n)}
		}
	}
	return status
}

// Outbox returns the replay queue, or nil without a store.
func (m *Module) Outbox() *Outbox {
	return m.outbox
}

func (m *Module) handleReading(ctx context.Context, event plugin.Event) {
	r, ok := event.Payload.(telemetry.Reading)
	if !ok || !m.cfg.Enabled {
		return
	}
	// The publishing request may already be done.
	ctx = context.WithoutCancel(ctx)

	m.mu.RLock()
	w := m.writer
	m.mu.RUnlock()
	if w == nil {
		m.enqueue(ctx, r, "influxdb writer not started")
		return
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := w.WritePoint(wctx, toPoint(r)); err != nil {
		pointsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("influxdb write failed, queued for replay",
			zap.Int64("reading_id", r.ID),
			zap.String("device_id", r.DeviceID),
			zap.Error(err),
		)
		m.enqueue(ctx, r, err.Error())
		return
	}
	pointsTotal.WithLabelValues("written").Inc()
}

func (m *Module) enqueue(ctx context.Context, r telemetry.Reading, cause string) {
	if m.outbox == nil || r.ID == 0 {
		return
	}
	if err := m.outbox.Add(ctx, r.ID, cause, m.now().UTC()); err != nil {
		m.logger.Error("queue mirror write", zap.Int64("reading_id", r.ID), zap.Error(err))
	}
}

// Replay sends up to limit queued readings to InfluxDB in one batch. A failed
// batch stays queued with its attempt count raised.
func (m *Module) Replay(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult
	if m.outbox == nil || m.readings == nil {
		return res, apperr.Transient("mirror outbox unavailable", nil)
	}
	m.mu.RLock()
	w := m.writer
	m.mu.RUnlock()
	if w == nil {
		return res, apperr.Transient("influxdb writer not started", nil)
	}
	if limit <= 0 {
		limit = m.cfg.BatchSize
	}

	pending, err := m.outbox.Next(ctx, limit)
	if err != nil || len(pending) == 0 {
		return res, err
	}
	ids := make([]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ReadingID
	}
	res.Attempted = len(ids)

	readings, err := m.readings.Readings(ctx, ids)
	if err != nil {
		return res, err
	}
	found := make(map[int64]bool, len(readings))
	points := make([]*write.Point, 0, len(readings))
	mirrored := make([]int64, 0, len(readings))
	for _, r := range readings {
		found[r.ID] = true
		points = append(points, toPoint(r))
		mirrored = append(mirrored, r.ID)
	}
	var gone []int64
	for _, id := range ids {
		if !found[id] {
			gone = append(gone, id)
		}
	}
	if err := m.outbox.Done(ctx, gone); err != nil {
		return res, err
	}
	res.Dropped = len(gone)
	pointsTotal.WithLabelValues("dropped").Add(float64(len(gone)))
	if len(points) == 0 {
		return res, nil
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := w.WritePoint(wctx, points...); err != nil {
		if rerr := m.outbox.Retry(ctx, mirrored, err.Error()); rerr != nil {
			m.logger.Error("record mirror retry", zap.Error(rerr))
		}
		return res, apperr.Transient("influxdb replay failed", err)
	}
	if err := m.outbox.Done(ctx, mirrored); err != nil {
		return res, err
	}
	res.Mirrored = len(mirrored)
	pointsTotal.WithLabelValues("replayed").Add(float64(len(mirrored)))
	return res, nil
}

// PurgeOutbox drops queued readings older than the cutoff.
func (m *Module) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	if m.outbox == nil {
		return 0, apperr.Transient("mirror outbox unavailable", nil)
	}
	return m.outbox.DeleteBefore(ctx, before.UTC())
}

func (m *Module) replayLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runReplay(ctx)
		}
	}
}

func (m *Module) runReplay(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if n, err := m.PurgeOutbox(ctx, m.now().Add(-m.cfg.BufferRetention)); err != nil {
		m.logger.Warn("mirror outbox purge failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Warn("dropped unreplayed readings past buffer retention", zap.Int64("count", n))
	}

	res, err := m.Replay(ctx, m.cfg.BatchSize)
	if err != nil {
		m.logger.Debug("mirror replay deferred", zap.Error(err))
		return
	}
	if res.Attempted > 0 {
		m.logger.Info("mirror replay",
			zap.Int("mirrored", res.Mirrored),
			zap.Int("dropped", res.Dropped),
		)
	}
}

// toPoint maps a reading onto the telemetry measurement. Device, type and
// quality are tags; the value is the only field.
func toPoint(r telemetry.Reading) *write.Point {
	tags := map[string]string{
		"device_id": r.DeviceID,
		"data_type": r.DataType,
		"quality":   string(r.Quality),
	}
	if r.Unit != "" {
		tags["unit"] = r.Unit
	}
	if r.RegisterLabel != "" {
		tags["register"] = r.RegisterLabel
		tags["slave_id"] = fmt.Sprintf("%d", r.SlaveID)
	}
	return write.NewPoint(measurement, tags, map[string]any{"value": r.Value}, r.Timestamp)
}
