package telemetry

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// TopicReadingStored is published after a reading is persisted. Payload is
// Reading.
const TopicReadingStored = "telemetry.reading.stored"

// Limits on what a gateway may upload in one call.
const (
	MaxLogBatch      = 500
	maxDataTypeLen   = 64
	maxLogMessageLen = 4096
)

var readingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_telemetry_readings_total",
	Help: "Telemetry readings stored, by quality.",
}, []string{"quality"})

var logsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sunlink_device_logs_total",
	Help: "Device log lines stored.",
})

// Service stores readings and device logs.
type Service struct {
	store  *ReadingStore
	bus    plugin.EventBus
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(s *ReadingStore, bus plugin.EventBus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, bus: bus, logger: logger, now: time.Now}
}

// Record validates and appends one reading. A non-finite value is stored as
// zero with quality bad so the audit trail keeps the failed read.
func (s *Service) Record(ctx context.Context, r Reading) (*Reading, error) {
	r.DataType = strings.TrimSpace(r.DataType)
	if r.DeviceID == "" {
		return nil, apperr.Validation("deviceId is required")
	}
	if r.DataType == "" || len(r.DataType) > maxDataTypeLen {
		return nil, apperr.Validation("dataType must be 1-%d characters", maxDataTypeLen)
	}
	if r.SlaveID < 0 || r.SlaveID > 247 {
		return nil, apperr.Validation("slaveId %d outside 0-247", r.SlaveID)
	}
	if !r.Quality.Valid() {
		r.Quality = decoder.Good
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		r.Value = 0
		r.Quality = decoder.Bad
	}

	now := s.now().UTC()
	r.ReceivedAt = now
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()

	if err := s.store.InsertReading(ctx, &r); err != nil {
		return nil, err
	}
	readingsTotal.WithLabelValues(string(r.Quality)).Inc()

	if s.bus != nil {
		s.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicReadingStored,
			Source:    "telemetry",
			Timestamp: now,
			Payload:   r,
		})
	}
	return &r, nil
}

// StoreLogs appends a batch of log lines for one device and returns how
// many were stored.
func (s *Service) StoreLogs(ctx context.Context, deviceID string, logs []DeviceLog) (int, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	if len(logs) > MaxLogBatch {
		return 0, apperr.Validation("at most %d log lines per upload", MaxLogBatch)
	}
	now := s.now().UTC()
	for i := range logs {
		l := &logs[i]
		if strings.TrimSpace(l.Message) == "" {
			return 0, apperr.Validation("log line %d has no message", i)
		}
		l.Message = truncate(l.Message, maxLogMessageLen)
		l.DeviceID = deviceID
		l.Level = strings.ToLower(l.Level)
		if !logLevels[l.Level] {
			l.Level = "info"
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = now
		}
		l.Timestamp = l.Timestamp.UTC()
	}
	if err := s.store.InsertLogs(ctx, logs); err != nil {
		return 0, err
	}
	logsTotal.Add(float64(len(logs)))
	return len(logs), nil
}

// Latest returns a device's newest readings.
func (s *Service) Latest(ctx context.Context, deviceID string, q Query) ([]Reading, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	return s.store.Latest(ctx, deviceID, q)
}

// Readings returns stored readings by ID. IDs purged since are skipped.
func (s *Service) Readings(ctx context.Context, ids []int64) ([]Reading, error) {
	return s.store.Get(ctx, ids)
}

// Logs returns a device's newest log lines.
func (s *Service) Logs(ctx context.Context, deviceID string, limit int) ([]DeviceLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListLogs(ctx, deviceID, limit)
}

// Purge deletes readings and logs older than the cutoff.
func (s *Service) Purge(ctx context.Context, before time.Time) (readings, logs int64, err error) {
	return s.store.DeleteBefore(ctx, before.UTC())
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func decoderQuality(s string) decoder.Quality {
	q := decoder.Quality(s)
	if !q.Valid() {
		return decoder.Bad
	}
	return q
}
