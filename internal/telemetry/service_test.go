package telemetry

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/decoder"
	"github.com/HerbHall/sunlink/internal/event"
	"github.com/HerbHall/sunlink/internal/testutil"
	"github.com/HerbHall/sunlink/pkg/plugin"
	"github.com/HerbHall/sunlink/pkg/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testService(t *testing.T, bus plugin.EventBus) *Service {
	t.Helper()
	db := testutil.NewStore(t)
	require.NoError(t, db.Migrate(context.Background(), "telemetry", migrations()))
	return NewService(NewReadingStore(db.DB()), bus, zaptest.NewLogger(t))
}

func TestContract(t *testing.T) {
	plugintest.TestPluginContract(t, func() plugin.Plugin { return New() },
		plugintest.WithStore(testutil.StoreFactory))
}

func TestRecord_AndLatest(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, v := range []float64{230.1, 231.2, 229.9} {
		_, err := s.Record(ctx, Reading{
			DeviceID:  "dev-1",
			DataType:  "voltage",
			Value:     v,
			Unit:      "V",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := s.Record(ctx, Reading{
		DeviceID:      "dev-1",
		DataType:      "power",
		Value:         1500,
		SlaveID:       1,
		RegisterLabel: "ac_power",
		RawRegisters:  []uint16{0x44BB, 0x8000},
		Timestamp:     base.Add(10 * time.Minute),
	})
	require.NoError(t, err)

	latest, err := s.Latest(ctx, "dev-1", Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "power", latest[0].DataType)
	assert.Equal(t, []uint16{0x44BB, 0x8000}, latest[0].RawRegisters)
	assert.Equal(t, 229.9, latest[1].Value)
	assert.Equal(t, decoder.Good, latest[1].Quality)

	volts, err := s.Latest(ctx, "dev-1", Query{DataType: "voltage"})
	require.NoError(t, err)
	assert.Len(t, volts, 3)

	other, err := s.Latest(ctx, "dev-2", Query{})
	require.NoError(t, err)
	assert.Empty(t, other)

	byID, err := s.Readings(ctx, []int64{latest[0].ID, 9999, latest[1].ID})
	require.NoError(t, err)
	require.Len(t, byID, 2, "unknown IDs are skipped")
	assert.Equal(t, latest[1].ID, byID[0].ID)
	assert.Equal(t, "power", byID[1].DataType)
}

func TestRecord_Validation(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		r    Reading
	}{
		{"no device", Reading{DataType: "voltage"}},
		{"no data type", Reading{DeviceID: "d", DataType: "  "}},
		{"long data type", Reading{DeviceID: "d", DataType: strings.Repeat("x", 65)}},
		{"slave out of range", Reading{DeviceID: "d", DataType: "voltage", SlaveID: 300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Record(ctx, tt.r)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "err = %v", err)
		})
	}
}

func TestRecord_NonFiniteValueIsBad(t *testing.T) {
	s := testService(t, nil)
	r, err := s.Record(context.Background(), Reading{DeviceID: "d", DataType: "voltage", Value: math.Inf(1)})
	require.NoError(t, err)
	assert.Equal(t, decoder.Bad, r.Quality)
	assert.Equal(t, 0.0, r.Value)
	assert.False(t, r.Timestamp.IsZero(), "missing timestamp defaults to receipt time")
}

func TestRecord_PublishesEvent(t *testing.T) {
	bus := event.NewBus(zap.NewNop())
	got := make(chan Reading, 1)
	bus.Subscribe(TopicReadingStored, func(_ context.Context, e plugin.Event) {
		got <- e.Payload.(Reading)
	})
	s := testService(t, bus)

	_, err := s.Record(context.Background(), Reading{DeviceID: "d", DataType: "temperature", Value: 41})
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, 41.0, r.Value)
		assert.NotZero(t, r.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry event published")
	}
}

func TestStoreLogs(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	n, err := s.StoreLogs(ctx, "dev-1", []DeviceLog{
		{Level: "ERROR", Message: "modbus timeout", Metadata: map[string]any{"slave": 2.0}},
		{Level: "verbose", Message: "boot"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	logs, err := s.Logs(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	levels := map[string]bool{logs[0].Level: true, logs[1].Level: true}
	assert.True(t, levels["error"])
	assert.True(t, levels["info"], "unknown level is stored as info")

	_, err = s.StoreLogs(ctx, "dev-1", []DeviceLog{{Message: " "}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = s.StoreLogs(ctx, "dev-1", make([]DeviceLog, MaxLogBatch+1))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestStoreLogs_TruncatesOnRuneBoundary(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()

	// Three-byte runes straddle the byte limit.
	long := strings.Repeat("a", maxLogMessageLen-1) + strings.Repeat("€", 4)
	_, err := s.StoreLogs(ctx, "dev-1", []DeviceLog{{Message: long}})
	require.NoError(t, err)

	logs, err := s.Logs(ctx, "dev-1", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, utf8.ValidString(logs[0].Message))
	assert.Equal(t, strings.Repeat("a", maxLogMessageLen-1), logs[0].Message)

	assert.Equal(t, "ab€", truncate("ab€", 5))
	assert.Equal(t, "ab", truncate("ab€", 4))
	assert.Equal(t, "", truncate("€", 2))
}

func TestPurge(t *testing.T) {
	s := testService(t, nil)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	s.now = func() time.Time { return old }
	_, err := s.Record(ctx, Reading{DeviceID: "d", DataType: "voltage", Value: 1})
	require.NoError(t, err)
	_, err = s.StoreLogs(ctx, "d", []DeviceLog{{Message: "old"}})
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.Record(ctx, Reading{DeviceID: "d", DataType: "voltage", Value: 2})
	require.NoError(t, err)

	readings, logs, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), readings)
	assert.Equal(t, int64(1), logs)

	left, err := s.Latest(ctx, "d", Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 2.0, left[0].Value)
}

func TestHandlers(t *testing.T) {
	m := New()
	require.NoError(t, m.Init(context.Background(), plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  testutil.NewStore(t),
	}))
	_, err := m.Service().Record(context.Background(), Reading{DeviceID: "dev-1", DataType: "voltage", Value: 12})
	require.NoError(t, err)

	mux := http.NewServeMux()
	for _, r := range m.Routes() {
		mux.HandleFunc(r.Method+" "+r.Path, r.Handler)
	}

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/devices/dev-1/latest", http.StatusOK, `"value":12`},
		{"/devices/dev-1/latest?limit=abc", http.StatusBadRequest, "limit"},
		{"/devices/dev-2/latest", http.StatusOK, `[]`},
		{"/devices/dev-1/logs", http.StatusOK, `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}
