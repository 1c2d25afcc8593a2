package telemetry

import (
	"time"

	"github.com/HerbHall/sunlink/internal/decoder"
)

// Reading is one stored telemetry value. Rows are append-only.
type Reading struct {
	ID            int64           `json:"id"`
	DeviceID      string          `json:"deviceId"`
	Timestamp     time.Time       `json:"timestamp"`
	DataType      string          `json:"dataType"`
	Value         float64         `json:"value"`
	Unit          string          `json:"unit,omitempty"`
	SlaveID       int             `json:"slaveId,omitempty"`
	RegisterLabel string          `json:"registerLabel,omitempty"`
	Quality       decoder.Quality `json:"quality"`
	RawRegisters  []uint16        `json:"raw,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// DeviceLog is one log line uploaded by a gateway.
type DeviceLog struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"deviceId"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log levels accepted from gateways. Anything else is stored as info.
var logLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true, "critical": true,
}

// Query narrows Latest.
type Query struct {
	DataType string
	Limit    int
}
