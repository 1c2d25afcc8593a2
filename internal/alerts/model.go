package alerts

import (
	"strings"
	"time"

	"github.com/HerbHall/sunlink/internal/decoder"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Status of an alert. Active and acknowledged alerts are open.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusAcknowledged || s == StatusResolved
}

// Type identifies the condition an alert reports.
type Type string

const (
	LowVoltage         Type = "low_voltage"
	HighVoltage        Type = "high_voltage"
	HighTemperature    Type = "high_temperature"
	LowBattery         Type = "low_battery"
	ThresholdExceeded  Type = "threshold_exceeded"
	CommunicationError Type = "communication_error"
	DeviceOffline      Type = "device_offline"
)

// SystemActor resolves alerts when readings return to normal.
const SystemActor = "system"

// Alert is a persisted alert. At most one open alert exists per device and
// type; repeat triggers bump Occurrences on it.
type Alert struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"device_id"`
	Type            Type           `json:"alert_type"`
	Severity        Severity       `json:"severity"`
	Status          Status         `json:"status"`
	Title           string         `json:"title"`
	Message         string         `json:"message"`
	TriggeredAt     time.Time      `json:"triggered_at"`
	LastTriggeredAt time.Time      `json:"last_triggered_at"`
	Occurrences     int            `json:"occurrences"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Open reports whether the alert is still active or acknowledged.
func (a *Alert) Open() bool {
	return a.Status != StatusResolved
}

// TransitionKind is what an evaluation did to an alert.
type TransitionKind string

const (
	Triggered TransitionKind = "triggered"
	Updated   TransitionKind = "updated"
	Resolved  TransitionKind = "resolved"
)

// Transition is one alert state change produced by evaluation.
type Transition struct {
	Kind  TransitionKind `json:"kind"`
	Alert *Alert         `json:"alert"`
}

// Quantity is the closed set of semantic telemetry types rules are keyed
// by. Readings of any other type are stored but never evaluated.
type Quantity string

const (
	Voltage     Quantity = "voltage"
	Current     Quantity = "current"
	Power       Quantity = "power"
	Energy      Quantity = "energy"
	Temperature Quantity = "temperature"
	Battery     Quantity = "battery"
	Frequency   Quantity = "frequency"
)

var quantities = map[Quantity]bool{
	Voltage: true, Current: true, Power: true, Energy: true,
	Temperature: true, Battery: true, Frequency: true,
}

// ParseQuantity maps a reading's dataType onto a known quantity.
func ParseQuantity(s string) (Quantity, bool) {
	q := Quantity(strings.ToLower(strings.TrimSpace(s)))
	return q, quantities[q]
}

// Reading is the slice of a stored telemetry row evaluation needs.
type Reading struct {
	DeviceID      string
	DataType      string
	Value         float64
	Unit          string
	Quality       decoder.Quality
	SlaveID       int
	RegisterLabel string
	Timestamp     time.Time
}

// Filter narrows List.
type Filter struct {
	DeviceID string
	Status   Status
	Type     Type
	Limit    int
}
