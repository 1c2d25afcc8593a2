package commands

import (
	"context"
	"strings"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Name identifies a command a gateway can be asked to perform.
type Name string

const (
	UpdateConfig   Name = "updateConfig"
	Reboot         Name = "reboot"
	UpdateFirmware Name = "updateFirmware"
	UpdateNetwork  Name = "updateNetwork"
	SendLogs       Name = "sendLogs"
	ClearLogs      Name = "clearLogs"
)

// Names lists every command in wire order.
var Names = []Name{UpdateConfig, Reboot, UpdateFirmware, UpdateNetwork, SendLogs, ClearLogs}

// Valid reports whether n is a known command.
func (n Name) Valid() bool {
	for _, known := range Names {
		if n == known {
			return true
		}
	}
	return false
}

// ParseName validates a command name as sent by operators.
func ParseName(s string) (Name, error) {
	n := Name(strings.TrimSpace(s))
	if !n.Valid() {
		return "", apperr.Validation("unknown command %q", s)
	}
	return n, nil
}

// Flags maps every known command to whether it is pending.
type Flags map[Name]bool

// NewFlags returns a Flags with every command present and false.
func NewFlags() Flags {
	f := make(Flags, len(Names))
	for _, n := range Names {
		f[n] = false
	}
	return f
}

// Any reports whether at least one command is pending.
func (f Flags) Any() bool {
	for _, v := range f {
		if v {
			return true
		}
	}
	return false
}

// Queue holds per-device pending command flags.
type Queue interface {
	// SetCommand sets or clears one flag.
	SetCommand(ctx context.Context, deviceID string, name Name, value bool) error
	// DrainPendingCommands returns all flags and resets them in one atomic
	// step, so each set is delivered by at most one drain.
	DrainPendingCommands(ctx context.Context, deviceID string) (Flags, error)
	// Peek returns the flags without resetting them.
	Peek(ctx context.Context, deviceID string) (Flags, error)
}

var drainedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sunlink_commands_drained_total",
	Help: "Commands delivered to gateways through heartbeat drains.",
}, []string{"command"})

func recordDrained(f Flags) {
	for n, pending := range f {
		if pending {
			drainedTotal.WithLabelValues(string(n)).Inc()
		}
	}
}

func checkArgs(deviceID string, name Name) error {
	if deviceID == "" {
		return apperr.Validation("deviceId is required")
	}
	if !name.Valid() {
		return apperr.Validation("unknown command %q", name)
	}
	return nil
}
