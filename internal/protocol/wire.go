package protocol

import (
	"encoding/json"
	"time"

	"github.com/HerbHall/sunlink/internal/commands"
	"github.com/HerbHall/sunlink/internal/gwconfig"
	"github.com/HerbHall/sunlink/internal/identity"
	"github.com/HerbHall/sunlink/internal/telemetry"
)

// Wire types are the gateway firmware contract. Field names and value
// shapes (0/1 command flags, status 1) must not change.

// ProvisionRequest is the body of POST /devices/provision.
type ProvisionRequest struct {
	HwID       string `json:"hwId"`
	Model      string `json:"model,omitempty"`
	ClaimNonce string `json:"claimNonce,omitempty"`
}

// ProvisionResponse is returned by Provision.
type ProvisionResponse struct {
	Status        string              `json:"status"`
	DeviceID      string              `json:"deviceId"`
	ProvisionedAt time.Time           `json:"provisionedAt"`
	Credentials   identity.Credential `json:"credentials"`
}

// ConfigRequest is the body of POST /devices/{deviceId}/config.
type ConfigRequest struct {
	DeviceID        string `json:"deviceId"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

// ConfigResponse is the polling plan served to a gateway.
type ConfigResponse struct {
	ConfigID        string        `json:"configId"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	ConfigSchemaVer int           `json:"configSchemaVer"`
	UARTConfig      gwconfig.UART `json:"uartConfig"`
	Slaves          []WireSlave   `json:"slaves"`
}

// WireSlave is one slave in a ConfigResponse.
type WireSlave struct {
	SlaveID           int            `json:"slaveId"`
	DeviceName        string         `json:"deviceName"`
	PollingIntervalMs int            `json:"pollingIntervalMs"`
	TimeoutMs         int            `json:"timeoutMs"`
	Enabled           bool           `json:"enabled"`
	Registers         []WireRegister `json:"registers"`
}

// WireRegister is one register mapping in a ConfigResponse. DataType is the
// numeric wire code.
type WireRegister struct {
	Label        string  `json:"label"`
	Address      int     `json:"address"`
	NumRegisters int     `json:"numRegisters"`
	FunctionCode int     `json:"functionCode"`
	DataType     int     `json:"dataType"`
	ScaleFactor  float64 `json:"scaleFactor"`
	Offset       float64 `json:"offset"`
	Enabled      bool    `json:"enabled"`
}

func toConfigResponse(c *gwconfig.GatewayConfig) *ConfigResponse {
	resp := &ConfigResponse{
		ConfigID:        c.ConfigID,
		UpdatedAt:       c.UpdatedAt,
		ConfigSchemaVer: c.SchemaVersion,
		UARTConfig:      c.UART,
		Slaves:          make([]WireSlave, 0, len(c.Slaves)),
	}
	for _, s := range c.Slaves {
		ws := WireSlave{
			SlaveID:           s.SlaveID,
			DeviceName:        s.DeviceName,
			PollingIntervalMs: s.PollingIntervalMs,
			TimeoutMs:         s.TimeoutMs,
			Enabled:           s.Enabled,
			Registers:         make([]WireRegister, 0, len(s.Registers)),
		}
		for _, r := range s.Registers {
			ws.Registers = append(ws.Registers, WireRegister{
				Label:        r.Label,
				Address:      r.Address,
				NumRegisters: r.NumRegisters,
				FunctionCode: r.FunctionCode,
				DataType:     int(r.DataType),
				ScaleFactor:  r.ScaleFactor,
				Offset:       r.Offset,
				Enabled:      r.Enabled,
			})
		}
		resp.Slaves = append(resp.Slaves, ws)
	}
	return resp
}

// HeartbeatRequest is the body of POST /devices/{deviceId}/heartbeat.
type HeartbeatRequest struct {
	DeviceID      string `json:"deviceId"`
	ConfigID      string `json:"configId"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// HeartbeatResponse carries the drained commands.
type HeartbeatResponse struct {
	Status     int          `json:"status"`
	ServerTime time.Time    `json:"serverTime"`
	Commands   CommandFlags `json:"commands"`
	Message    string       `json:"message"`
}

// CommandFlags is the 0/1 command block of a heartbeat response.
type CommandFlags struct {
	UpdateConfig   int `json:"updateConfig"`
	Reboot         int `json:"reboot"`
	UpdateFirmware int `json:"updateFirmware"`
	UpdateNetwork  int `json:"updateNetwork"`
	SendLogs       int `json:"sendLogs"`
	ClearLogs      int `json:"clearLogs"`
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toCommandFlags(f commands.Flags, updateConfig bool) CommandFlags {
	return CommandFlags{
		UpdateConfig:   bit(f[commands.UpdateConfig] || updateConfig),
		Reboot:         bit(f[commands.Reboot]),
		UpdateFirmware: bit(f[commands.UpdateFirmware]),
		UpdateNetwork:  bit(f[commands.UpdateNetwork]),
		SendLogs:       bit(f[commands.SendLogs]),
		ClearLogs:      bit(f[commands.ClearLogs]),
	}
}

// IngestRequest is one telemetry reading. Raw, when present with SlaveID and
// RegisterLabel, is decoded with the device's register mapping and Value is
// ignored. Credential is only read from MQTT payloads.
type IngestRequest struct {
	DeviceID      string     `json:"deviceId"`
	DataType      string     `json:"dataType"`
	Value         *float64   `json:"value"`
	Unit          string     `json:"unit,omitempty"`
	SlaveID       int        `json:"slaveId,omitempty"`
	RegisterLabel string     `json:"registerLabel,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Raw           []uint16   `json:"raw,omitempty"`
	Credential    string     `json:"credential,omitempty"`
}

// IngestResponse acknowledges a stored reading.
type IngestResponse struct {
	Status string `json:"status"`
}

// LogsResponse acknowledges an uploaded log batch.
type LogsResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// decodeLogs accepts either a bare array of log lines or {"logs": [...]}.
func decodeLogs(body []byte) ([]telemetry.DeviceLog, error) {
	var lines []telemetry.DeviceLog
	if err := json.Unmarshal(body, &lines); err == nil {
		return lines, nil
	}
	var wrapped struct {
		Logs []telemetry.DeviceLog `json:"logs"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Logs, nil
}
