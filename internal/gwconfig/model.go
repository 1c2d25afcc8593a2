package gwconfig

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/HerbHall/sunlink/internal/decoder"
	"gopkg.in/yaml.v3"
)

// Parity values of the serial link.
const (
	ParityNone = 0
	ParityOdd  = 1
	ParityEven = 2
)

// UART holds the serial-link parameters shared by every slave of a gateway.
type UART struct {
	BaudRate int `json:"baudRate" yaml:"baudRate"`
	DataBits int `json:"dataBits" yaml:"dataBits"`
	StopBits int `json:"stopBits" yaml:"stopBits"`
	Parity   int `json:"parity" yaml:"parity"`
}

// GatewayConfig is a published polling plan. It is never modified after
// Publish; a change means a new ConfigID.
type GatewayConfig struct {
	ConfigID      string    `json:"configId" yaml:"configId"`
	Name          string    `json:"name,omitempty" yaml:"name,omitempty"`
	SchemaVersion int       `json:"schemaVersion" yaml:"schemaVersion"`
	UART          UART      `json:"uartConfig" yaml:"uart"`
	Slaves        []Slave   `json:"slaves" yaml:"slaves"`
	CreatedAt     time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time `json:"updatedAt" yaml:"-"`
}

// Slave is one Modbus slave polled by the gateway.
type Slave struct {
	SlaveID           int        `json:"slaveId" yaml:"slaveId"`
	DeviceName        string     `json:"deviceName" yaml:"deviceName"`
	PollingIntervalMs int        `json:"pollingIntervalMs" yaml:"pollingIntervalMs"`
	TimeoutMs         int        `json:"timeoutMs" yaml:"timeoutMs"`
	Enabled           bool       `json:"enabled" yaml:"enabled"`
	Registers         []Register `json:"registers" yaml:"registers"`
}

// Register maps a register range to one physical quantity:
// value = raw * ScaleFactor + Offset.
type Register struct {
	Label        string            `json:"label" yaml:"label"`
	Address      int               `json:"address" yaml:"address"`
	NumRegisters int               `json:"numRegisters" yaml:"numRegisters"`
	FunctionCode int               `json:"functionCode" yaml:"functionCode"`
	DataType     decoder.DataType  `json:"dataType" yaml:"dataType"`
	WordOrder    decoder.WordOrder `json:"wordOrder,omitempty" yaml:"wordOrder,omitempty"`
	ScaleFactor  float64           `json:"scaleFactor" yaml:"scaleFactor"`
	Offset       float64           `json:"offset" yaml:"offset"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
}

// Summary is the list view of a config.
type Summary struct {
	ConfigID      string    `json:"configId"`
	Name          string    `json:"name,omitempty"`
	SchemaVersion int       `json:"schemaVersion"`
	Slaves        int       `json:"slaves"`
	Registers     int       `json:"registers"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Mapping returns the decoder view of r.
func (r Register) Mapping() decoder.Mapping {
	return decoder.Mapping{
		DataType:     r.DataType,
		WordOrder:    r.WordOrder,
		ScaleFactor:  r.ScaleFactor,
		Offset:       r.Offset,
		NumRegisters: r.NumRegisters,
	}
}

// PollingInterval returns the slave's polling interval as a duration.
func (s Slave) PollingInterval() time.Duration {
	return time.Duration(s.PollingIntervalMs) * time.Millisecond
}

// Slave returns the slave with the given ID.
func (c *GatewayConfig) Slave(id int) (*Slave, bool) {
	for i := range c.Slaves {
		if c.Slaves[i].SlaveID == id {
			return &c.Slaves[i], true
		}
	}
	return nil, false
}

// Register returns the register with the given label.
func (s *Slave) Register(label string) (*Register, bool) {
	for i := range s.Registers {
		if s.Registers[i].Label == label {
			return &s.Registers[i], true
		}
	}
	return nil, false
}

// Find locates the register addressed by a telemetry reading. With slaveID 0
// every slave is searched and the label must be unambiguous. A known slave is
// returned even when its label lookup fails.
func (c *GatewayConfig) Find(slaveID int, label string) (*Slave, *Register, bool) {
	if slaveID != 0 {
		s, ok := c.Slave(slaveID)
		if !ok {
			return nil, nil, false
		}
		r, ok := s.Register(label)
		return s, r, ok
	}
	var fs *Slave
	var fr *Register
	for i := range c.Slaves {
		if r, ok := c.Slaves[i].Register(label); ok {
			if fr != nil {
				return nil, nil, false
			}
			fs, fr = &c.Slaves[i], r
		}
	}
	return fs, fr, fr != nil
}

func (c *GatewayConfig) summary() Summary {
	s := Summary{
		ConfigID:      c.ConfigID,
		Name:          c.Name,
		SchemaVersion: c.SchemaVersion,
		Slaves:        len(c.Slaves),
		CreatedAt:     c.CreatedAt,
	}
	for _, sl := range c.Slaves {
		s.Registers += len(sl.Registers)
	}
	return s
}

// clone returns a deep copy so cached configs cannot be changed by callers.
func (c *GatewayConfig) clone() *GatewayConfig {
	out := *c
	out.Slaves = make([]Slave, len(c.Slaves))
	for i, s := range c.Slaves {
		s.Registers = slices.Clone(s.Registers)
		out.Slaves[i] = s
	}
	return &out
}

// sortTree orders slaves by slaveId and registers by address, label.
func (c *GatewayConfig) sortTree() {
	slices.SortStableFunc(c.Slaves, func(a, b Slave) int { return a.SlaveID - b.SlaveID })
	for i := range c.Slaves {
		slices.SortStableFunc(c.Slaves[i].Registers, func(a, b Register) int {
			if a.Address != b.Address {
				return a.Address - b.Address
			}
			switch {
			case a.Label < b.Label:
				return -1
			case a.Label > b.Label:
				return 1
			}
			return 0
		})
	}
}

// Defaults for fields omitted from published documents.

func defaultConfig() GatewayConfig {
	return GatewayConfig{
		SchemaVersion: 1,
		UART:          UART{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone},
	}
}

func defaultSlave() Slave {
	return Slave{PollingIntervalMs: 5000, TimeoutMs: 1000, Enabled: true}
}

func defaultRegister() Register {
	return Register{FunctionCode: 3, ScaleFactor: 1.0, Enabled: true}
}

func (c *GatewayConfig) UnmarshalJSON(b []byte) error {
	type plain GatewayConfig
	p := plain(defaultConfig())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = GatewayConfig(p)
	return nil
}

func (c *GatewayConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain GatewayConfig
	p := plain(defaultConfig())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = GatewayConfig(p)
	return nil
}

func (s *Slave) UnmarshalJSON(b []byte) error {
	type plain Slave
	p := plain(defaultSlave())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Slave(p)
	return nil
}

func (s *Slave) UnmarshalYAML(node *yaml.Node) error {
	type plain Slave
	p := plain(defaultSlave())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Slave(p)
	return nil
}

func (r *Register) UnmarshalJSON(b []byte) error {
	type plain Register
	p := plain(defaultRegister())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Register(p)
	return nil
}

func (r *Register) UnmarshalYAML(node *yaml.Node) error {
	type plain Register
	p := plain(defaultRegister())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Register(p)
	return nil
}
