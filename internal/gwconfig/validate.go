package gwconfig

import (
	"math"
	"regexp"
	"slices"

	"github.com/HerbHall/sunlink/internal/apperr"
	"github.com/HerbHall/sunlink/internal/decoder"
)

var configIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

var baudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// normalize fills derived fields and sorts the tree.
func normalize(c *GatewayConfig) {
	for i := range c.Slaves {
		for j := range c.Slaves[i].Registers {
			r := &c.Slaves[i].Registers[j]
			if r.NumRegisters == 0 {
				r.NumRegisters = r.DataType.Registers()
			}
			if r.WordOrder == "" {
				r.WordOrder = decoder.WordOrderBig
			}
		}
	}
	c.sortTree()
}

// validate checks a normalized config. Range and shape errors are
// Validation; duplicate slave IDs and labels are Conflict.
func validate(c *GatewayConfig) error {
	if !configIDPattern.MatchString(c.ConfigID) {
		return apperr.Validation("configId must be 1-64 characters of letters, digits, '.', '_' or '-'")
	}
	if c.SchemaVersion < 1 {
		return apperr.Validation("schemaVersion must be at least 1")
	}
	if !slices.Contains(baudRates, c.UART.BaudRate) {
		return apperr.Validation("baudRate %d is not a standard rate", c.UART.BaudRate)
	}
	if c.UART.DataBits != 7 && c.UART.DataBits != 8 {
		return apperr.Validation("dataBits must be 7 or 8")
	}
	if c.UART.StopBits != 1 && c.UART.StopBits != 2 {
		return apperr.Validation("stopBits must be 1 or 2")
	}
	if c.UART.Parity < ParityNone || c.UART.Parity > ParityEven {
		return apperr.Validation("parity must be 0 (none), 1 (odd) or 2 (even)")
	}

	seen := make(map[int]bool, len(c.Slaves))
	for _, s := range c.Slaves {
		if s.SlaveID < 1 || s.SlaveID > 247 {
			return apperr.Validation("slaveId %d outside 1-247", s.SlaveID)
		}
		if seen[s.SlaveID] {
			return apperr.Conflict("duplicate slaveId %d", s.SlaveID)
		}
		seen[s.SlaveID] = true
		if s.PollingIntervalMs < 100 {
			return apperr.Validation("slave %d: pollingIntervalMs must be at least 100", s.SlaveID)
		}
		if s.TimeoutMs < 1 {
			return apperr.Validation("slave %d: timeoutMs must be positive", s.SlaveID)
		}
		if err := validateRegisters(s); err != nil {
			return err
		}
	}
	return nil
}

func validateRegisters(s Slave) error {
	labels := make(map[string]bool, len(s.Registers))
	for _, r := range s.Registers {
		if r.Label == "" {
			return apperr.Validation("slave %d: register label is required", s.SlaveID)
		}
		if labels[r.Label] {
			return apperr.Conflict("slave %d: duplicate register label %q", s.SlaveID, r.Label)
		}
		labels[r.Label] = true

		if !r.DataType.Valid() {
			return apperr.Validation("slave %d register %q: unknown dataType %d", s.SlaveID, r.Label, int(r.DataType))
		}
		if !r.WordOrder.Valid() {
			return apperr.Validation("slave %d register %q: wordOrder must be big or little", s.SlaveID, r.Label)
		}
		if r.NumRegisters < r.DataType.Registers() || r.NumRegisters > 125 {
			return apperr.Validation("slave %d register %q: numRegisters %d does not fit %s",
				s.SlaveID, r.Label, r.NumRegisters, r.DataType)
		}
		if r.Address < 0 || r.Address+r.NumRegisters-1 > 65535 {
			return apperr.Validation("slave %d register %q: address %d outside 0-65535", s.SlaveID, r.Label, r.Address)
		}
		if r.FunctionCode < 1 || r.FunctionCode > 4 {
			return apperr.Validation("slave %d register %q: functionCode must be a read function (1-4)", s.SlaveID, r.Label)
		}
		if math.IsNaN(r.ScaleFactor) || math.IsInf(r.ScaleFactor, 0) || math.IsNaN(r.Offset) || math.IsInf(r.Offset, 0) {
			return apperr.Validation("slave %d register %q: scaleFactor and offset must be finite", s.SlaveID, r.Label)
		}
	}
	return nil
}
