package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DataType is the closed set of register encodings a mapping can declare.
// The integer value is the wire code gateways receive in config sync.
type DataType int

const (
	Uint16 DataType = iota
	Int16
	Uint32
	Int32
	Float32
	Bitfield
)

var dataTypeNames = [...]string{"uint16", "int16", "uint32", "int32", "float32", "bitfield"}

func (d DataType) String() string {
	if d.Valid() {
		return dataTypeNames[d]
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Valid reports whether d is a known encoding.
func (d DataType) Valid() bool {
	return d >= Uint16 && d <= Bitfield
}

// Registers is the number of 16-bit words the encoding occupies.
func (d DataType) Registers() int {
	switch d {
	case Uint32, Int32, Float32:
		return 2
	default:
		return 1
	}
}

// ParseDataType accepts a name ("float32") or a wire code ("4").
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range dataTypeNames {
		if s == name {
			return DataType(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && DataType(n).Valid() {
		return DataType(n), nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

// MarshalJSON emits the wire code.
func (d DataType) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(d))
}

// UnmarshalJSON accepts either the wire code or the name.
func (d *DataType) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if !DataType(n).Valid() {
			return fmt.Errorf("unknown data type code %d", n)
		}
		*d = DataType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("data type must be a code or a name: %w", err)
	}
	parsed, err := ParseDataType(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalYAML accepts either the wire code or the name.
func (d *DataType) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDataType(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = parsed
	return nil
}

// MarshalYAML emits the name, which is what operators write by hand.
func (d DataType) MarshalYAML() (any, error) {
	return d.String(), nil
}

// WordOrder selects which register holds the high word of 32-bit values.
type WordOrder string

const (
	WordOrderBig    WordOrder = "big"    // high word first
	WordOrderLittle WordOrder = "little" // low word first
)

// Valid reports whether w is empty (meaning big) or a known order.
func (w WordOrder) Valid() bool {
	return w == "" || w == WordOrderBig || w == WordOrderLittle
}
