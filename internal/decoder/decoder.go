// Package decoder turns raw Modbus register words into scaled physical
// values and grades each reading good, stale or bad.
package decoder

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Quality grades a reading. Only good readings take part in threshold checks.
type Quality string

const (
	Good  Quality = "good"
	Stale Quality = "stale"
	Bad   Quality = "bad"
)

// Valid reports whether q is one of the three grades.
func (q Quality) Valid() bool {
	return q == Good || q == Stale || q == Bad
}

// Worst returns the lower of two grades (bad < stale < good).
func Worst(a, b Quality) Quality {
	rank := func(q Quality) int {
		switch q {
		case Bad:
			return 0
		case Stale:
			return 1
		default:
			return 2
		}
	}
	if rank(b) < rank(a) {
		return b
	}
	return a
}

// Mapping is the decoding half of a register mapping.
type Mapping struct {
	DataType     DataType
	WordOrder    WordOrder
	ScaleFactor  float64
	Offset       float64
	NumRegisters int
}

// Decode failure causes.
var (
	ErrShortRead   = errors.New("too few registers")
	ErrSentinel    = errors.New("sentinel value 0xFFFF")
	ErrNotFinite   = errors.New("value not finite")
	ErrUnknownType = errors.New("unknown data type")
)

// Decode interprets raw per m and applies physical = raw*scale + offset.
// Any failure yields quality bad and a zero value; bad reads are still
// stored by callers for the audit trail.
func Decode(raw []uint16, m Mapping) (float64, Quality) {
	v, err := DecodeErr(raw, m)
	if err != nil {
		return 0, Bad
	}
	return v, Good
}

// DecodeErr is Decode with the failure cause.
func DecodeErr(raw []uint16, m Mapping) (float64, error) {
	if !m.DataType.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownType, int(m.DataType))
	}
	need := m.DataType.Registers()
	if len(raw) < need {
		return 0, fmt.Errorf("%w: %s needs %d, got %d", ErrShortRead, m.DataType, need, len(raw))
	}
	words := raw[:need]
	if allSentinel(words) {
		return 0, ErrSentinel
	}

	var x float64
	switch m.DataType {
	case Uint16:
		x = float64(words[0])
	case Int16:
		x = float64(int16(words[0]))
	case Bitfield:
		// Bit masks are not physical quantities; scale and offset do not apply.
		return float64(words[0]), nil
	case Uint32:
		x = float64(join(words, m.WordOrder))
	case Int32:
		x = float64(int32(join(words, m.WordOrder)))
	case Float32:
		f := math.Float32frombits(join(words, m.WordOrder))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, ErrNotFinite
		}
		x = float64(f)
	}

	v := x*m.ScaleFactor + m.Offset
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNotFinite
	}
	return v, nil
}

// join combines two big-endian registers into one 32-bit word.
func join(words []uint16, order WordOrder) uint32 {
	hi, lo := words[0], words[1]
	if order == WordOrderLittle {
		hi, lo = lo, hi
	}
	return uint32(hi)<<16 | uint32(lo)
}

func allSentinel(words []uint16) bool {
	for _, w := range words {
		if w != 0xFFFF {
			return false
		}
	}
	return true
}

// Assess grades a reading by its age: good while younger than twice the
// polling interval, stale after. Unknown sample time or interval means good.
func Assess(sampleAt, now time.Time, pollingInterval time.Duration) Quality {
	if sampleAt.IsZero() || pollingInterval <= 0 {
		return Good
	}
	if now.Sub(sampleAt) >= 2*pollingInterval {
		return Stale
	}
	return Good
}
