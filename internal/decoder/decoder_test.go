package decoder

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func float32Words(f float32) (hi, lo uint16) {
	bits := math.Float32bits(f)
	return uint16(bits >> 16), uint16(bits)
}

func TestDecode(t *testing.T) {
	fHi, fLo := float32Words(230.5)
	nanHi, nanLo := float32Words(float32(math.NaN()))

	tests := []struct {
		name    string
		raw     []uint16
		m       Mapping
		want    float64
		quality Quality
	}{
		{"uint16 scaled voltage", []uint16{2400}, Mapping{DataType: Uint16, ScaleFactor: 0.1}, 240.0, Good},
		{"int16 negative", []uint16{0xFF9C}, Mapping{DataType: Int16, ScaleFactor: 1}, -100, Good},
		{"int16 with offset", []uint16{250}, Mapping{DataType: Int16, ScaleFactor: 0.1, Offset: -40}, -15, Good},
		{"uint32 big word order", []uint16{0x0001, 0x0000}, Mapping{DataType: Uint32, ScaleFactor: 1}, 65536, Good},
		{"uint32 little word order", []uint16{0x0000, 0x0001}, Mapping{DataType: Uint32, WordOrder: WordOrderLittle, ScaleFactor: 1}, 65536, Good},
		{"int32 negative", []uint16{0xFFFF, 0xFFFE}, Mapping{DataType: Int32, ScaleFactor: 1}, -2, Good},
		{"float32", []uint16{fHi, fLo}, Mapping{DataType: Float32, ScaleFactor: 1}, 230.5, Good},
		{"float32 little", []uint16{fLo, fHi}, Mapping{DataType: Float32, WordOrder: WordOrderLittle, ScaleFactor: 2}, 461, Good},
		{"bitfield ignores scale", []uint16{0b1010}, Mapping{DataType: Bitfield, ScaleFactor: 0.1, Offset: 5}, 10, Good},
		{"extra words ignored", []uint16{100, 7, 7}, Mapping{DataType: Uint16, ScaleFactor: 1}, 100, Good},
		{"sentinel uint16", []uint16{0xFFFF}, Mapping{DataType: Uint16, ScaleFactor: 1}, 0, Bad},
		{"sentinel uint32", []uint16{0xFFFF, 0xFFFF}, Mapping{DataType: Uint32, ScaleFactor: 1}, 0, Bad},
		{"short read", []uint16{1}, Mapping{DataType: Float32, ScaleFactor: 1}, 0, Bad},
		{"empty", nil, Mapping{DataType: Uint16, ScaleFactor: 1}, 0, Bad},
		{"float NaN", []uint16{nanHi, nanLo}, Mapping{DataType: Float32, ScaleFactor: 1}, 0, Bad},
		{"unknown type", []uint16{1}, Mapping{DataType: DataType(42), ScaleFactor: 1}, 0, Bad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, q := Decode(tt.raw, tt.m)
			assert.Equal(t, tt.quality, q)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestDecodeErr_Causes(t *testing.T) {
	_, err := DecodeErr([]uint16{0xFFFF}, Mapping{DataType: Uint16, ScaleFactor: 1})
	assert.True(t, errors.Is(err, ErrSentinel))

	_, err = DecodeErr([]uint16{1}, Mapping{DataType: Int32, ScaleFactor: 1})
	assert.True(t, errors.Is(err, ErrShortRead))

	big := float32(math.MaxFloat32)
	hi, lo := float32Words(big)
	_, err = DecodeErr([]uint16{hi, lo}, Mapping{DataType: Float32, ScaleFactor: math.MaxFloat64})
	assert.True(t, errors.Is(err, ErrNotFinite))
}

func TestAssess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poll := 5 * time.Second

	assert.Equal(t, Good, Assess(now.Add(-9*time.Second), now, poll))
	assert.Equal(t, Stale, Assess(now.Add(-10*time.Second), now, poll))
	assert.Equal(t, Stale, Assess(now.Add(-time.Hour), now, poll))
	assert.Equal(t, Good, Assess(time.Time{}, now, poll))
	assert.Equal(t, Good, Assess(now.Add(-time.Hour), now, 0))
}

func TestWorst(t *testing.T) {
	assert.Equal(t, Bad, Worst(Good, Bad))
	assert.Equal(t, Stale, Worst(Stale, Good))
	assert.Equal(t, Bad, Worst(Bad, Stale))
	assert.Equal(t, Good, Worst(Good, Good))
}

func TestDataType_JSON(t *testing.T) {
	b, err := json.Marshal(Float32)
	require.NoError(t, err)
	assert.Equal(t, "4", string(b))

	var byName, byCode DataType
	require.NoError(t, json.Unmarshal([]byte(`"int32"`), &byName))
	require.NoError(t, json.Unmarshal([]byte(`1`), &byCode))
	assert.Equal(t, Int32, byName)
	assert.Equal(t, Int16, byCode)

	var bad DataType
	assert.Error(t, json.Unmarshal([]byte(`9`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`"double"`), &bad))
}

func TestDataType_YAML(t *testing.T) {
	var doc struct {
		A DataType `yaml:"a"`
		B DataType `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: float32\nb: 2\n"), &doc))
	assert.Equal(t, Float32, doc.A)
	assert.Equal(t, Uint32, doc.B)

	out, err := yaml.Marshal(struct {
		T DataType `yaml:"t"`
	}{Bitfield})
	require.NoError(t, err)
	assert.Equal(t, "t: bitfield\n", string(out))
}
