package device

import (
	"encoding/binary"
	"math"
)

// Float32ToFloat16 converts a float32 to IEEE 754 binary16 bits.
// Out-of-range values saturate to ±65504 and values below the smallest
// normal half flush to signed zero. NaN and Inf are preserved.
func Float32ToFloat16(f float32) uint16 {
	if math.IsNaN(float64(f)) {
		return 0x7E00
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00
	}

	const maxFP16 = 65504.0
	const minNormalFP16 = 6.10351562e-5

	if f > maxFP16 {
		f = maxFP16
	} else if f < -maxFP16 {
		f = -maxFP16
	}

	bits := math.Float32bits(f)
	sign := (bits >> 16) & 0x8000
	if abs := math.Abs(float64(f)); abs < minNormalFP16 {
		return uint16(sign)
	}

	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := (bits >> 13) & 0x3FF

	if exp >= 0x1F {
		return uint16(sign | 0x7BFF)
	}
	if exp <= 0 {
		return uint16(sign)
	}
	return uint16(sign | (uint32(exp) << 10) | frac)
}

// Float16ToFloat32 converts binary16 bits to float32. Subnormal halves
// decode as signed zero, matching what Float32ToFloat16 produces.
func Float16ToFloat32(h uint16) float32 {
	sign := (uint32(h) >> 15) & 1
	exp := (uint32(h) >> 10) & 0x1F
	frac := uint32(h) & 0x3FF

	if exp == 0 {
		return math.Float32frombits(sign << 31)
	}
	if exp == 31 {
		return math.Float32frombits((sign << 31) | (0xFF << 23) | (frac << 13))
	}

	newExp := exp - 15 + 127
	return math.Float32frombits((sign << 31) | (newExp << 23) | (frac << 13))
}

// encode writes vals into buf using dtype's storage layout.
func encode(buf []byte, dtype DataType, vals []float32) {
	switch dtype {
	case Float16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(buf[i*2:], Float32ToFloat16(v))
		}
	case Int32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
		}
	default:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	}
}

// decode reads buf as dtype and widens every element to float32.
func decode(buf []byte, dtype DataType) []float32 {
	n := len(buf) / dtype.ElemSize()
	out := make([]float32, n)
	switch dtype {
	case Float16:
		for i := range out {
			out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	case Int32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(buf[i*4:])))
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	}
	return out
}
