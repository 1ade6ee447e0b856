package device

import (
	"github.com/x448/float16"
)

// maxFP16 is the largest finite IEEE 754 binary16 value.
const maxFP16 = 65504.0

// Float32ToFloat16 converts a float32 to its float16 (IEEE 754 binary16) bits.
// Finite values outside the FP16 range are clamped to ±65504 instead of
// overflowing to infinity; NaN and ±Inf are preserved.
func Float32ToFloat16(f float32) uint16 {
	if f == f && f-f == 0 {
		if f > maxFP16 {
			f = maxFP16
		} else if f < -maxFP16 {
			f = -maxFP16
		}
	}
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts float16 bits back to a float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// ConvertToFP16 converts a whole slice, used for the fp16 transport format.
func ConvertToFP16(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = Float32ToFloat16(v)
	}
	return out
}
