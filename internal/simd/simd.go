package simd

import "math"

// ExpFast is a fast approximation of exp(x)
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation
func ExpFast(x float32) float32 {
	// Clamp to avoid overflow
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634

	t := x * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float32(k)

	// 2^f ≈ 1 + 0.6931*f + 0.2401*f^2 + 0.0554*f^3
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	if k < -126 {
		return 0
	}
	// 2^k assembled directly in the exponent bits
	return p * math.Float32frombits(uint32(k+127)<<23)
}

// SigmoidFast returns 1 / (1 + exp(-x)).
func SigmoidFast(x float32) float32 {
	return 1.0 / (1.0 + ExpFast(-x))
}

// SwishFast applies swish in-place: x * sigmoid(beta * x).
func SwishFast(data []float32, beta float32) {
	for i, x := range data {
		data[i] = x * SigmoidFast(beta*x)
	}
}

// GaussianFast computes exp(-gamma * (x - mu)^2) for each centre into dst.
func GaussianFast(dst []float32, x float32, centers []float32, gamma float32) {
	for i, mu := range centers {
		diff := x - mu
		dst[i] = ExpFast(-gamma * diff * diff)
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale for float32 vectors
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale.
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// HasNaN reports whether any element is NaN or infinite.
func HasNaN(data []float32) bool {
	for _, v := range data {
		// NaN != NaN; v-v is NaN for ±Inf
		if v != v || v-v != 0 {
			return true
		}
	}
	return false
}
