package kernels

import "math"

const (
	sqrt2OverPi = 0.7978845608028654 // sqrt(2/pi)
	geluCoeff   = 0.044715
)

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// SiLU applies the SiLU (Swish) activation function
// SiLU(x) = x * sigmoid(x) = x / (1 + exp(-x))
func SiLU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		dst[i] = src[i] * sigmoid(src[i])
	}
}

// SiLUBackward accumulates dx += dy * SiLU'(x).
func SiLUBackward(dx, src, dy []float32, n int) {
	for i := 0; i < n; i++ {
		s := sigmoid(src[i])
		dx[i] += dy[i] * s * (1 + src[i]*(1-s))
	}
}

// GELU applies the GELU activation function (tanh approximation)
// GELU(x) ≈ 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
func GELU(dst, src []float32, n int) {
	for i := 0; i < n; i++ {
		x := src[i]
		inner := sqrt2OverPi * (x + geluCoeff*x*x*x)
		dst[i] = 0.5 * x * (1.0 + float32(math.Tanh(float64(inner))))
	}
}

// GELUBackward accumulates dx += dy * GELU'(x) for the tanh approximation.
func GELUBackward(dx, src, dy []float32, n int) {
	for i := 0; i < n; i++ {
		x := src[i]
		inner := sqrt2OverPi * (x + geluCoeff*x*x*x)
		t := float32(math.Tanh(float64(inner)))
		dInner := sqrt2OverPi * (1 + 3*geluCoeff*x*x)
		dx[i] += dy[i] * (0.5*(1+t) + 0.5*x*(1-t*t)*dInner)
	}
}

// Softmax applies softmax activation
// softmax(x)_i = exp(x_i) / sum(exp(x_j))
// Entries equal to -Inf get probability zero; an all -Inf row becomes all zeros.
func Softmax(dst, src []float32, n int) {
	if n == 0 {
		return
	}

	maxVal := float32(math.Inf(-1))
	for i := 0; i < n; i++ {
		if src[i] > maxVal {
			maxVal = src[i]
		}
	}
	if math.IsInf(float64(maxVal), -1) {
		for i := 0; i < n; i++ {
			dst[i] = 0
		}
		return
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		e := math.Exp(float64(src[i] - maxVal))
		dst[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := 0; i < n; i++ {
		dst[i] *= inv
	}
}

// LogSumExp returns log(sum(exp(x))) computed stably in float64.
func LogSumExp(x []float32) float64 {
	maxVal := math.Inf(-1)
	for _, v := range x {
		maxVal = math.Max(maxVal, float64(v))
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(float64(v) - maxVal)
	}
	return maxVal + math.Log(sum)
}
