package kernels

import "math"

// RMSNorm applies RMS normalization
// out[i] = x[i] / RMS(x) * weight[i]
// RMS(x) = sqrt(mean(x^2) + eps)
func RMSNorm(dst, src, weight []float32, eps float32) float32 {
	n := len(src)
	if len(dst) < n || len(weight) < n {
		panic("RMSNorm: buffer size mismatch")
	}

	sumSq := float32(0)
	for i := 0; i < n; i++ {
		sumSq += src[i] * src[i]
	}
	inv := float32(1 / math.Sqrt(float64(sumSq/float32(n)+eps)))

	for i := 0; i < n; i++ {
		dst[i] = src[i] * inv * weight[i]
	}
	return inv
}

// RMSNormRows normalises each of rows rows of width dim and stores 1/RMS per row
// in invRMS for the backward pass.
func RMSNormRows(dst, src, weight, invRMS []float32, rows, dim int, eps float32) {
	for r := 0; r < rows; r++ {
		o := r * dim
		invRMS[r] = RMSNorm(dst[o:o+dim], src[o:o+dim], weight, eps)
	}
}

// RMSNormBackward accumulates the gradients of RMSNormRows into dx and dWeight.
// Either may be nil when not needed.
//
//	dx_j += r*w_j*dy_j - r^3/n * x_j * sum_i(dy_i*w_i*x_i)
//	dw_j += dy_j * x_j * r
func RMSNormBackward(dx, dWeight, dy, src, weight, invRMS []float32, rows, dim int) {
	n := float32(dim)
	for r := 0; r < rows; r++ {
		o := r * dim
		x, g := src[o:o+dim], dy[o:o+dim]
		inv := invRMS[r]

		if dWeight != nil {
			for j := range x {
				dWeight[j] += g[j] * x[j] * inv
			}
		}
		if dx == nil {
			continue
		}
		dot := float32(0)
		for j := range x {
			dot += g[j] * weight[j] * x[j]
		}
		c := inv * inv * inv / n * dot
		d := dx[o : o+dim]
		for j := range x {
			d[j] += inv*weight[j]*g[j] - c*x[j]
		}
	}
}
