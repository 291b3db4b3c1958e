package kernels

import "math"

// AttentionHead locates one head of one sequence inside packed row-major
// buffers: q and out are [SeqLen, QStride], k and v are [SeqLen, KVStride].
type AttentionHead struct {
	SeqLen   int
	HeadDim  int
	QStride  int
	KVStride int
	QOff     int // offset of the head inside a q row
	KVOff    int // offset of the head inside a k/v row
	Scale    float32
}

// DefaultAttentionScale returns 1/sqrt(headDim).
func DefaultAttentionScale(headDim int) float32 {
	return float32(1 / math.Sqrt(float64(headDim)))
}

func (a AttentionHead) q(buf []float32, i int) []float32 {
	o := i*a.QStride + a.QOff
	return buf[o : o+a.HeadDim]
}

func (a AttentionHead) kv(buf []float32, j int) []float32 {
	o := j*a.KVStride + a.KVOff
	return buf[o : o+a.HeadDim]
}

// Probs fills probs with the [SeqLen, SeqLen] causal attention weights. Query i
// sees keys j <= i whose keyMask entry is non-zero (nil keyMask means all keys
// are valid). Entries above the diagonal are zero.
func (a AttentionHead) Probs(probs, q, k []float32, keyMask []int) {
	n := a.SeqLen
	negInf := float32(math.Inf(-1))
	for i := 0; i < n; i++ {
		row := probs[i*n : (i+1)*n]
		qi := a.q(q, i)
		for j := 0; j < n; j++ {
			if j > i || (keyMask != nil && keyMask[j] == 0) {
				row[j] = negInf
				continue
			}
			row[j] = a.Scale * VecDotF32(qi, a.kv(k, j), a.HeadDim)
		}
		Softmax(row, row, n)
	}
}

// Forward computes causal attention, leaving the weights in probs.
func (a AttentionHead) Forward(out, probs, q, k, v []float32, keyMask []int) {
	a.Probs(probs, q, k, keyMask)
	n := a.SeqLen
	for i := 0; i < n; i++ {
		row := probs[i*n : (i+1)*n]
		oi := a.q(out, i)
		for d := range oi {
			oi[d] = 0
		}
		for j := 0; j <= i; j++ {
			if p := row[j]; p != 0 {
				Axpy(a.HeadDim, p, a.kv(v, j), oi)
			}
		}
	}
}

// Backward accumulates the gradients of Forward into dq, dk and dv, given the
// weights Forward (or Probs) produced.
func (a AttentionHead) Backward(dq, dk, dv, dout, probs, q, k, v []float32) {
	n := a.SeqLen
	dp := make([]float32, n)
	for i := 0; i < n; i++ {
		row := probs[i*n : (i+1)*n]
		doi := a.q(dout, i)

		rowDot := float32(0)
		for j := 0; j <= i; j++ {
			if row[j] == 0 {
				dp[j] = 0
				continue
			}
			dp[j] = VecDotF32(doi, a.kv(v, j), a.HeadDim)
			rowDot += row[j] * dp[j]
			Axpy(a.HeadDim, row[j], doi, a.kv(dv, j))
		}

		qi, dqi := a.q(q, i), a.q(dq, i)
		for j := 0; j <= i; j++ {
			if row[j] == 0 {
				continue
			}
			ds := a.Scale * row[j] * (dp[j] - rowDot)
			Axpy(a.HeadDim, ds, a.kv(k, j), dqi)
			Axpy(a.HeadDim, ds, qi, a.kv(dk, j))
		}
	}
}
