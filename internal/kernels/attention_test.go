package kernels

import (
	"math/rand/v2"
	"testing"
)

func TestAttentionCausalAndMasked(t *testing.T) {
	const seqLen, headDim = 3, 2
	head := AttentionHead{SeqLen: seqLen, HeadDim: headDim, QStride: headDim, KVStride: headDim, Scale: 1}

	q := []float32{1, 0, 0, 1, 1, 1}
	k := []float32{1, 0, 0, 1, 1, 1}
	v := []float32{1, 2, 3, 4, 5, 6}
	out := make([]float32, seqLen*headDim)
	probs := make([]float32, seqLen*seqLen)

	head.Forward(out, probs, q, k, v, nil)
	// The first query only sees the first key.
	assertClose(t, "out[0]", out[:2], []float32{1, 2}, 1e-6)
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			if probs[i*seqLen+j] != 0 {
				t.Errorf("probs[%d,%d] = %f, future key visible", i, j, probs[i*seqLen+j])
			}
		}
	}

	// Masking the last key leaves the last query with the first two.
	head.Forward(out, probs, q, k, v, []int{1, 1, 0})
	if probs[2*seqLen+2] != 0 {
		t.Errorf("masked key has weight %f", probs[2*seqLen+2])
	}
	sum := probs[2*seqLen] + probs[2*seqLen+1]
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("row sums to %f", sum)
	}
}

func TestAttentionBackward(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	const seqLen, headDim, nHeads = 4, 3, 2
	stride := nHeads * headDim
	mask := []int{1, 1, 1, 0}

	q, k, v := randSlice(r, seqLen*stride), randSlice(r, seqLen*stride), randSlice(r, seqLen*stride)
	g := randSlice(r, seqLen*stride)
	out := make([]float32, seqLen*stride)
	probs := make([][]float32, nHeads)
	heads := make([]AttentionHead, nHeads)
	for h := range heads {
		heads[h] = AttentionHead{
			SeqLen: seqLen, HeadDim: headDim, QStride: stride, KVStride: stride,
			QOff: h * headDim, KVOff: h * headDim, Scale: DefaultAttentionScale(headDim),
		}
		probs[h] = make([]float32, seqLen*seqLen)
	}

	loss := func() float64 {
		for h, head := range heads {
			head.Forward(out, probs[h], q, k, v, mask)
		}
		return dotLoss(out, g)
	}
	loss()

	dq, dk, dv := make([]float32, len(q)), make([]float32, len(k)), make([]float32, len(v))
	for h, head := range heads {
		head.Backward(dq, dk, dv, g, probs[h], q, k, v)
	}

	checkGrad(t, "q", q, dq, loss)
	checkGrad(t, "k", k, dk, loss)
	checkGrad(t, "v", v, dv, loss)
}
