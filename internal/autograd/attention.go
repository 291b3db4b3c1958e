package autograd

import (
	"fmt"

	"github.com/headlands-org/go-finetune/internal/kernels"
)

// AttentionSpec shapes a batched causal self-attention call. Rows of q are
// [Batch*SeqLen, NumHeads*HeadDim]; rows of k and v are
// [Batch*SeqLen, NumKVHeads*HeadDim]. Query heads are grouped onto key/value
// heads in order (grouped-query attention when NumKVHeads < NumHeads).
type AttentionSpec struct {
	Batch      int
	SeqLen     int
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	// KeyMask has one entry per row; zero entries are never attended to.
	KeyMask []int
}

func (s AttentionSpec) head(h int) kernels.AttentionHead {
	group := s.NumHeads / s.NumKVHeads
	return kernels.AttentionHead{
		SeqLen:   s.SeqLen,
		HeadDim:  s.HeadDim,
		QStride:  s.NumHeads * s.HeadDim,
		KVStride: s.NumKVHeads * s.HeadDim,
		QOff:     h * s.HeadDim,
		KVOff:    (h / group) * s.HeadDim,
		Scale:    kernels.DefaultAttentionScale(s.HeadDim),
	}
}

func (s AttentionSpec) validate(q, k, v *Tensor) error {
	rows := s.Batch * s.SeqLen
	switch {
	case s.NumKVHeads <= 0 || s.NumHeads%s.NumKVHeads != 0:
		return fmt.Errorf("%d heads cannot share %d kv heads", s.NumHeads, s.NumKVHeads)
	case q.Rows() != rows || k.Rows() != rows || v.Rows() != rows:
		return fmt.Errorf("rows q=%d k=%d v=%d, want %d", q.Rows(), k.Rows(), v.Rows(), rows)
	case q.Cols() != s.NumHeads*s.HeadDim:
		return fmt.Errorf("q has %d columns, want %d", q.Cols(), s.NumHeads*s.HeadDim)
	case k.Cols() != s.NumKVHeads*s.HeadDim || v.Cols() != k.Cols():
		return fmt.Errorf("k/v have %d/%d columns, want %d", k.Cols(), v.Cols(), s.NumKVHeads*s.HeadDim)
	case s.KeyMask != nil && len(s.KeyMask) != rows:
		return fmt.Errorf("key mask has %d entries, want %d", len(s.KeyMask), rows)
	}
	return nil
}

// Attention computes causal multi-head attention. Attention weights are not
// kept; backward recomputes them per head.
func (tp *Tape) Attention(q, k, v *Tensor, spec AttentionSpec) *Tensor {
	if err := spec.validate(q, k, v); err != nil {
		panic("autograd.Attention: " + err.Error())
	}
	T := spec.SeqLen
	qStride := spec.NumHeads * spec.HeadDim
	kvStride := spec.NumKVHeads * spec.HeadDim

	seq := func(t *Tensor, b, stride int) []float32 {
		return t.Data[b*T*stride : (b+1)*T*stride]
	}
	mask := func(b int) []int {
		if spec.KeyMask == nil {
			return nil
		}
		return spec.KeyMask[b*T : (b+1)*T]
	}

	out := NewTensor(q.Rows(), qStride)
	tasks := make([]func(), 0, spec.Batch*spec.NumHeads)
	for b := 0; b < spec.Batch; b++ {
		for h := 0; h < spec.NumHeads; h++ {
			b, h := b, h
			tasks = append(tasks, func() {
				probs := make([]float32, T*T)
				spec.head(h).Forward(seq(out, b, qStride), probs,
					seq(q, b, qStride), seq(k, b, kvStride), seq(v, b, kvStride), mask(b))
			})
		}
	}
	tp.runner.Run(tasks...)

	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		dq, dk, dv := q.grad(), k.grad(), v.grad()
		group := spec.NumHeads / spec.NumKVHeads
		gradSeq := func(g []float32, b, stride int) []float32 {
			return g[b*T*stride : (b+1)*T*stride]
		}

		// Query heads sharing a kv head accumulate into the same dk/dv rows,
		// so each task owns one (sequence, kv head) pair.
		tasks := make([]func(), 0, spec.Batch*spec.NumKVHeads)
		for b := 0; b < spec.Batch; b++ {
			for kvh := 0; kvh < spec.NumKVHeads; kvh++ {
				b, kvh := b, kvh
				tasks = append(tasks, func() {
					probs := make([]float32, T*T)
					qs, ks, vs := seq(q, b, qStride), seq(k, b, kvStride), seq(v, b, kvStride)
					for h := kvh * group; h < (kvh+1)*group; h++ {
						head := spec.head(h)
						head.Probs(probs, qs, ks, mask(b))
						head.Backward(gradSeq(dq, b, qStride), gradSeq(dk, b, kvStride), gradSeq(dv, b, kvStride),
							gradSeq(out.Grad, b, qStride), probs, qs, ks, vs)
					}
				})
			}
		}
		tp.runner.Run(tasks...)
	}, q, k, v)
	return out
}
