package autograd

import (
	"fmt"

	"github.com/headlands-org/go-finetune/internal/kernels"
)

func sameShape(op string, a, b *Tensor) {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("autograd.%s: shape mismatch %v vs %v", op, a.Shape, b.Shape))
	}
}

// Embedding gathers rows of table [vocab, dim] for ids, giving [len(ids), dim].
func (tp *Tape) Embedding(table *Tensor, ids []int) *Tensor {
	dim := table.Cols()
	vocab := table.Rows()
	out := NewTensor(len(ids), dim)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("autograd.Embedding: id %d out of range [0,%d)", id, vocab))
		}
		copy(out.Data[i*dim:(i+1)*dim], table.Data[id*dim:(id+1)*dim])
	}
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		g := table.grad()
		for i, id := range ids {
			kernels.Axpy(dim, 1, out.Grad[i*dim:(i+1)*dim], g[id*dim:(id+1)*dim])
		}
	}, table)
	return out
}

// Linear computes x @ wᵀ for x [n, in] and w [out, in] (ggml weight layout).
func (tp *Tape) Linear(x, w *Tensor) *Tensor {
	n, in, outDim := x.Rows(), x.Cols(), w.Rows()
	if w.Cols() != in {
		panic(fmt.Sprintf("autograd.Linear: input %v, weight %v", x.Shape, w.Shape))
	}
	out := NewTensor(n, outDim)
	kernels.MatMulGGML(out.Data, w.Data, x.Data, n, in, outDim)
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		if x.RequiresGrad {
			kernels.Gemm(false, false, n, in, outDim, 1, out.Grad, w.Data, 1, x.grad())
		}
		if w.RequiresGrad {
			kernels.Gemm(true, false, outDim, in, n, 1, out.Grad, x.Data, 1, w.grad())
		}
	}, x, w)
	return out
}

// Add returns a + b elementwise.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	sameShape("Add", a, b)
	out := NewTensor(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		for _, in := range []*Tensor{a, b} {
			if in.RequiresGrad {
				kernels.Axpy(len(out.Grad), 1, out.Grad, in.grad())
			}
		}
	}, a, b)
	return out
}

// Mul returns a * b elementwise.
func (tp *Tape) Mul(a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)
	out := NewTensor(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		if a.RequiresGrad {
			ga := a.grad()
			for i, g := range out.Grad {
				ga[i] += g * b.Data[i]
			}
		}
		if b.RequiresGrad {
			gb := b.grad()
			for i, g := range out.Grad {
				gb[i] += g * a.Data[i]
			}
		}
	}, a, b)
	return out
}

// Scale returns s * a.
func (tp *Tape) Scale(a *Tensor, s float32) *Tensor {
	out := NewTensor(a.Shape...)
	for i, v := range a.Data {
		out.Data[i] = s * v
	}
	tp.track(out, func() {
		if out.Grad != nil {
			kernels.Axpy(len(out.Grad), s, out.Grad, a.grad())
		}
	}, a)
	return out
}

// RMSNorm normalises each row of x [n, dim] and scales by w [dim].
func (tp *Tape) RMSNorm(x, w *Tensor, eps float32) *Tensor {
	rows, dim := x.Rows(), x.Cols()
	if w.Size() != dim {
		panic(fmt.Sprintf("autograd.RMSNorm: input %v, weight %v", x.Shape, w.Shape))
	}
	out := NewTensor(rows, dim)
	inv := make([]float32, rows)
	kernels.RMSNormRows(out.Data, x.Data, w.Data, inv, rows, dim, eps)
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		var dx, dw []float32
		if x.RequiresGrad {
			dx = x.grad()
		}
		if w.RequiresGrad {
			dw = w.grad()
		}
		kernels.RMSNormBackward(dx, dw, out.Grad, x.Data, w.Data, inv, rows, dim)
	}, x, w)
	return out
}

func (tp *Tape) unary(x *Tensor, fwd func(dst, src []float32, n int), bwd func(dx, src, dy []float32, n int)) *Tensor {
	out := NewTensor(x.Shape...)
	fwd(out.Data, x.Data, len(x.Data))
	tp.track(out, func() {
		if out.Grad != nil {
			bwd(x.grad(), x.Data, out.Grad, len(x.Data))
		}
	}, x)
	return out
}

// GELU applies the tanh-approximated GELU.
func (tp *Tape) GELU(x *Tensor) *Tensor {
	return tp.unary(x, kernels.GELU, kernels.GELUBackward)
}

// SiLU applies x * sigmoid(x).
func (tp *Tape) SiLU(x *Tensor) *Tensor {
	return tp.unary(x, kernels.SiLU, kernels.SiLUBackward)
}

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). It is the identity when the tape has no dropout source or p == 0.
func (tp *Tape) Dropout(x *Tensor, p float32) *Tensor {
	if tp.rng == nil || p <= 0 {
		return x
	}
	if p >= 1 {
		panic(fmt.Sprintf("autograd.Dropout: p = %v", p))
	}
	keep := 1 / (1 - p)
	mask := make([]float32, len(x.Data))
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		if tp.rng.Float32() >= p {
			mask[i] = keep
			out.Data[i] = v * keep
		}
	}
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		g := x.grad()
		for i, m := range mask {
			g[i] += out.Grad[i] * m
		}
	}, x)
	return out
}

// RoPE rotates each head of x [n, nHeads*headDim]; pos gives the position of
// every row.
func (tp *Tape) RoPE(x *Tensor, cache *kernels.RoPECache, nHeads int, pos []int, style kernels.RoPEStyle) *Tensor {
	rows, cols := x.Rows(), x.Cols()
	if nHeads*cache.HeadDim() != cols {
		panic(fmt.Sprintf("autograd.RoPE: %d heads of %d do not fill %d columns", nHeads, cache.HeadDim(), cols))
	}
	out := NewTensor(x.Shape...)
	copy(out.Data, x.Data)
	cache.Apply(out.Data, rows, nHeads, cols, pos, style, false)
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		g := append([]float32(nil), out.Grad...)
		cache.Apply(g, rows, nHeads, cols, pos, style, true)
		kernels.Axpy(len(g), 1, g, x.grad())
	}, x)
	return out
}
