// Package kernels provides the float32 math kernels used by the training graph.
// Dense products go through gonum's BLAS; the rest are plain loops.
package kernels

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c for row-major matrices where
// op(a) is m×k and op(b) is k×n. With transA, a is stored k×m; with transB, b is
// stored n×k. beta == 0 overwrites c.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range c[:m*n] {
			c[i] *= beta
		}
		return
	}

	ta, ga := blas.NoTrans, general(m, k, a)
	if transA {
		ta, ga = blas.Trans, general(k, m, a)
	}
	tb, gb := blas.NoTrans, general(k, n, b)
	if transB {
		tb, gb = blas.Trans, general(n, k, b)
	}
	blas32.Gemm(ta, tb, alpha, ga, gb, beta, general(m, n, c))
}

// MatMulGGML performs matrix multiplication with ggml semantics.
// weight: [out_dim, in_dim], input: [batch, in_dim], output: [batch, out_dim]
// This is equivalent to: output = input @ weight.T
func MatMulGGML(dst, weight, input []float32, batch, inDim, outDim int) {
	Gemm(false, true, batch, outDim, inDim, 1, input, weight, 0, dst)
}

// MatMulF32 computes dst[m,n] = a[m,k] @ b[k,n].
func MatMulF32(dst, a, b []float32, m, k, n int) {
	Gemm(false, false, m, n, k, 1, a, b, 0, dst)
}

// VecDotF32 returns the dot product of the first n elements.
func VecDotF32(a, b []float32, n int) float32 {
	if n == 0 {
		return 0
	}
	return blas32.Dot(blas32.Vector{N: n, Data: a, Inc: 1}, blas32.Vector{N: n, Data: b, Inc: 1})
}

// Axpy computes y += alpha*x over the first n elements.
func Axpy(n int, alpha float32, x, y []float32) {
	if n == 0 {
		return
	}
	blas32.Axpy(alpha, blas32.Vector{N: n, Data: x, Inc: 1}, blas32.Vector{N: n, Data: y, Inc: 1})
}

// SumSquares returns the sum of squares of x, accumulated in float64.
func SumSquares(x []float32) float64 {
	s := 0.0
	for _, v := range x {
		s += float64(v) * float64(v)
	}
	return s
}
