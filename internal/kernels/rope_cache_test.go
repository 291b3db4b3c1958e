package kernels

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestRoPEMatchesDirectFormula(t *testing.T) {
	const headDim, nHeads, seqLen = 8, 2, 4
	const base = 10000.0
	cache := NewRoPECache(headDim, base, 2) // positions >= 2 take the uncached path
	pos := []int{0, 1, 2, 5}

	r := rand.New(rand.NewPCG(7, 8))
	for _, style := range []RoPEStyle{RoPENorm, RoPENeoX} {
		x := randSlice(r, seqLen*nHeads*headDim)
		orig := append([]float32(nil), x...)
		cache.Apply(x, seqLen, nHeads, nHeads*headDim, pos, style, false)

		for s := 0; s < seqLen; s++ {
			for h := 0; h < nHeads; h++ {
				off := (s*nHeads + h) * headDim
				for i := 0; i < headDim/2; i++ {
					theta := float64(pos[s]) * math.Pow(base, -float64(2*i)/headDim)
					i0, i1 := off+2*i, off+2*i+1
					if style == RoPENeoX {
						i0, i1 = off+i, off+i+headDim/2
					}
					want0 := float64(orig[i0])*math.Cos(theta) - float64(orig[i1])*math.Sin(theta)
					want1 := float64(orig[i0])*math.Sin(theta) + float64(orig[i1])*math.Cos(theta)
					if math.Abs(float64(x[i0])-want0) > 1e-4 || math.Abs(float64(x[i1])-want1) > 1e-4 {
						t.Errorf("style %d s=%d h=%d i=%d: got (%f,%f) want (%f,%f)", style, s, h, i, x[i0], x[i1], want0, want1)
					}
				}
			}
		}
	}
}

func TestRoPEInverse(t *testing.T) {
	const headDim, nHeads, seqLen, stride = 4, 3, 5, 16 // stride leaves a gap after the heads
	cache := NewRoPECache(headDim, 10000, 8)
	pos := []int{0, 1, 2, 3, 9}

	r := rand.New(rand.NewPCG(9, 10))
	x := randSlice(r, seqLen*stride)
	orig := append([]float32(nil), x...)

	cache.Apply(x, seqLen, nHeads, stride, pos, RoPENorm, false)
	for s := 0; s < seqLen; s++ {
		for j := nHeads * headDim; j < stride; j++ {
			if x[s*stride+j] != orig[s*stride+j] {
				t.Fatalf("rotation touched padding column %d of row %d", j, s)
			}
		}
	}
	cache.Apply(x, seqLen, nHeads, stride, pos, RoPENorm, true)
	assertClose(t, "inverse", x, orig, 1e-5)
}

func TestRoPECacheRejectsBadPositions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched positions")
		}
	}()
	NewRoPECache(4, 10000, 4).Apply(make([]float32, 8), 2, 1, 4, []int{0}, RoPENorm, false)
}
