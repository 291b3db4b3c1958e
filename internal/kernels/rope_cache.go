package kernels

import "math"

// RoPEStyle selects which dimensions of a head are rotated together.
type RoPEStyle int

const (
	// RoPENorm rotates adjacent pairs (2i, 2i+1), as llama checkpoints expect.
	RoPENorm RoPEStyle = iota
	// RoPENeoX rotates the pairs (i, i+headDim/2).
	RoPENeoX
)

// RoPECache stores pre-computed RoPE frequencies and trigonometric values
type RoPECache struct {
	freqs    []float32 // [headDim/2]
	cosCache []float32 // [maxPos][headDim/2]
	sinCache []float32 // [maxPos][headDim/2]
	headDim  int
	maxPos   int
}

// NewRoPECache creates and initializes a RoPE cache
func NewRoPECache(headDim int, base float32, maxPos int) *RoPECache {
	halfDim := headDim / 2

	cache := &RoPECache{
		freqs:    make([]float32, halfDim),
		cosCache: make([]float32, maxPos*halfDim),
		sinCache: make([]float32, maxPos*halfDim),
		headDim:  headDim,
		maxPos:   maxPos,
	}

	for i := 0; i < halfDim; i++ {
		cache.freqs[i] = float32(1.0 / math.Pow(float64(base), float64(2*i)/float64(headDim)))
	}

	for pos := 0; pos < maxPos; pos++ {
		p := float32(pos)
		for i := 0; i < halfDim; i++ {
			theta := p * cache.freqs[i]
			cache.cosCache[pos*halfDim+i] = float32(math.Cos(float64(theta)))
			cache.sinCache[pos*halfDim+i] = float32(math.Sin(float64(theta)))
		}
	}

	return cache
}

// HeadDim returns the head dimension the cache was built for.
func (c *RoPECache) HeadDim() int { return c.headDim }

func (c *RoPECache) cosSin(p, i int) (float32, float32) {
	if p < c.maxPos {
		half := c.headDim / 2
		return c.cosCache[p*half+i], c.sinCache[p*half+i]
	}
	theta := float64(float32(p) * c.freqs[i])
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

// Apply rotates x in place. x is [seqLen, nHeads, headDim] with rows spaced
// stride floats apart (stride >= nHeads*headDim). inverse applies the
// transpose rotation, which is also the backward pass of the forward rotation.
func (c *RoPECache) Apply(x []float32, seqLen, nHeads, stride int, pos []int, style RoPEStyle, inverse bool) {
	if len(pos) != seqLen {
		panic("RoPECache.Apply: pos length must equal seqLen")
	}
	half := c.headDim / 2

	for s := 0; s < seqLen; s++ {
		for i := 0; i < half; i++ {
			cos, sin := c.cosSin(pos[s], i)
			if inverse {
				sin = -sin
			}
			for h := 0; h < nHeads; h++ {
				offset := s*stride + h*c.headDim
				var i0, i1 int
				if style == RoPENeoX {
					i0, i1 = offset+i, offset+i+half
				} else {
					i0, i1 = offset+2*i, offset+2*i+1
				}
				v0, v1 := x[i0], x[i1]
				x[i0] = v0*cos - v1*sin
				x[i1] = v0*sin + v1*cos
			}
		}
	}
}
