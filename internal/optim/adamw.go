// Package optim updates trainable parameters: AdamW, learning-rate schedules
// and gradient clipping.
package optim

import (
	"fmt"
	"math"

	"github.com/headlands-org/go-finetune/internal/autograd"
)

// AdamWConfig holds the optimizer hyperparameters.
type AdamWConfig struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamW matches the usual framework defaults with the given decay.
func DefaultAdamW(weightDecay float64) AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: weightDecay}
}

// AdamW is Adam with decoupled weight decay:
//
//	p -= lr * wd * p
//	m = β1 m + (1-β1) g
//	v = β2 v + (1-β2) g²
//	p -= lr * (m / (1-β1ᵗ)) / (sqrt(v / (1-β2ᵗ)) + ε)
type AdamW struct {
	cfg    AdamWConfig
	params []*autograd.Tensor
	m, v   [][]float32
	t      int
}

// NewAdamW allocates moment buffers for params.
func NewAdamW(params []*autograd.Tensor, cfg AdamWConfig) (*AdamW, error) {
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, fmt.Errorf("betas (%g, %g) must lie in [0,1)", cfg.Beta1, cfg.Beta2)
	}
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("eps must be positive, got %g", cfg.Eps)
	}
	if cfg.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must not be negative, got %g", cfg.WeightDecay)
	}
	o := &AdamW{cfg: cfg, params: params, m: make([][]float32, len(params)), v: make([][]float32, len(params))}
	for i, p := range params {
		o.m[i] = make([]float32, p.Size())
		o.v[i] = make([]float32, p.Size())
	}
	return o, nil
}

// Steps returns the number of updates applied.
func (o *AdamW) Steps() int { return o.t }

// Step applies one update with learning rate lr. Parameters without a
// gradient buffer are skipped.
func (o *AdamW) Step(lr float64) {
	o.t++
	c := o.cfg
	bias1 := 1 - math.Pow(c.Beta1, float64(o.t))
	bias2 := 1 - math.Pow(c.Beta2, float64(o.t))
	decay := float32(1 - lr*c.WeightDecay)
	b1, b2 := float32(c.Beta1), float32(c.Beta2)

	for i, p := range o.params {
		if p.Grad == nil {
			continue
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mHat := float64(m[j]) / bias1
			vHat := float64(v[j]) / bias2
			p.Data[j] = p.Data[j]*decay - float32(lr*mHat/(math.Sqrt(vHat)+c.Eps))
		}
	}
}

// ZeroGrad clears every parameter's gradient.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// ClipGradNorm scales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping. maxNorm <= 0 only measures.
func ClipGradNorm(params []*autograd.Tensor, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}
