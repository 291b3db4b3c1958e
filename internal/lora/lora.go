package lora

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/model"
)

// Linear adds a trainable low-rank update to a frozen projection:
//
//	y = x Wᵀ + scaling * dropout(x) Aᵀ Bᵀ
//
// A is [r, in], B is [out, r] and starts at zero, so a fresh adapter leaves
// the base output unchanged.
type Linear struct {
	Name    string
	base    model.Linear
	A       *autograd.Tensor
	B       *autograd.Tensor
	scaling float32
	dropout float32
}

// NewLinear wraps base with a rank-r adapter. A is drawn uniformly from
// ±1/sqrt(in), the Kaiming bound PEFT uses.
func NewLinear(name string, base model.Linear, cfg Config, rng *rand.Rand) *Linear {
	w := base.Base()
	out, in := w.Rows(), w.Cols()

	bound := 1 / math.Sqrt(float64(in))
	a := make([]float32, cfg.R*in)
	for i := range a {
		a[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return &Linear{
		Name:    name,
		base:    base,
		A:       autograd.NewParam(name+".lora_a", a, cfg.R, in),
		B:       autograd.NewParam(name+".lora_b", make([]float32, out*cfg.R), out, cfg.R),
		scaling: cfg.Scaling(),
		dropout: float32(cfg.Dropout),
	}
}

func (l *Linear) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	y := l.base.Forward(tp, x)
	delta := tp.Linear(tp.Linear(tp.Dropout(x, l.dropout), l.A), l.B)
	return tp.Add(y, tp.Scale(delta, l.scaling))
}

func (l *Linear) Base() *autograd.Tensor { return l.base.Base() }

func (l *Linear) Parameters() []*autograd.Tensor { return []*autograd.Tensor{l.A, l.B} }

// Rank returns r.
func (l *Linear) Rank() int { return l.A.Rows() }

// Adapter is the set of LoRA layers injected into one model.
type Adapter struct {
	Config Config
	Layers []*Linear
	model  *model.Model
}

// Apply injects adapters into every projection whose kind is targeted by cfg.
// Initialisation is deterministic for a given seed.
func Apply(m *model.Model, cfg Config, seed uint64) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	targets, _ := cfg.Kinds()
	rng := rand.New(rand.NewPCG(seed, seed+1))

	ad := &Adapter{Config: cfg, model: m}
	for _, s := range m.Slots() {
		if !slices.Contains(targets, s.Kind) {
			continue
		}
		if len(cfg.LayersToTransform) > 0 && !slices.Contains(cfg.LayersToTransform, s.Layer) {
			continue
		}
		if _, ok := (*s.Linear).(*Linear); ok {
			return nil, fmt.Errorf("%s already has an adapter", s.Name)
		}
		l := NewLinear(s.Name, *s.Linear, cfg, rng)
		*s.Linear = l
		ad.Layers = append(ad.Layers, l)
	}
	if len(ad.Layers) == 0 {
		return nil, fmt.Errorf("no projection matches target modules %v", cfg.TargetModules)
	}
	return ad, nil
}

// Parameters returns the trainable tensors in layer order (A then B).
func (a *Adapter) Parameters() []*autograd.Tensor {
	params := make([]*autograd.Tensor, 0, 2*len(a.Layers))
	for _, l := range a.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// TrainableStats reports trainable and total parameter counts.
type TrainableStats struct {
	Trainable int
	Total     int
}

// Percent returns the trainable share of all parameters.
func (s TrainableStats) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Trainable) / float64(s.Total)
}

func (s TrainableStats) String() string {
	return fmt.Sprintf("trainable params: %d || all params: %d || trainable%%: %.4f", s.Trainable, s.Total, s.Percent())
}

// Stats counts the adapter's parameters against the whole model.
func (a *Adapter) Stats() TrainableStats {
	n := 0
	for _, p := range a.Parameters() {
		n += p.Size()
	}
	return TrainableStats{Trainable: n, Total: a.model.NumParams()}
}
