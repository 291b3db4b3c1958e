package model

import (
	"fmt"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/kernels"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

const (
	tensorTokenEmbd  = "token_embd.weight"
	tensorOutputNorm = "output_norm.weight"
	tensorOutput     = "output.weight"
)

func blockTensor(layer int, name string) string {
	return fmt.Sprintf("blk.%d.%s.weight", layer, name)
}

// Linear is a projection y = x Wᵀ. Base projections are frozen; adapters wrap
// them and expose their own trainable tensors through Parameters.
type Linear interface {
	Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor
	// Base returns the frozen [out, in] weight.
	Base() *autograd.Tensor
	Parameters() []*autograd.Tensor
}

// Dense is a frozen projection.
type Dense struct {
	W *autograd.Tensor
}

func (d *Dense) Forward(tp *autograd.Tape, x *autograd.Tensor) *autograd.Tensor {
	return tp.Linear(x, d.W)
}

func (d *Dense) Base() *autograd.Tensor { return d.W }

func (d *Dense) Parameters() []*autograd.Tensor { return nil }

// Block is one transformer layer.
type Block struct {
	AttnNorm *autograd.Tensor
	Q, K, V  Linear
	O        Linear
	FFNNorm  *autograd.Tensor
	Gate     Linear // nil for the GELU MLP
	Up, Down Linear
}

// Slot names a projection that can be replaced, e.g. by an adapter.
type Slot struct {
	Name   string // blk.<layer>.<kind>
	Kind   string // attn_q, attn_k, attn_v, attn_output, ffn_gate, ffn_up, ffn_down
	Layer  int
	Linear *Linear
}

// Model is a decoder-only causal language model.
type Model struct {
	Config     Config
	TokenEmbd  *autograd.Tensor // [vocab, dim]
	Blocks     []*Block
	OutputNorm *autograd.Tensor
	Output     *autograd.Tensor // [vocab, dim]; aliases TokenEmbd when tied
	Tokenizer  *tokenizer.Tokenizer

	rope *kernels.RoPECache
}

func newModel(cfg Config) *Model {
	return &Model{
		Config: cfg,
		Blocks: make([]*Block, cfg.BlockCount),
		rope:   kernels.NewRoPECache(cfg.HeadDim(), cfg.RopeFreqBase, cfg.ContextLength),
	}
}

// Slots lists the replaceable projections in layer order.
func (m *Model) Slots() []Slot {
	var slots []Slot
	for l, b := range m.Blocks {
		for _, s := range []struct {
			kind string
			lin  *Linear
		}{
			{"attn_q", &b.Q}, {"attn_k", &b.K}, {"attn_v", &b.V}, {"attn_output", &b.O},
			{"ffn_gate", &b.Gate}, {"ffn_up", &b.Up}, {"ffn_down", &b.Down},
		} {
			if *s.lin == nil {
				continue
			}
			slots = append(slots, Slot{Name: fmt.Sprintf("blk.%d.%s", l, s.kind), Kind: s.kind, Layer: l, Linear: s.lin})
		}
	}
	return slots
}

// Parameters returns every tensor that requires a gradient, in a stable order
// identical across processes.
func (m *Model) Parameters() []*autograd.Tensor {
	var params []*autograd.Tensor
	for _, t := range []*autograd.Tensor{m.TokenEmbd, m.OutputNorm, m.Output} {
		if t.RequiresGrad {
			params = append(params, t)
		}
	}
	for _, b := range m.Blocks {
		for _, t := range []*autograd.Tensor{b.AttnNorm, b.FFNNorm} {
			if t.RequiresGrad {
				params = append(params, t)
			}
		}
	}
	for _, s := range m.Slots() {
		params = append(params, (*s.Linear).Parameters()...)
	}
	return params
}

// NumParams counts base and adapter elements. Output is not counted twice when
// tied.
func (m *Model) NumParams() int {
	n := m.TokenEmbd.Size() + m.OutputNorm.Size()
	if m.Output != m.TokenEmbd {
		n += m.Output.Size()
	}
	for _, b := range m.Blocks {
		n += b.AttnNorm.Size() + b.FFNNorm.Size()
	}
	for _, s := range m.Slots() {
		n += (*s.Linear).Base().Size()
		for _, p := range (*s.Linear).Parameters() {
			n += p.Size()
		}
	}
	return n
}

// Batch is a set of equal-length sequences flattened row-major.
type Batch struct {
	Size          int
	SeqLen        int
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// Validate checks the flattened lengths.
func (b Batch) Validate() error {
	n := b.Size * b.SeqLen
	if n == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(b.InputIDs) != n || len(b.AttentionMask) != n || len(b.Labels) != n {
		return fmt.Errorf("batch %dx%d has %d ids, %d mask, %d labels",
			b.Size, b.SeqLen, len(b.InputIDs), len(b.AttentionMask), len(b.Labels))
	}
	return nil
}

// Logits runs the network and returns [Size*SeqLen, vocab] logits.
func (m *Model) Logits(tp *autograd.Tape, b Batch) (*autograd.Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	cfg := m.Config
	if b.SeqLen > cfg.ContextLength {
		return nil, fmt.Errorf("sequence length %d exceeds context length %d", b.SeqLen, cfg.ContextLength)
	}
	for _, id := range b.InputIDs {
		if id < 0 || id >= cfg.VocabSize {
			return nil, fmt.Errorf("token id %d out of range [0,%d)", id, cfg.VocabSize)
		}
	}

	pos := make([]int, len(b.InputIDs))
	for i := range pos {
		pos[i] = i % b.SeqLen
	}
	spec := autograd.AttentionSpec{
		Batch:      b.Size,
		SeqLen:     b.SeqLen,
		NumHeads:   cfg.HeadCount,
		NumKVHeads: cfg.HeadCountKV,
		HeadDim:    cfg.HeadDim(),
		KeyMask:    b.AttentionMask,
	}

	x := tp.Embedding(m.TokenEmbd, b.InputIDs)
	for _, blk := range m.Blocks {
		h := tp.RMSNorm(x, blk.AttnNorm, cfg.RMSEps)
		q := tp.RoPE(blk.Q.Forward(tp, h), m.rope, cfg.HeadCount, pos, kernels.RoPENorm)
		k := tp.RoPE(blk.K.Forward(tp, h), m.rope, cfg.HeadCountKV, pos, kernels.RoPENorm)
		v := blk.V.Forward(tp, h)
		x = tp.Add(x, blk.O.Forward(tp, tp.Attention(q, k, v, spec)))

		h = tp.RMSNorm(x, blk.FFNNorm, cfg.RMSEps)
		var f *autograd.Tensor
		if blk.Gate != nil {
			f = tp.Mul(tp.SiLU(blk.Gate.Forward(tp, h)), blk.Up.Forward(tp, h))
		} else {
			f = tp.GELU(blk.Up.Forward(tp, h))
		}
		x = tp.Add(x, blk.Down.Forward(tp, f))
	}
	x = tp.RMSNorm(x, m.OutputNorm, cfg.RMSEps)
	return tp.Linear(x, m.Output), nil
}

// Loss returns the mean next-token cross entropy over positions whose next
// token is not padding, and the number of such positions.
func (m *Model) Loss(tp *autograd.Tape, b Batch) (*autograd.Tensor, int, error) {
	logits, err := m.Logits(tp, b)
	if err != nil {
		return nil, 0, err
	}
	targets := autograd.ShiftTargets(b.Labels, b.AttentionMask, b.SeqLen)
	loss, n := tp.CrossEntropy(logits, targets)
	return loss, n, nil
}
