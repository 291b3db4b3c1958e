package model

import (
	"math/rand/v2"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

// InitStd is the standard deviation of randomly initialised weights.
const InitStd = 0.02

// NewRandom builds a model with normally distributed projections and unit
// norms. The vocabulary size is taken from tok; the output head is tied to the
// embedding when tied is set.
func NewRandom(cfg Config, tok *tokenizer.Tokenizer, seed uint64, tied bool) (*Model, error) {
	cfg.VocabSize = tok.VocabSize()
	if cfg.HeadCountKV == 0 {
		cfg.HeadCountKV = cfg.HeadCount
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	normal := func(name string, rows, cols int) *autograd.Tensor {
		data := make([]float32, rows*cols)
		for i := range data {
			data[i] = float32(r.NormFloat64() * InitStd)
		}
		t := autograd.FromData(data, rows, cols)
		t.Name = name
		return t
	}
	ones := func(name string, n int) *autograd.Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		t := autograd.FromData(data, n)
		t.Name = name
		return t
	}

	m := newModel(cfg)
	d, hd, ff := cfg.EmbeddingLength, cfg.HeadDim(), cfg.FeedForwardLength
	m.TokenEmbd = normal(tensorTokenEmbd, cfg.VocabSize, d)
	m.OutputNorm = ones(tensorOutputNorm, d)
	if tied {
		m.Output = m.TokenEmbd
	} else {
		m.Output = normal(tensorOutput, cfg.VocabSize, d)
	}
	for l := range m.Blocks {
		dense := func(kind string, out, in int) Linear {
			return &Dense{W: normal(blockTensor(l, kind), out, in)}
		}
		b := &Block{
			AttnNorm: ones(blockTensor(l, "attn_norm"), d),
			Q:        dense("attn_q", cfg.HeadCount*hd, d),
			K:        dense("attn_k", cfg.HeadCountKV*hd, d),
			V:        dense("attn_v", cfg.HeadCountKV*hd, d),
			O:        dense("attn_output", d, cfg.HeadCount*hd),
			FFNNorm:  ones(blockTensor(l, "ffn_norm"), d),
			Up:       dense("ffn_up", ff, d),
			Down:     dense("ffn_down", d, ff),
		}
		if cfg.Gated {
			b.Gate = dense("ffn_gate", ff, d)
		}
		m.Blocks[l] = b
	}
	m.Tokenizer = tok
	return m, nil
}
