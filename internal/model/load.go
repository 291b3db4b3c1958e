package model

import (
	"fmt"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/gguf"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

// Load reads a base checkpoint and its tokenizer from a GGUF file. All weights
// are dequantised to float32 and frozen.
func Load(path string) (*Model, error) {
	r, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	m, err := FromReader(r)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m, nil
}

// LoadTokenizer reads only the tokenizer of a checkpoint, with the
// architecture's special-token defaults applied.
func LoadTokenizer(path string) (*tokenizer.Tokenizer, error) {
	r, err := gguf.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	arch, err := r.String(gguf.KeyArchitecture)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	tok, err := tokenizer.LoadFromGGUF(r.GetMetadata)
	if err != nil {
		return nil, fmt.Errorf("load %s: tokenizer: %w", path, err)
	}
	if err := tok.ApplyArchitectureDefaults(arch); err != nil {
		return nil, err
	}
	return tok, nil
}

// FromReader builds a model from an open GGUF image.
func FromReader(r *gguf.Reader) (*Model, error) {
	cfg, err := configFromGGUF(r)
	if err != nil {
		return nil, err
	}
	m := newModel(cfg)

	load := func(name string, rows, cols int) (*autograd.Tensor, error) {
		data, desc, err := r.TensorFloat32(name)
		if err != nil {
			return nil, err
		}
		if rows*cols != len(data) {
			return nil, fmt.Errorf("tensor %s has shape %v, want [%d %d]", name, desc.Shape, cols, rows)
		}
		t := autograd.FromData(data, rows, cols)
		t.Name = name
		return t, nil
	}
	vector := func(name string, n int) (*autograd.Tensor, error) {
		t, err := load(name, 1, n)
		if err != nil {
			return nil, err
		}
		t.Shape = []int{n}
		return t, nil
	}

	d, hd := cfg.EmbeddingLength, cfg.HeadDim()
	if m.TokenEmbd, err = load(tensorTokenEmbd, cfg.VocabSize, d); err != nil {
		return nil, err
	}
	if m.OutputNorm, err = vector(tensorOutputNorm, d); err != nil {
		return nil, err
	}
	if _, ok := r.GetTensor(tensorOutput); ok {
		if m.Output, err = load(tensorOutput, cfg.VocabSize, d); err != nil {
			return nil, err
		}
	} else {
		m.Output = m.TokenEmbd
	}

	for l := range m.Blocks {
		b := &Block{}
		if b.AttnNorm, err = vector(blockTensor(l, "attn_norm"), d); err != nil {
			return nil, err
		}
		if b.FFNNorm, err = vector(blockTensor(l, "ffn_norm"), d); err != nil {
			return nil, err
		}
		projections := []struct {
			kind      string
			out, in   int
			dst       *Linear
			mandatory bool
		}{
			{"attn_q", cfg.HeadCount * hd, d, &b.Q, true},
			{"attn_k", cfg.HeadCountKV * hd, d, &b.K, true},
			{"attn_v", cfg.HeadCountKV * hd, d, &b.V, true},
			{"attn_output", d, cfg.HeadCount * hd, &b.O, true},
			{"ffn_gate", cfg.FeedForwardLength, d, &b.Gate, cfg.Gated},
			{"ffn_up", cfg.FeedForwardLength, d, &b.Up, true},
			{"ffn_down", d, cfg.FeedForwardLength, &b.Down, true},
		}
		for _, p := range projections {
			if !p.mandatory {
				continue
			}
			w, err := load(blockTensor(l, p.kind), p.out, p.in)
			if err != nil {
				return nil, err
			}
			*p.dst = &Dense{W: w}
		}
		m.Blocks[l] = b
	}

	tok, err := tokenizer.LoadFromGGUF(r.GetMetadata)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	if tok.VocabSize() != cfg.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d pieces, embedding has %d rows", tok.VocabSize(), cfg.VocabSize)
	}
	if err := tok.ApplyArchitectureDefaults(cfg.Architecture); err != nil {
		return nil, err
	}
	m.Tokenizer = tok
	return m, nil
}

// Save writes the base weights and tokenizer as a GGUF checkpoint. Projection
// weights are stored as dtype; embeddings and norms stay F32. Adapters are not
// saved here.
func (m *Model) Save(path string, dtype gguf.DType) error {
	w := gguf.NewWriter()
	m.Config.writeGGUF(w)
	w.SetString(gguf.KeyName, m.Config.Architecture+"-base")
	if m.Tokenizer != nil {
		writeTokenizer(w, m.Tokenizer)
	}

	// GGUF shapes list the innermost dimension first.
	add := func(name string, t *autograd.Tensor, dt gguf.DType) error {
		shape := make([]int, len(t.Shape))
		for i, s := range t.Shape {
			shape[len(shape)-1-i] = s
		}
		return w.AddTensor(name, dt, shape, t.Data)
	}

	if err := add(tensorTokenEmbd, m.TokenEmbd, gguf.DTypeF32); err != nil {
		return err
	}
	if err := add(tensorOutputNorm, m.OutputNorm, gguf.DTypeF32); err != nil {
		return err
	}
	if m.Output != m.TokenEmbd {
		if err := add(tensorOutput, m.Output, dtype); err != nil {
			return err
		}
	}
	for l, b := range m.Blocks {
		if err := add(blockTensor(l, "attn_norm"), b.AttnNorm, gguf.DTypeF32); err != nil {
			return err
		}
		if err := add(blockTensor(l, "ffn_norm"), b.FFNNorm, gguf.DTypeF32); err != nil {
			return err
		}
	}
	for _, s := range m.Slots() {
		if err := add(blockTensor(s.Layer, s.Kind), (*s.Linear).Base(), dtype); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

func writeTokenizer(w *gguf.Writer, tok *tokenizer.Tokenizer) {
	pieces, scores, types := tok.Vocabulary()
	t32 := make([]int32, len(types))
	for i, t := range types {
		t32[i] = int32(t)
	}
	w.SetString(gguf.KeyTokenizerLib, "llama")
	w.SetStrings(gguf.KeyTokens, pieces)
	w.SetFloat32s(gguf.KeyScores, scores)
	w.SetInt32s(gguf.KeyTokenType, t32)
	for _, sp := range []struct {
		key string
		id  int
	}{
		{gguf.KeyBOSID, tok.BOS()},
		{gguf.KeyEOSID, tok.EOS()},
		{gguf.KeyUnknownID, tok.Unknown()},
		{gguf.KeyPaddingID, tok.Pad()},
	} {
		if sp.id >= 0 {
			w.SetUint32(sp.key, uint32(sp.id))
		}
	}
	w.SetBool(gguf.KeyAddBOS, tok.AddsBOS())
}
