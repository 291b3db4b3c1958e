// Package model implements a llama-style decoder-only language model over the
// autograd tape: frozen base weights loaded from GGUF, pluggable projections
// so adapters can be injected, and a causal language-modelling loss.
package model

import (
	"errors"
	"fmt"

	"github.com/headlands-org/go-finetune/internal/gguf"
)

// Supported architectures share the llama block layout.
var supportedArchitectures = map[string]bool{
	"llama":   true,
	"mistral": true,
}

// Config holds the hyperparameters of a checkpoint.
type Config struct {
	Architecture      string
	VocabSize         int
	EmbeddingLength   int
	BlockCount        int
	HeadCount         int
	HeadCountKV       int
	FeedForwardLength int
	ContextLength     int
	RMSEps            float32
	RopeFreqBase      float32
	// Gated selects the SwiGLU feed-forward (ffn_gate present). Otherwise the
	// block uses a GELU MLP.
	Gated bool
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int { return c.EmbeddingLength / c.HeadCount }

// Validate checks the shape constraints the forward pass relies on.
func (c Config) Validate() error {
	var errs []error
	if !supportedArchitectures[c.Architecture] {
		errs = append(errs, fmt.Errorf("unsupported architecture %q", c.Architecture))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"vocab size", c.VocabSize},
		{"embedding length", c.EmbeddingLength},
		{"block count", c.BlockCount},
		{"head count", c.HeadCount},
		{"kv head count", c.HeadCountKV},
		{"feed forward length", c.FeedForwardLength},
		{"context length", c.ContextLength},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if c.HeadCount > 0 && c.EmbeddingLength%c.HeadCount != 0 {
		errs = append(errs, fmt.Errorf("embedding length %d not divisible by %d heads", c.EmbeddingLength, c.HeadCount))
	}
	if c.HeadCount > 0 && c.HeadDim()%2 != 0 {
		errs = append(errs, fmt.Errorf("head dim %d must be even for rotary embeddings", c.HeadDim()))
	}
	if c.HeadCountKV > 0 && c.HeadCount%c.HeadCountKV != 0 {
		errs = append(errs, fmt.Errorf("%d heads not divisible by %d kv heads", c.HeadCount, c.HeadCountKV))
	}
	return errors.Join(errs...)
}

func (c Config) key(suffix string) string { return c.Architecture + "." + suffix }

// configFromGGUF reads hyperparameters from checkpoint metadata. The vocabulary
// size comes from the embedding table.
func configFromGGUF(r *gguf.Reader) (Config, error) {
	arch, err := r.String(gguf.KeyArchitecture)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Architecture: arch, RMSEps: 1e-5, RopeFreqBase: 10000}

	ints := []struct {
		suffix   string
		dst      *int
		required bool
	}{
		{"embedding_length", &cfg.EmbeddingLength, true},
		{"block_count", &cfg.BlockCount, true},
		{"attention.head_count", &cfg.HeadCount, true},
		{"attention.head_count_kv", &cfg.HeadCountKV, false},
		{"feed_forward_length", &cfg.FeedForwardLength, true},
		{"context_length", &cfg.ContextLength, true},
	}
	for _, f := range ints {
		v, err := r.Uint32(cfg.key(f.suffix))
		switch {
		case err == nil:
			*f.dst = int(v)
		case f.required || !errors.Is(err, gguf.ErrNotFound):
			return Config{}, err
		}
	}
	if cfg.HeadCountKV == 0 {
		cfg.HeadCountKV = cfg.HeadCount
	}

	if v, err := r.Float32(cfg.key("attention.layer_norm_rms_epsilon")); err == nil {
		cfg.RMSEps = v
	}
	if v, err := r.Float32(cfg.key("rope.freq_base")); err == nil {
		cfg.RopeFreqBase = v
	}

	desc, ok := r.GetTensor(tensorTokenEmbd)
	if !ok || len(desc.Shape) != 2 {
		return Config{}, fmt.Errorf("%w: tensor %s", gguf.ErrNotFound, tensorTokenEmbd)
	}
	cfg.VocabSize = desc.Shape[1]
	_, cfg.Gated = r.GetTensor(blockTensor(0, "ffn_gate"))
	return cfg, cfg.Validate()
}

func (c Config) writeGGUF(w *gguf.Writer) {
	w.SetString(gguf.KeyArchitecture, c.Architecture)
	w.SetUint32(c.key("embedding_length"), uint32(c.EmbeddingLength))
	w.SetUint32(c.key("block_count"), uint32(c.BlockCount))
	w.SetUint32(c.key("attention.head_count"), uint32(c.HeadCount))
	w.SetUint32(c.key("attention.head_count_kv"), uint32(c.HeadCountKV))
	w.SetUint32(c.key("feed_forward_length"), uint32(c.FeedForwardLength))
	w.SetUint32(c.key("context_length"), uint32(c.ContextLength))
	w.SetFloat32(c.key("attention.layer_norm_rms_epsilon"), c.RMSEps)
	w.SetFloat32(c.key("rope.freq_base"), c.RopeFreqBase)
}
