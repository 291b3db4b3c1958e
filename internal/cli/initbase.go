package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headlands-org/go-finetune/internal/dataset"
	"github.com/headlands-org/go-finetune/internal/gguf"
	"github.com/headlands-org/go-finetune/internal/logger"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/prompt"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

var dtypes = map[string]gguf.DType{
	"f32":  gguf.DTypeF32,
	"f16":  gguf.DTypeF16,
	"q8_0": gguf.DTypeQ8_0,
}

type initBaseOptions struct {
	out, data, template, dtype string
	vocabSize                  int
	seed                       uint64
	tied                       bool
	cfg                        model.Config
}

func newInitBaseCommand() *cobra.Command {
	o := initBaseOptions{}

	cmd := &cobra.Command{
		Use:   "init-base",
		Short: "Create a small randomly initialised base checkpoint",
		Long: `Create a llama-style GGUF checkpoint with random weights and a
vocabulary learnt from the prompts of a records file, so the training pipeline
can run without downloading a pretrained model.

Example:
  finetune init-base --data alpaca_data.json --out base.gguf --dim 64 --layers 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initBase(o)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&o.out, "out", "o", "base.gguf", "Output checkpoint")
	fs.StringVar(&o.data, "data", "alpaca_data.json", "Records file the vocabulary is built from")
	fs.StringVar(&o.template, "prompt-template", "", "Prompt template JSON file (default alpaca)")
	fs.StringVar(&o.dtype, "dtype", "f32", "Projection weight type: f32, f16 or q8_0")
	fs.IntVar(&o.vocabSize, "vocab-size", 2048, "Vocabulary size")
	fs.Uint64Var(&o.seed, "seed", 0, "Weight initialisation seed")
	fs.BoolVar(&o.tied, "tied", true, "Tie the output head to the token embedding")
	fs.StringVar(&o.cfg.Architecture, "arch", "llama", "Architecture: llama or mistral")
	fs.IntVar(&o.cfg.EmbeddingLength, "dim", 64, "Embedding width")
	fs.IntVar(&o.cfg.BlockCount, "layers", 2, "Transformer blocks")
	fs.IntVar(&o.cfg.HeadCount, "heads", 4, "Attention heads")
	fs.IntVar(&o.cfg.HeadCountKV, "kv-heads", 0, "Key/value heads (default: heads)")
	fs.IntVar(&o.cfg.FeedForwardLength, "ff", 172, "Feed-forward width")
	fs.IntVar(&o.cfg.ContextLength, "context", 512, "Context length")
	fs.BoolVar(&o.cfg.Gated, "gated", true, "SwiGLU feed-forward")
	return cmd
}

func initBase(o initBaseOptions) error {
	dt, ok := dtypes[o.dtype]
	if !ok {
		return fmt.Errorf("unknown dtype %q", o.dtype)
	}
	recs, err := dataset.LoadRecords(o.data)
	if err != nil {
		return err
	}
	p, err := prompt.Load(o.template)
	if err != nil {
		return err
	}
	corpus := make([]string, len(recs))
	for i, r := range recs {
		corpus[i] = p.Generate(r.Instruction, r.Input, r.Output)
	}
	tok, err := tokenizer.Build(corpus, o.vocabSize)
	if err != nil {
		return fmt.Errorf("build vocabulary: %w", err)
	}

	cfg := o.cfg
	cfg.RMSEps = 1e-5
	cfg.RopeFreqBase = 10000
	m, err := model.NewRandom(cfg, tok, o.seed, o.tied)
	if err != nil {
		return err
	}
	if err := m.Save(o.out, dt); err != nil {
		return fmt.Errorf("save %s: %w", o.out, err)
	}
	logger.Logger.Info("base checkpoint written", zap.String("path", o.out), zap.Int("vocab", tok.VocabSize()),
		zap.Int("params", m.NumParams()), zap.String("dtype", dt.String()))
	return nil
}
