// Package finetune provides a high-level API for LoRA fine-tuning of GGUF
// causal language models.
package finetune

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/headlands-org/go-finetune/internal/config"
	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/trainer"
)

// Result summarises a finished run as seen by the calling rank.
type Result struct {
	// EpochLosses holds the train loss of each epoch averaged across ranks.
	EpochLosses []float64
	AvgLoss     float64
	// EvalLosses holds every validation loss in the order it was measured.
	EvalLosses []float64
	Steps      int
	// AdapterPath is the final adapter checkpoint.
	AdapterPath string
}

// Options configures a run. Unset values keep the defaults of the finetune
// command.
type Options struct {
	cfg config.Config
	// env describes this process's rank. When nil it is read from the
	// environment (RANK, WORLD_SIZE, ... or PET_*).
	env *dist.Env
	err error
}

// Option is a functional option for configuring a run.
type Option func(*Options)

// WithConfigFile loads settings from a YAML file and FINETUNE_* environment
// variables, replacing everything set by earlier options.
func WithConfigFile(path string) Option {
	return func(o *Options) {
		v := config.New()
		if err := config.ReadFile(v, path); err != nil {
			o.err = err
			return
		}
		cfg, err := config.Load(v)
		if err != nil {
			o.err = err
			return
		}
		o.cfg = cfg
	}
}

// WithModel sets the base model GGUF file.
func WithModel(path string) Option {
	return func(o *Options) { o.cfg.ModelPath = path }
}

// WithData sets the records file.
func WithData(path string) Option {
	return func(o *Options) { o.cfg.DataPath = path }
}

// WithOutputDir sets where adapters are written.
func WithOutputDir(dir string) Option {
	return func(o *Options) { o.cfg.OutputDir = dir }
}

// WithDatasetDir sets where the validation split and token caches are written.
func WithDatasetDir(dir string) Option {
	return func(o *Options) { o.cfg.DatasetDir = dir }
}

// WithPromptTemplate selects a prompt template JSON file.
func WithPromptTemplate(path string) Option {
	return func(o *Options) { o.cfg.PromptTemplate = path }
}

// WithValidSize sets the validation fraction, or count when >= 1.
func WithValidSize(v float64) Option {
	return func(o *Options) { o.cfg.ValidSize = v }
}

// WithMaxLength sets the tokens per example.
func WithMaxLength(n int) Option {
	return func(o *Options) { o.cfg.MaxLength = n }
}

// WithEpochs sets the number of epochs.
func WithEpochs(n int) Option {
	return func(o *Options) { o.cfg.Epochs = n }
}

// WithBatchSize sets the per-rank micro-batch size and the number of
// micro-batches accumulated per optimizer step.
func WithBatchSize(batch, accum int) Option {
	return func(o *Options) {
		o.cfg.BatchSize = batch
		o.cfg.GradAccumSteps = accum
	}
}

// WithLearningRate sets the peak learning rate, its schedule and warmup.
func WithLearningRate(lr float64, schedule string, warmup int) Option {
	return func(o *Options) {
		o.cfg.LearningRate = lr
		o.cfg.LRScheduler = schedule
		o.cfg.WarmupSteps = warmup
	}
}

// WithLoRA sets the adapter rank, alpha and dropout. Target modules are
// replaced when any are given.
func WithLoRA(r, alpha int, dropout float64, targets ...string) Option {
	return func(o *Options) {
		o.cfg.LoRA.R = r
		o.cfg.LoRA.Alpha = alpha
		o.cfg.LoRA.Dropout = dropout
		if len(targets) > 0 {
			o.cfg.LoRA.TargetModules = targets
		}
	}
}

// WithSeed sets the seed for the split, shuffling and adapter init.
func WithSeed(seed uint64) Option {
	return func(o *Options) { o.cfg.Seed = seed }
}

// WithProgressFile sets the progression status file.
func WithProgressFile(path string) Option {
	return func(o *Options) { o.cfg.Metrics.ProgressFile = path }
}

// WithSingleProcess runs the job in this process only, without a
// collective service.
func WithSingleProcess() Option {
	return func(o *Options) {
		o.cfg.Dist.Backend = dist.BackendLocal
		o.env = &dist.Env{
			WorldSize:      1,
			LocalWorldSize: 1,
			MasterAddr:     dist.DefaultMasterAddr,
			MasterPort:     dist.DefaultMasterPort,
		}
	}
}

// WithTimeouts bounds rendezvous and each collective. Zero waits forever.
func WithTimeouts(init, collective time.Duration) Option {
	return func(o *Options) {
		o.cfg.Dist.InitTimeout = init
		o.cfg.Dist.CollectiveTimeout = collective
	}
}

func resolve(opts []Option, needEnv bool) (Options, error) {
	o := Options{cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
		if o.err != nil {
			return o, o.err
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return o, fmt.Errorf("invalid options: %w", err)
	}
	if needEnv && o.env == nil {
		env, err := dist.EnvFromOS()
		if err != nil {
			return o, err
		}
		o.env = &env
	}
	return o, nil
}

// Train runs this process's rank of a training job and returns once every
// epoch has finished. Every rank of the job must call Train with the same
// options.
func Train(ctx context.Context, opts ...Option) (*Result, error) {
	o, err := resolve(opts, true)
	if err != nil {
		return nil, err
	}
	res, err := trainer.Train(ctx, o.cfg, *o.env)
	if err != nil {
		return nil, err
	}
	return &Result{
		EpochLosses: res.EpochLosses,
		AvgLoss:     res.AvgLoss,
		EvalLosses:  res.EvalLosses,
		Steps:       res.Steps,
		AdapterPath: filepath.Join(o.cfg.OutputDir, trainer.AdapterFile),
	}, nil
}

// Prepare splits and tokenizes the dataset without training and returns the
// number of training and validation examples. It needs no rank environment.
func Prepare(ctx context.Context, opts ...Option) (train, valid int, err error) {
	o, err := resolve(opts, false)
	if err != nil {
		return 0, 0, err
	}
	tok, err := model.LoadTokenizer(o.cfg.ModelPath)
	if err != nil {
		return 0, 0, err
	}
	p, err := trainer.Prepare(ctx, o.cfg, tok)
	if err != nil {
		return 0, 0, err
	}
	return p.Train.Len(), p.Valid.Len(), nil
}
