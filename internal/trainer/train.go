package trainer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/headlands-org/go-finetune/internal/config"
	"github.com/headlands-org/go-finetune/internal/dataset"
	"github.com/headlands-org/go-finetune/internal/device"
	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/logger"
	"github.com/headlands-org/go-finetune/internal/lora"
	"github.com/headlands-org/go-finetune/internal/metrics"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/prompt"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

// PushJobName groups the ranks of a run on the Pushgateway.
const PushJobName = "finetune"

// Train runs one rank of the job described by cfg: it claims the local
// device, joins the process group, prepares the dataset on rank 0 while the
// other ranks wait, injects adapters into the base model and trains.
//
// On failure the group is left open; peers are expected to be stopped by the
// launcher.
func Train(ctx context.Context, cfg config.Config, env dist.Env) (*Result, error) {
	log := logger.ForRank(env.Rank, env.LocalRank)
	if env.Rank == 0 {
		log.Debug("resolved configuration\n" + logger.ToPrettyJSON(cfg))
	}

	dev, err := device.Assign(env.LocalRank, env.LocalWorldSize)
	if err != nil {
		return nil, fmt.Errorf("assign device: %w", err)
	}
	defer dev.Close()
	log.Info("device assigned", zap.Stringer("device", dev), zap.Bool("pinned", dev.Pinned), zap.Strings("cpu_features", dev.Features()))

	pg, err := dist.InitProcessGroup(ctx, dist.Options{
		Backend:           cfg.Dist.Backend,
		Env:               env,
		InitTimeout:       cfg.Dist.InitTimeout,
		CollectiveTimeout: cfg.Dist.CollectiveTimeout,
		Logger:            logger.Logr(log),
	})
	if err != nil {
		return nil, fmt.Errorf("init process group: %w", err)
	}

	if cfg.Metrics.PushGateway != "" {
		pushCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go metrics.PushMetricsToGateway(pushCtx, cfg.Metrics.PushGateway, PushJobName, env.Rank, cfg.Metrics.PushInterval)
	}

	m, err := model.Load(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load base model: %w", err)
	}

	train, valid, err := prepareShared(ctx, pg, env, m, cfg, log)
	if err != nil {
		return nil, err
	}
	defer train.Close()
	defer valid.Close()

	ad, err := lora.Apply(m, cfg.LoRA, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("apply lora: %w", err)
	}
	if pg.Rank() == 0 {
		log.Info(ad.Stats().String())
	}

	tr, err := New(ctx, pg, m, ad, train, valid, dev.Pool, Options{
		Epochs:         cfg.Epochs,
		BatchSize:      cfg.BatchSize,
		GradAccumSteps: cfg.GradAccumSteps,
		LearningRate:   cfg.LearningRate,
		Schedule:       cfg.LRScheduler,
		WarmupSteps:    cfg.WarmupSteps,
		WeightDecay:    cfg.WeightDecay,
		MaxGradNorm:    cfg.MaxGradNorm,
		Seed:           cfg.Seed,
		LogFreq:        cfg.LogFreq,
		EvalFreq:       cfg.EvalFreq,
		SaveFreq:       cfg.SaveFreq,
		OutputDir:      cfg.OutputDir,
		BaseModel:      cfg.ModelPath,
		ProgressFile:   cfg.ProgressPath(),
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return res, err
	}
	return res, pg.Close()
}

// prepareShared tokenizes the dataset once per node, on local rank 0, and maps
// the resulting caches on every rank. The split is seeded, so every node
// writes the same caches. Only global rank 0 writes the validation records.
func prepareShared(ctx context.Context, pg dist.ProcessGroup, env dist.Env, m *model.Model, cfg config.Config, log *zap.Logger) (train, valid *dataset.Cache, err error) {
	if env.LocalRank == 0 {
		if _, err := prepare(ctx, cfg, m.Tokenizer, pg.Rank() == 0); err != nil {
			return nil, nil, fmt.Errorf("prepare dataset: %w", err)
		}
	}
	if err := pg.Barrier(ctx); err != nil {
		return nil, nil, fmt.Errorf("wait for dataset: %w", err)
	}
	if train, valid, err = dataset.OpenCaches(cfg.DatasetDir); err != nil {
		return nil, nil, err
	}
	log.Debug("token caches mapped", zap.Int("train", train.Len()), zap.Int("valid", valid.Len()), zap.Int("max_length", train.MaxLength()))
	return train, valid, nil
}

// Prepare splits and tokenizes cfg.DataPath, writing the validation records
// and the token caches under cfg.DatasetDir.
func Prepare(ctx context.Context, cfg config.Config, tok *tokenizer.Tokenizer) (*dataset.Prepared, error) {
	return prepare(ctx, cfg, tok, true)
}

func prepare(ctx context.Context, cfg config.Config, tok *tokenizer.Tokenizer, writeValid bool) (*dataset.Prepared, error) {
	p, err := prompt.Load(cfg.PromptTemplate)
	if err != nil {
		return nil, err
	}
	opts := dataset.Options{
		DataPath:  cfg.DataPath,
		ValidSize: cfg.ValidSize,
		MaxLength: cfg.MaxLength,
		Seed:      cfg.Seed,
		CacheDir:  cfg.DatasetDir,
		Prompter:  p,
	}
	if writeValid {
		opts.ValidOutput = cfg.ValidOutput()
	}
	return dataset.Prepare(ctx, tok, opts)
}
