// Package trainer runs the data-parallel fine-tuning loop: per epoch it
// reseeds the sampler, runs forward and backward on each micro-batch,
// averages gradients across ranks and steps the optimizer.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/dataset"
	"github.com/headlands-org/go-finetune/internal/ddp"
	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/logger"
	"github.com/headlands-org/go-finetune/internal/lora"
	"github.com/headlands-org/go-finetune/internal/metrics"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/optim"
)

// Checkpoint file names inside Options.OutputDir.
const (
	AdapterFile       = "adapter.gguf"
	AdapterConfigFile = "adapter_config.json"
)

// ErrNonFiniteLoss is returned on every rank once any rank's epoch loss is NaN
// or infinite.
var ErrNonFiniteLoss = errors.New("trainer: non-finite training loss")

// EpochAdapterFile names the adapter saved after epoch (1-based).
func EpochAdapterFile(epoch int) string { return fmt.Sprintf("adapter-epoch-%d.gguf", epoch) }

// Options are the loop hyperparameters.
type Options struct {
	Epochs         int
	BatchSize      int
	GradAccumSteps int
	LearningRate   float64
	Schedule       string
	WarmupSteps    int
	WeightDecay    float64
	// MaxGradNorm clips the global gradient norm; zero disables clipping.
	MaxGradNorm float64
	Seed        uint64
	// LogFreq, EvalFreq are in optimizer steps and SaveFreq in epochs; zero
	// disables the periodic action.
	LogFreq  int
	EvalFreq int
	SaveFreq int
	// OutputDir receives adapter checkpoints from rank 0; empty disables them.
	OutputDir string
	// BaseModel is recorded in the adapter config.
	BaseModel string
	// ProgressFile is rewritten by rank 0; empty disables it.
	ProgressFile string
	Logger       *zap.Logger
}

// Result summarises a run. Losses are averaged across ranks.
type Result struct {
	EpochLosses []float64
	AvgLoss     float64
	EvalLosses  []float64
	Steps       int
}

// Trainer owns one rank's replica and loaders.
type Trainer struct {
	opts    Options
	pg      dist.ProcessGroup
	model   *model.Model
	adapter *lora.Adapter
	ddp     *ddp.DDP
	opt     *optim.AdamW
	sched   optim.Schedule
	train   *dataset.Loader
	valid   *dataset.Loader
	runner  autograd.Runner
	rng     *rand.Rand
	log     *zap.Logger

	step       int
	totalSteps int
	start      time.Time
	lastTrain  *float64
	lastEval   *float64
}

// New wraps the adapter parameters for gradient averaging, which makes every
// replica start from rank 0's adapter weights. runner may be nil.
func New(ctx context.Context, pg dist.ProcessGroup, m *model.Model, ad *lora.Adapter, train, valid dataset.Source, runner autograd.Runner, opts Options) (*Trainer, error) {
	if opts.Epochs <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("epochs (%d) and batch size (%d) must be positive", opts.Epochs, opts.BatchSize)
	}
	if opts.GradAccumSteps <= 0 {
		opts.GradAccumSteps = 1
	}
	if opts.Logger == nil {
		opts.Logger = logger.Logger
	}
	if train.Len() == 0 {
		return nil, fmt.Errorf("training set: %w", dataset.ErrEmpty)
	}

	rank, world := pg.Rank(), pg.WorldSize()
	t := &Trainer{
		opts:    opts,
		pg:      pg,
		model:   m,
		adapter: ad,
		runner:  runner,
		rng:     rand.New(rand.NewPCG(opts.Seed, uint64(rank)+1)),
		log:     opts.Logger,
	}

	sampler, err := dataset.NewDistributedSampler(train.Len(), rank, world, dataset.SamplerOptions{Shuffle: true, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	if t.train, err = dataset.NewLoader(train, sampler, opts.BatchSize, false); err != nil {
		return nil, err
	}
	if valid != nil && valid.Len() > 0 {
		vs, err := dataset.NewDistributedSampler(valid.Len(), rank, world, dataset.SamplerOptions{Seed: opts.Seed})
		if err != nil {
			return nil, err
		}
		if t.valid, err = dataset.NewLoader(valid, vs, opts.BatchSize, false); err != nil {
			return nil, err
		}
	}

	if t.ddp, err = ddp.Wrap(ctx, pg, ad.Parameters(), ddp.Options{Logger: logger.Logr(t.log)}); err != nil {
		return nil, err
	}
	if t.opt, err = optim.NewAdamW(ad.Parameters(), optim.DefaultAdamW(opts.WeightDecay)); err != nil {
		return nil, err
	}
	t.totalSteps = opts.Epochs * t.StepsPerEpoch()
	if t.sched, err = optim.NewSchedule(opts.Schedule, opts.LearningRate, opts.WarmupSteps, t.totalSteps); err != nil {
		return nil, err
	}
	return t, nil
}

// StepsPerEpoch returns the optimizer steps in one epoch.
func (t *Trainer) StepsPerEpoch() int {
	nb := t.train.NumBatches()
	return (nb + t.opts.GradAccumSteps - 1) / t.opts.GradAccumSteps
}

// Run trains for the configured number of epochs.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	t.start = time.Now()
	res := &Result{}
	rank := t.pg.Rank()
	total := 0.0

	for epoch := range t.opts.Epochs {
		metrics.Epoch.Set(float64(epoch + 1))
		epochLoss, err := t.runEpoch(ctx, epoch, res)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		t.log.Info(fmt.Sprintf("epoch %d | train loss = %v", epoch+1, epochLoss))
		if err := t.checkFinite(ctx, epochLoss); err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}

		mean, err := t.mean(ctx, epochLoss)
		if err != nil {
			return res, err
		}
		res.EpochLosses = append(res.EpochLosses, mean)
		total += mean
		t.lastTrain = &mean
		metrics.TrainLoss.Set(mean)
		if rank == 0 && t.pg.WorldSize() > 1 {
			t.log.Info("epoch loss across ranks", zap.Int("epoch", epoch+1), zap.Float64("mean_train_loss", mean))
		}

		if t.valid != nil {
			if err := t.evaluate(ctx, res); err != nil {
				return res, err
			}
		}
		if t.opts.SaveFreq > 0 && (epoch+1)%t.opts.SaveFreq == 0 {
			if err := t.save(EpochAdapterFile(epoch + 1)); err != nil {
				return res, err
			}
		}
		t.progress(epoch+1, fmt.Sprintf("epoch %d/%d done", epoch+1, t.opts.Epochs))
	}

	res.AvgLoss = total / float64(t.opts.Epochs)
	res.Steps = t.step
	t.log.Info(fmt.Sprintf("total epoch: %d | avg train loss = %v", t.opts.Epochs, res.AvgLoss))

	if err := t.save(AdapterFile); err != nil {
		return res, err
	}
	if rank == 0 && t.opts.OutputDir != "" {
		if err := t.adapter.WriteConfig(filepath.Join(t.opts.OutputDir, AdapterConfigFile), t.opts.BaseModel); err != nil {
			return res, fmt.Errorf("write adapter config: %w", err)
		}
	}
	t.progress(t.opts.Epochs, "training completed")
	return res, nil
}

// runEpoch returns the sum of this rank's micro-batch losses.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, res *Result) (float64, error) {
	t.train.Sampler().SetEpoch(epoch)
	nb := t.train.NumBatches()
	accum := t.opts.GradAccumSteps
	epochLoss := 0.0

	i := 0
	for b := range t.train.Batches() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		windowStart := i - i%accum
		window := min(accum, nb-windowStart)
		sync := i%accum == accum-1 || i == nb-1

		loss, err := t.microStep(ctx, b, window, sync)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", i, err)
		}
		epochLoss += loss
		i++

		if !sync {
			continue
		}
		lr := t.optimizerStep()
		if t.opts.LogFreq > 0 && t.step%t.opts.LogFreq == 0 {
			t.log.Debug("step", zap.Int("epoch", epoch+1), zap.Int("step", t.step), zap.Float64("loss", loss), zap.Float64("lr", lr))
			t.progress(epoch, fmt.Sprintf("step %d/%d", t.step, t.totalSteps))
		}
		if t.valid != nil && t.opts.EvalFreq > 0 && t.step%t.opts.EvalFreq == 0 {
			if err := t.evaluate(ctx, res); err != nil {
				return 0, err
			}
		}
	}
	return epochLoss, nil
}

// microStep runs forward and backward on one batch. The loss is scaled by
// 1/window so a full accumulation window averages its micro-batches.
func (t *Trainer) microStep(ctx context.Context, b model.Batch, window int, sync bool) (float64, error) {
	tp := autograd.NewTape(autograd.WithRunner(t.runner), autograd.WithDropout(t.rng))
	loss, n, err := t.model.Loss(tp, b)
	if err != nil {
		return 0, err
	}
	metrics.Tokens.Add(float64(n))
	value := float64(loss.Item())
	scaled := loss
	if window > 1 {
		scaled = tp.Scale(loss, 1/float32(window))
	}

	backward := func() error {
		err := t.ddp.Backward(ctx, tp, scaled)
		if errors.Is(err, autograd.ErrNoGraph) {
			// Nothing to learn from this batch, but peers still expect
			// the gradient collective.
			tp.Reset()
			if sync {
				return t.ddp.SyncGradients(ctx)
			}
			return nil
		}
		return err
	}
	if sync {
		return value, backward()
	}
	return value, t.ddp.NoSync(backward)
}

func (t *Trainer) optimizerStep() float64 {
	optim.ClipGradNorm(t.ddp.Parameters(), t.opts.MaxGradNorm)
	lr := t.sched.LR(t.step)
	t.opt.Step(lr)
	t.ddp.ZeroGrad()
	t.step++
	metrics.Steps.Inc()
	metrics.LearningRate.Set(lr)
	return lr
}

// Evaluate returns the token-weighted validation loss across all ranks.
func (t *Trainer) Evaluate(ctx context.Context) (float64, error) {
	if t.valid == nil {
		return 0, fmt.Errorf("validation set: %w", dataset.ErrEmpty)
	}
	sums := []float32{0, 0}
	var total, count float64
	for b := range t.valid.Batches() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tp := autograd.NewTape(autograd.WithRunner(t.runner))
		loss, n, err := t.model.Loss(tp, b)
		tp.Reset()
		if err != nil {
			return 0, err
		}
		total += float64(loss.Item()) * float64(n)
		count += float64(n)
	}
	sums[0], sums[1] = float32(total), float32(count)
	if err := t.pg.AllReduce(ctx, sums, dist.Sum); err != nil {
		return 0, fmt.Errorf("all-reduce eval loss: %w", err)
	}
	if sums[1] == 0 {
		return 0, nil
	}
	return float64(sums[0] / sums[1]), nil
}

func (t *Trainer) evaluate(ctx context.Context, res *Result) error {
	loss, err := t.Evaluate(ctx)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	res.EvalLosses = append(res.EvalLosses, loss)
	t.lastEval = &loss
	metrics.EvalLoss.Set(loss)
	if t.pg.Rank() == 0 {
		t.log.Info("evaluation", zap.Int("step", t.step), zap.Float64("eval_loss", loss))
	}
	return nil
}

// mean averages a per-rank scalar across the group.
func (t *Trainer) mean(ctx context.Context, v float64) (float64, error) {
	buf := []float32{float32(v)}
	if err := t.pg.AllReduce(ctx, buf, dist.Sum); err != nil {
		return 0, fmt.Errorf("all-reduce loss: %w", err)
	}
	return float64(buf[0]) / float64(t.pg.WorldSize()), nil
}

// checkFinite fails on every rank when any rank's loss is not finite.
func (t *Trainer) checkFinite(ctx context.Context, loss float64) error {
	flag := []float32{0}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		flag[0] = 1
	}
	if err := t.pg.AllReduce(ctx, flag, dist.Max); err != nil {
		return fmt.Errorf("all-reduce loss check: %w", err)
	}
	if flag[0] > 0 {
		return ErrNonFiniteLoss
	}
	return nil
}

func (t *Trainer) save(name string) error {
	if t.pg.Rank() != 0 || t.opts.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(t.opts.OutputDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(t.opts.OutputDir, name)
	if err := t.adapter.Save(path); err != nil {
		return fmt.Errorf("save adapter: %w", err)
	}
	t.log.Info("adapter saved", zap.String("path", path), zap.Int("step", t.step))
	return nil
}

func (t *Trainer) progress(epoch int, msg string) {
	if t.pg.Rank() != 0 || t.opts.ProgressFile == "" {
		return
	}
	p := metrics.Progress{
		Step:         t.step,
		TotalSteps:   t.totalSteps,
		Epoch:        epoch,
		TotalEpochs:  t.opts.Epochs,
		Start:        t.start,
		Message:      msg,
		TrainLoss:    t.lastTrain,
		EvalLoss:     t.lastEval,
		LearningRate: t.sched.LR(t.step),
	}
	if err := metrics.WriteProgression(t.opts.ProgressFile, p.Progression(time.Now())); err != nil {
		t.log.Warn("failed to write progression file", zap.String("path", t.opts.ProgressFile), zap.Error(err))
	}
}
