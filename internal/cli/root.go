// Package cli implements the finetune command tree.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/headlands-org/go-finetune/internal/config"
	"github.com/headlands-org/go-finetune/internal/logger"
)

// NewCommand returns the root finetune command.
func NewCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	v := config.New()

	cmd := &cobra.Command{
		Use:   "finetune",
		Short: "Distributed LoRA fine-tuning of GGUF causal language models",
		Long: `Fine-tune a causal language model with low-rank adapters on an
instruction dataset, data-parallel across processes.

Usage:
  finetune [subcommand] [flags]

Example:
  finetune launch --nproc-per-node 4 -- --model base.gguf --data alpaca_data.json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				logger.SetLevel(logLevel)
			}
			if err := config.ReadFile(v, configPath); err != nil {
				return err
			}
			return config.BindFlags(v, cmd.Flags())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file (default ./finetune.yaml when present)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default from "+logger.EnvLevel+")")

	cmd.AddCommand(
		newPrepareCommand(v),
		newTrainCommand(v),
		newLaunchCommand(),
		newInitBaseCommand(),
		newInspectCommand(),
		newVersionCommand(),
	)
	return cmd
}

// addRunFlags registers the flags that override config keys. Defaults are
// shown for help only; unset flags leave the config untouched.
func addRunFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("model", d.ModelPath, "Base model GGUF file")
	fs.String("data", d.DataPath, "Records file (JSON, JSON lines or Parquet)")
	fs.String("output-dir", d.OutputDir, "Directory for adapter checkpoints")
	fs.String("dataset-dir", d.DatasetDir, "Directory for the validation split and token caches")
	fs.String("prompt-template", d.PromptTemplate, "Prompt template JSON file (default alpaca)")
	fs.Float64("valid-size", d.ValidSize, "Validation fraction, or a record count when >= 1")
	fs.Int("max-length", d.MaxLength, "Tokens per example")
	fs.Int("epochs", d.Epochs, "Number of epochs")
	fs.Int("batch-size", d.BatchSize, "Examples per micro-batch and rank")
	fs.Int("grad-accum-steps", d.GradAccumSteps, "Micro-batches per optimizer step")
	fs.Float64("learning-rate", d.LearningRate, "Peak learning rate")
	fs.String("lr-scheduler", d.LRScheduler, "Learning rate schedule: cosine, linear or constant")
	fs.Int("warmup-steps", d.WarmupSteps, "Linear warmup steps")
	fs.Float64("weight-decay", d.WeightDecay, "AdamW weight decay")
	fs.Float64("max-grad-norm", d.MaxGradNorm, "Gradient clipping norm, 0 disables")
	fs.Uint64("seed", d.Seed, "Seed for the split, shuffling and adapter init")
	fs.Int("log-freq", d.LogFreq, "Log every N optimizer steps")
	fs.Int("eval-freq", d.EvalFreq, "Evaluate every N optimizer steps, 0 only at epoch end")
	fs.Int("save-freq", d.SaveFreq, "Save the adapter every N epochs")
	fs.Int("lora-r", d.LoRA.R, "LoRA rank")
	fs.Int("lora-alpha", d.LoRA.Alpha, "LoRA alpha")
	fs.Float64("lora-dropout", d.LoRA.Dropout, "LoRA dropout")
	fs.StringSlice("lora-target-modules", d.LoRA.TargetModules, "Projections to adapt (attn_q, q_proj, ...)")
	fs.String("dist-backend", d.Dist.Backend, "Collective backend: grpc or local")
	fs.Duration("dist-init-timeout", d.Dist.InitTimeout, "Rendezvous timeout")
	fs.Duration("dist-collective-timeout", d.Dist.CollectiveTimeout, "Per-collective timeout, 0 waits forever")
	fs.String("metrics-pushgateway", d.Metrics.PushGateway, "Prometheus Pushgateway URL")
	fs.Duration("metrics-push-interval", d.Metrics.PushInterval, "Pushgateway interval")
	fs.String("metrics-progress-file", d.Metrics.ProgressFile, "Progress file (default $TRAINJOB_PROGRESSION_FILE_PATH)")
}
