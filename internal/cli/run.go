package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/headlands-org/go-finetune/internal/config"
	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/logger"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/trainer"
)

func newPrepareCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Split and tokenize the dataset without training",
		Long: `Split the records file into training and validation sets, write the
validation records as JSON lines and the token caches used by "train".

Example:
  finetune prepare --model base.gguf --data alpaca_data.json --max-length 256`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return prepare(cmd.Context(), cfg)
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}

func prepare(ctx context.Context, cfg config.Config) error {
	tok, err := model.LoadTokenizer(cfg.ModelPath)
	if err != nil {
		return err
	}
	p, err := trainer.Prepare(ctx, cfg, tok)
	if err != nil {
		return err
	}
	logger.Logger.Info("dataset prepared", zap.Int("train", p.Train.Len()), zap.Int("valid", p.Valid.Len()),
		zap.String("dataset_dir", cfg.DatasetDir))
	return nil
}

func newTrainCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training process",
		Long: `Run one rank of a data-parallel training job. The rank is read from
RANK, LOCAL_RANK, WORLD_SIZE, LOCAL_WORLD_SIZE, MASTER_ADDR and MASTER_PORT
(or the PET_* variables); without them a single-process job is run.
Use "finetune launch" to start every rank of a node.

Example:
  finetune train --model base.gguf --data alpaca_data.json --epochs 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			env, err := dist.EnvFromOS()
			if err != nil {
				return fmt.Errorf("process environment: %w", err)
			}
			res, err := trainer.Train(cmd.Context(), cfg, env)
			if err != nil {
				return err
			}
			if env.Rank == 0 {
				logger.Logger.Info("training finished", zap.Int("steps", res.Steps), zap.Float64("avg_train_loss", res.AvgLoss))
			}
			return nil
		},
	}
	addRunFlags(cmd.Flags())
	return cmd
}
