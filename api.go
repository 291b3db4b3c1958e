package finetune

import (
	"context"

	ft "github.com/headlands-org/go-finetune/pkg/finetune"
)

// Result summarises a finished training run.
type Result = ft.Result

// Option configures a run.
type Option = ft.Option

// Option helpers for configuring a run.
var (
	WithConfigFile     = ft.WithConfigFile
	WithModel          = ft.WithModel
	WithData           = ft.WithData
	WithOutputDir      = ft.WithOutputDir
	WithDatasetDir     = ft.WithDatasetDir
	WithPromptTemplate = ft.WithPromptTemplate
	WithValidSize      = ft.WithValidSize
	WithMaxLength      = ft.WithMaxLength
	WithEpochs         = ft.WithEpochs
	WithBatchSize      = ft.WithBatchSize
	WithLearningRate   = ft.WithLearningRate
	WithLoRA           = ft.WithLoRA
	WithSeed           = ft.WithSeed
	WithProgressFile   = ft.WithProgressFile
	WithSingleProcess  = ft.WithSingleProcess
	WithTimeouts       = ft.WithTimeouts
)

// Train runs this process's rank of a training job.
func Train(ctx context.Context, opts ...Option) (*Result, error) {
	return ft.Train(ctx, opts...)
}

// Prepare splits and tokenizes the dataset without training.
func Prepare(ctx context.Context, opts ...Option) (train, valid int, err error) {
	return ft.Prepare(ctx, opts...)
}
