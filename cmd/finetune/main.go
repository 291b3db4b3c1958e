// Command finetune trains LoRA adapters for GGUF causal language models,
// data-parallel across processes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/headlands-org/go-finetune/internal/cli"
	"github.com/headlands-org/go-finetune/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewCommand().ExecuteContext(ctx); err != nil {
		logger.Logger.Error("finetune failed", zap.Error(err))
		_ = logger.Logger.Sync()
		stop()
		os.Exit(1)
	}
}
