// Package launch starts one training process per local device, torchrun
// style, and tears the node down when any of them fails.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/logger"
)

// Spec describes the processes of one node.
type Spec struct {
	NProcPerNode int
	NNodes       int
	NodeRank     int
	MasterAddr   string
	MasterPort   int
	// RunID ties the ranks of one run together; a random one is generated
	// when empty. Every node of a run must use the same value.
	RunID string
	// Command is executed once per local rank with the rank variables set.
	Command []string
	Stdout  io.Writer
	Stderr  io.Writer
	// KillDelay is how long a sibling may take to exit after being
	// interrupted before it is killed.
	KillDelay time.Duration
}

// Envs returns the process environment of every local rank.
func (s Spec) Envs() ([]dist.Env, error) {
	if s.NProcPerNode <= 0 || s.NNodes <= 0 {
		return nil, fmt.Errorf("nproc-per-node (%d) and nnodes (%d) must be positive", s.NProcPerNode, s.NNodes)
	}
	if s.NodeRank < 0 || s.NodeRank >= s.NNodes {
		return nil, fmt.Errorf("node rank %d out of range [0,%d)", s.NodeRank, s.NNodes)
	}
	envs := make([]dist.Env, s.NProcPerNode)
	for local := range envs {
		envs[local] = dist.Env{
			Rank:           s.NodeRank*s.NProcPerNode + local,
			LocalRank:      local,
			WorldSize:      s.NNodes * s.NProcPerNode,
			LocalWorldSize: s.NProcPerNode,
			MasterAddr:     s.MasterAddr,
			MasterPort:     s.MasterPort,
			RunID:          s.RunID,
		}
		if err := envs[local].Validate(); err != nil {
			return nil, err
		}
	}
	return envs, nil
}

// Run starts the local ranks and waits for them. When one exits with an
// error the others are interrupted and Run returns that first error.
func Run(ctx context.Context, s Spec) error {
	if len(s.Command) == 0 {
		return errors.New("no command to launch")
	}
	if s.RunID == "" {
		if s.NNodes > 1 {
			return errors.New("a run id is required when launching on several nodes")
		}
		s.RunID = uuid.NewString()
	}
	if s.Stdout == nil {
		s.Stdout = os.Stdout
	}
	if s.Stderr == nil {
		s.Stderr = os.Stderr
	}
	if s.KillDelay <= 0 {
		s.KillDelay = 10 * time.Second
	}
	envs, err := s.Envs()
	if err != nil {
		return err
	}

	log := logger.Logger.With(zap.String("run_id", s.RunID), zap.Int("node_rank", s.NodeRank))
	log.Info("launching workers", zap.Int("nproc_per_node", s.NProcPerNode), zap.Int("world_size", envs[0].WorldSize),
		zap.String("master", envs[0].MasterEndpoint()), zap.Strings("command", s.Command))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, env := range envs {
		cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
		cmd.Env = append(os.Environ(), env.Environ()...)
		cmd.Stdout = s.Stdout
		cmd.Stderr = s.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = s.KillDelay
		if err := cmd.Start(); err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("start rank %d: %w", env.Rank, err)
		}
		g.Go(func() error {
			start := time.Now()
			err := cmd.Wait()
			if err != nil && ctx.Err() == nil {
				log.Error("worker failed", zap.Int("rank", env.Rank), zap.Error(err))
				return fmt.Errorf("rank %d: %w", env.Rank, err)
			}
			if err != nil {
				return fmt.Errorf("rank %d stopped: %w", env.Rank, err)
			}
			log.Info("worker finished", zap.Int("rank", env.Rank), zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	return g.Wait()
}
