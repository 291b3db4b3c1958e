package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/headlands-org/go-finetune/internal/dist"
	"github.com/headlands-org/go-finetune/internal/launch"
)

// launchOnly lists flags consumed by launch itself and not forwarded.
var launchOnly = map[string]bool{
	"nproc-per-node": true,
	"nnodes":         true,
	"node-rank":      true,
	"master-addr":    true,
	"master-port":    true,
	"run-id":         true,
}

func newLaunchCommand() *cobra.Command {
	var spec launch.Spec

	cmd := &cobra.Command{
		Use:   "launch [flags] [-- train flags]",
		Short: "Start one training process per local device",
		Long: `Start nproc-per-node "finetune train" processes with the rank
environment set. Training flags given to launch, and any arguments after "--",
are passed on to every process. When one process fails the others are stopped.

Examples:
  finetune launch --nproc-per-node 4 --model base.gguf --epochs 3
  finetune launch --nnodes 2 --node-rank 1 --master-addr 10.0.0.1 --run-id job-7 -- --config run.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate finetune binary: %w", err)
			}
			spec.Command = append([]string{exe, "train"}, forwardedArgs(cmd.Flags(), args)...)
			return launch.Run(cmd.Context(), spec)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&spec.NProcPerNode, "nproc-per-node", 1, "Processes (devices) on this node")
	fs.IntVar(&spec.NNodes, "nnodes", 1, "Number of nodes")
	fs.IntVar(&spec.NodeRank, "node-rank", 0, "Rank of this node")
	fs.StringVar(&spec.MasterAddr, "master-addr", dist.DefaultMasterAddr, "Address of the rank 0 node")
	fs.IntVar(&spec.MasterPort, "master-port", dist.DefaultMasterPort, "Port of the rank 0 collective service")
	fs.StringVar(&spec.RunID, "run-id", "", "Run id shared by all nodes (random for a single node)")
	addRunFlags(fs)
	return cmd
}

// forwardedArgs rebuilds the changed flags that train understands, followed
// by the positional arguments.
func forwardedArgs(fs *pflag.FlagSet, args []string) []string {
	var out []string
	fs.Visit(func(f *pflag.Flag) {
		if launchOnly[f.Name] {
			return
		}
		val := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			val = strings.Join(sv.GetSlice(), ",")
		}
		out = append(out, "--"+f.Name+"="+val)
	})
	return append(out, args...)
}
