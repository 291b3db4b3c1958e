package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/headlands-org/go-finetune/internal/gguf"
)

// Metadata arrays longer than this are summarised.
const maxInlineArray = 8

func newInspectCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect <file.gguf>",
		Short: "Print the metadata and tensors of a checkpoint or adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Print at most n tensors, 0 for all")
	return cmd
}

func inspect(w io.Writer, path string, limit int) error {
	r, err := gguf.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Fprintf(w, "GGUF File: %s\n", path)
	fmt.Fprintf(w, "Version: %d\n", h.Version)
	fmt.Fprintf(w, "Tensor Count: %d\n", h.TensorCount)
	fmt.Fprintf(w, "Metadata KV Count: %d\n\n", h.MetadataKVSize)

	fmt.Fprintln(w, "=== Metadata ===")
	for _, key := range r.MetadataKeys() {
		val, _ := r.GetMetadata(key)
		if arr, ok := val.([]interface{}); ok && len(arr) > maxInlineArray {
			fmt.Fprintf(w, "%-40s: [%d items]\n", key, len(arr))
			continue
		}
		fmt.Fprintf(w, "%-40s: %v\n", key, val)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Tensors ===")
	tensors := r.SortedTensors()
	fmt.Fprintf(w, "Total: %d tensors\n\n", len(tensors))
	for i, name := range tensors {
		if limit > 0 && i >= limit {
			fmt.Fprintf(w, "... and %d more tensors\n", len(tensors)-limit)
			break
		}
		desc, _ := r.GetTensor(name)
		fmt.Fprintf(w, "%-50s  dtype=%-8s  shape=%v  size=%d bytes\n", name, desc.DType, desc.Shape, desc.Size)
	}
	return nil
}
