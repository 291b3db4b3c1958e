package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-finetune/internal/dataset"
	"github.com/headlands-org/go-finetune/internal/lora"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/trainer"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), "finetune %v\n%s", args, out.String())
	return out.String()
}

func TestPipeline(t *testing.T) {
	t.Setenv("RANK", "")
	t.Setenv("WORLD_SIZE", "")
	dir := t.TempDir()
	data := filepath.Join(dir, "alpaca_data.json")
	recs := make([]dataset.Record, 12)
	for i := range recs {
		recs[i] = dataset.Record{Instruction: "Name a color.", Output: []string{"red", "green", "blue"}[i%3]}
	}
	require.NoError(t, dataset.WriteJSONL(data, recs))
	base := filepath.Join(dir, "base.gguf")

	execute(t, "init-base", "--data", data, "--out", base, "--vocab-size", "300",
		"--dim", "8", "--layers", "1", "--heads", "2", "--ff", "16", "--context", "32", "--dtype", "f16")

	out := execute(t, "inspect", base)
	assert.Contains(t, out, "general.architecture")
	assert.Contains(t, out, "token_embd.weight")
	assert.Contains(t, out, "dtype=F16")

	run := []string{
		"--model", base, "--data", data,
		"--output-dir", filepath.Join(dir, "checkpoints"),
		"--dataset-dir", filepath.Join(dir, "dataset"),
		"--max-length", "32", "--valid-size", "2",
		"--metrics-progress-file", filepath.Join(dir, "progress.json"),
	}
	execute(t, append([]string{"prepare"}, run...)...)
	vals, err := dataset.LoadRecords(filepath.Join(dir, "dataset", "val_data.json"))
	require.NoError(t, err)
	assert.Len(t, vals, 2)

	execute(t, append([]string{"train", "--epochs", "1", "--batch-size", "2", "--grad-accum-steps", "1",
		"--lora-r", "2", "--lora-target-modules", "attn_q,attn_v", "--dist-backend", "local"}, run...)...)
	m, err := model.Load(base)
	require.NoError(t, err)
	ad, err := lora.Load(filepath.Join(dir, "checkpoints", trainer.AdapterFile), m)
	require.NoError(t, err)
	assert.Len(t, ad.Layers, 2)
	assert.Equal(t, 2, ad.Layers[0].Rank())

	assert.Contains(t, execute(t, "version"), "finetune ")
}

func TestForwardedArgs(t *testing.T) {
	fs := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	fs.Int("nproc-per-node", 1, "")
	fs.String("config", "", "")
	addRunFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--nproc-per-node", "4", "--config", "run.yaml", "--epochs", "3",
		"--lora-target-modules", "q_proj,v_proj", "--", "--seed", "7",
	}))
	assert.Equal(t, []string{
		"--config=run.yaml", "--epochs=3", "--lora-target-modules=q_proj,v_proj", "--seed", "7",
	}, forwardedArgs(fs, fs.Args()))
}

func TestInitBaseRejectsDType(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"init-base", "--dtype", "q4_k"})
	assert.ErrorContains(t, cmd.Execute(), "unknown dtype")
}
