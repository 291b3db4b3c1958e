package lora

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/model"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

func tinyModel(t *testing.T) *model.Model {
	t.Helper()
	tok, err := tokenizer.Build([]string{"below is an instruction", "write a response"}, 300)
	require.NoError(t, err)
	m, err := model.NewRandom(model.Config{
		Architecture:      "llama",
		EmbeddingLength:   8,
		BlockCount:        2,
		HeadCount:         2,
		HeadCountKV:       2,
		FeedForwardLength: 16,
		ContextLength:     16,
		RMSEps:            1e-5,
		RopeFreqBase:      10000,
		Gated:             true,
	}, tok, 7, true)
	require.NoError(t, err)
	return m
}

func batch() model.Batch {
	ids := []int{1, 270, 271, 272, 2, 0}
	return model.Batch{
		Size:          1,
		SeqLen:        len(ids),
		InputIDs:      ids,
		AttentionMask: []int{1, 1, 1, 1, 1, 0},
		Labels:        append([]int(nil), ids...),
	}
}

func lossOf(t *testing.T, m *model.Model) float32 {
	t.Helper()
	l, _, err := m.Loss(autograd.NewTape(), batch())
	require.NoError(t, err)
	return l.Item()
}

func TestFreshAdapterKeepsBaseOutput(t *testing.T) {
	m := tinyModel(t)
	before := lossOf(t, m)

	ad, err := Apply(m, DefaultConfig(), 1)
	require.NoError(t, err)
	assert.Len(t, ad.Layers, 4, "attn_q and attn_v in two blocks")
	assert.InDelta(t, before, lossOf(t, m), 1e-7)
}

func TestOnlyAdaptersTrain(t *testing.T) {
	m := tinyModel(t)
	ad, err := Apply(m, DefaultConfig(), 1)
	require.NoError(t, err)

	assert.Equal(t, ad.Parameters(), m.Parameters())
	stats := ad.Stats()
	assert.Equal(t, 4*(16*8+8*16), stats.Trainable)
	assert.Equal(t, m.NumParams(), stats.Total)
	t.Logf("%s", stats)

	tp := autograd.NewTape()
	l, _, err := m.Loss(tp, batch())
	require.NoError(t, err)
	require.NoError(t, tp.Backward(l))

	var gradB float64
	for _, layer := range ad.Layers {
		for _, g := range layer.A.Grad {
			assert.Zero(t, g, "A gets no gradient while B is zero")
		}
		for _, g := range layer.B.Grad {
			gradB += math.Abs(float64(g))
		}
	}
	assert.Greater(t, gradB, 0.0)
	for _, s := range m.Slots() {
		assert.Nil(t, (*s.Linear).Base().Grad, "%s base weight must stay frozen", s.Name)
	}
}

func TestAdapterGradient(t *testing.T) {
	m := tinyModel(t)
	cfg := DefaultConfig()
	cfg.Dropout = 0
	ad, err := Apply(m, cfg, 3)
	require.NoError(t, err)
	layer := ad.Layers[1]
	for i := range layer.B.Data {
		layer.B.Data[i] = 0.01 * float32(i%5-2)
	}

	tp := autograd.NewTape()
	l, _, err := m.Loss(tp, batch())
	require.NoError(t, err)
	require.NoError(t, tp.Backward(l))

	const h = 1e-2
	for _, p := range []*autograd.Tensor{layer.A, layer.B} {
		for _, i := range []int{0, 3, p.Size() - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := lossOf(t, m)
			p.Data[i] = orig - h
			down := lossOf(t, m)
			p.Data[i] = orig
			num := float64(up-down) / (2 * h)
			assert.InDelta(t, num, float64(p.Grad[i]), 1e-3+0.05*math.Abs(num), "%s[%d]", p.Name, i)
		}
	}
}

func TestApplyTwiceFails(t *testing.T) {
	m := tinyModel(t)
	_, err := Apply(m, DefaultConfig(), 1)
	require.NoError(t, err)
	_, err = Apply(m, DefaultConfig(), 1)
	assert.Error(t, err)
}

func TestLayersToTransform(t *testing.T) {
	m := tinyModel(t)
	cfg := DefaultConfig()
	cfg.TargetModules = []string{"q_proj", "down_proj"}
	cfg.LayersToTransform = []int{1}
	ad, err := Apply(m, cfg, 1)
	require.NoError(t, err)

	var names []string
	for _, l := range ad.Layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"blk.1.attn_q", "blk.1.ffn_down"}, names)
}

func TestSaveLoadAdapter(t *testing.T) {
	m := tinyModel(t)
	ad, err := Apply(m, DefaultConfig(), 5)
	require.NoError(t, err)
	for _, l := range ad.Layers {
		for i := range l.B.Data {
			l.B.Data[i] = 0.02 * float32(i%7-3)
		}
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.gguf")
	require.NoError(t, ad.Save(path))
	want := lossOf(t, m)

	fresh := tinyModel(t)
	got, err := Load(path, fresh)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Config.R)
	assert.Equal(t, 32, got.Config.Alpha)
	assert.Equal(t, []string{"attn_q", "attn_v"}, got.Config.TargetModules)
	for i, l := range got.Layers {
		if diff := cmp.Diff(ad.Layers[i].B.Data, l.B.Data); diff != "" {
			t.Errorf("%s lora_b mismatch (-want +got):\n%s", l.Name, diff)
		}
	}
	assert.InDelta(t, want, lossOf(t, fresh), 1e-6)

	cfgPath := filepath.Join(dir, "adapter_config.json")
	require.NoError(t, ad.WriteConfig(cfgPath, "base.gguf"))
	cfg, err := ReadConfig(cfgPath)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("adapter config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rank", func(c *Config) { c.R = 0 }},
		{"alpha", func(c *Config) { c.Alpha = -1 }},
		{"dropout", func(c *Config) { c.Dropout = 1 }},
		{"bias", func(c *Config) { c.Bias = "all" }},
		{"task", func(c *Config) { c.TaskType = "SEQ_CLS" }},
		{"no targets", func(c *Config) { c.TargetModules = nil }},
		{"unknown target", func(c *Config) { c.TargetModules = []string{"query_key_value"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestScaling(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, float32(2), cfg.Scaling())
	cfg.UseRSLora = true
	assert.InDelta(t, 8.0, float64(cfg.Scaling()), 1e-6)
}
