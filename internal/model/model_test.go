package model

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/gguf"
	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

func tinyConfig() Config {
	return Config{
		Architecture:      "llama",
		EmbeddingLength:   8,
		BlockCount:        2,
		HeadCount:         2,
		HeadCountKV:       1,
		FeedForwardLength: 16,
		ContextLength:     16,
		RMSEps:            1e-5,
		RopeFreqBase:      10000,
		Gated:             true,
	}
}

func tinyModel(t *testing.T, tied bool) *Model {
	t.Helper()
	tok, err := tokenizer.Build([]string{"give three tips", "stay healthy and eat well"}, 300)
	require.NoError(t, err)
	m, err := NewRandom(tinyConfig(), tok, 42, tied)
	require.NoError(t, err)
	return m
}

func batchOf(seqLen int, seqs ...[]int) Batch {
	b := Batch{Size: len(seqs), SeqLen: seqLen}
	for _, s := range seqs {
		for i := 0; i < seqLen; i++ {
			if i < len(s) {
				b.InputIDs = append(b.InputIDs, s[i])
				b.AttentionMask = append(b.AttentionMask, 1)
			} else {
				b.InputIDs = append(b.InputIDs, 0)
				b.AttentionMask = append(b.AttentionMask, 0)
			}
		}
	}
	b.Labels = append([]int(nil), b.InputIDs...)
	return b
}

func loss(t *testing.T, m *Model, b Batch) float32 {
	t.Helper()
	l, _, err := m.Loss(autograd.NewTape(), b)
	require.NoError(t, err)
	return l.Item()
}

func TestLossAtInitIsNearUniform(t *testing.T) {
	m := tinyModel(t, true)
	l := loss(t, m, batchOf(6, []int{1, 270, 271, 272, 2}, []int{1, 280, 2}))
	uniform := math.Log(float64(m.Config.VocabSize))
	assert.InDelta(t, uniform, float64(l), 0.2)
}

func TestPaddingDoesNotChangeLoss(t *testing.T) {
	m := tinyModel(t, false)
	seq := []int{1, 270, 275, 290, 2}

	exact, n1, err := m.Loss(autograd.NewTape(), batchOf(len(seq), seq))
	require.NoError(t, err)
	padded, n2, err := m.Loss(autograd.NewTape(), batchOf(9, seq))
	require.NoError(t, err)

	assert.Equal(t, len(seq)-1, n1)
	assert.Equal(t, n1, n2)
	assert.InDelta(t, exact.Item(), padded.Item(), 1e-5)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := tinyModel(t, false)
	path := filepath.Join(t.TempDir(), "base.gguf")
	require.NoError(t, m.Save(path, gguf.DTypeF32))

	got, err := Load(path)
	require.NoError(t, err)

	want := m.Config
	if diff := cmp.Diff(want, got.Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	for i, s := range m.Slots() {
		gs := got.Slots()[i]
		require.Equal(t, s.Name, gs.Name)
		if diff := cmp.Diff((*s.Linear).Base().Data, (*gs.Linear).Base().Data); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", s.Name, diff)
		}
	}
	wantPieces, _, _ := m.Tokenizer.Vocabulary()
	gotPieces, _, _ := got.Tokenizer.Vocabulary()
	assert.Equal(t, wantPieces, gotPieces)

	// llama checkpoints get "</s>" as bos/eos/unk and pad id 0.
	eos, _ := got.Tokenizer.TokenID("</s>")
	assert.Equal(t, []int{eos, eos, eos, 0},
		[]int{got.Tokenizer.BOS(), got.Tokenizer.EOS(), got.Tokenizer.Unknown(), got.Tokenizer.Pad()})

	tok, err := LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, got.Tokenizer.VocabSize(), tok.VocabSize())
	assert.Equal(t, got.Tokenizer.EOS(), tok.EOS())
	assert.Equal(t, 0, tok.Pad())

	b := batchOf(5, []int{1, 270, 271, 2})
	assert.InDelta(t, loss(t, m, b), loss(t, got, b), 1e-6)
}

func TestSaveQuantized(t *testing.T) {
	m := tinyModel(t, true)
	path := filepath.Join(t.TempDir(), "q8.gguf")
	require.NoError(t, m.Save(path, gguf.DTypeQ8_0))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Same(t, got.TokenEmbd, got.Output, "tied output should stay tied")

	want := m.Blocks[1].Down.Base().Data
	for i, v := range got.Blocks[1].Down.Base().Data {
		assert.InDelta(t, want[i], v, 2e-3)
	}
}

func TestTrainableNormGradient(t *testing.T) {
	m := tinyModel(t, false)
	norm := m.Blocks[0].AttnNorm
	norm.RequiresGrad = true
	norm.Grad = make([]float32, norm.Size())
	require.Equal(t, []*autograd.Tensor{norm}, m.Parameters())

	b := batchOf(5, []int{1, 270, 271, 272, 2}, []int{1, 290, 2})
	tp := autograd.NewTape()
	l, _, err := m.Loss(tp, b)
	require.NoError(t, err)
	require.NoError(t, tp.Backward(l))

	const h = 1e-2
	for i := 0; i < norm.Size(); i++ {
		orig := norm.Data[i]
		norm.Data[i] = orig + h
		up := loss(t, m, b)
		norm.Data[i] = orig - h
		down := loss(t, m, b)
		norm.Data[i] = orig
		num := float64(up-down) / (2 * h)
		assert.InDelta(t, num, float64(norm.Grad[i]), 1e-3+0.05*math.Abs(num), "grad[%d]", i)
	}
}

func TestLogitsRejectsBadBatches(t *testing.T) {
	m := tinyModel(t, true)
	tests := []struct {
		name  string
		batch Batch
	}{
		{"empty", Batch{}},
		{"length mismatch", Batch{Size: 1, SeqLen: 2, InputIDs: []int{1}, AttentionMask: []int{1}, Labels: []int{1}}},
		{"id out of range", batchOf(2, []int{1, 100000})},
		{"too long", batchOf(17, []int{1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Logits(autograd.NewTape(), tt.batch)
			assert.Error(t, err)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"architecture", func(c *Config) { c.Architecture = "bloom" }},
		{"zero blocks", func(c *Config) { c.BlockCount = 0 }},
		{"uneven heads", func(c *Config) { c.HeadCount = 3 }},
		{"odd head dim", func(c *Config) { c.EmbeddingLength = 6; c.HeadCount = 2 }},
		{"kv heads", func(c *Config) { c.HeadCountKV = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			cfg.VocabSize = 10
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	cfg := tinyConfig()
	cfg.VocabSize = 10
	assert.NoError(t, cfg.Validate())
}

func TestFromReaderMissingTensor(t *testing.T) {
	m := tinyModel(t, true)
	w := gguf.NewWriter()
	m.Config.writeGGUF(w)
	writeTokenizer(w, m.Tokenizer)
	require.NoError(t, w.AddFloat32(tensorTokenEmbd, []int{8, m.Config.VocabSize}, m.TokenEmbd.Data))

	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)
	r, err := gguf.OpenBytes(buf.Bytes())
	require.NoError(t, err)

	_, err = FromReader(r)
	assert.ErrorIs(t, err, gguf.ErrNotFound)
}
