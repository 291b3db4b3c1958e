package autograd

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-finetune/internal/kernels"
)

func randParam(r *rand.Rand, name string, shape ...int) *Tensor {
	data := make([]float32, numel(shape))
	for i := range data {
		data[i] = float32(r.NormFloat64()) * 0.5
	}
	return NewParam(name, data, shape...)
}

// weightedSum reduces x to sum(x*g) so every element gets a distinct gradient.
func weightedSum(tp *Tape, x *Tensor, g []float32) *Tensor {
	out := NewTensor(1)
	s := 0.0
	for i, v := range x.Data {
		s += float64(v) * float64(g[i])
	}
	out.Data[0] = float32(s)
	tp.track(out, func() {
		if out.Grad == nil {
			return
		}
		kernels.Axpy(len(g), out.Grad[0], g, x.grad())
	}, x)
	return out
}

// gradCheck compares the tape's gradients for params against central differences.
func gradCheck(t *testing.T, params []*Tensor, loss func(tp *Tape) *Tensor) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	tp := NewTape()
	require.NoError(t, tp.Backward(loss(tp)))

	const h = 1e-2
	eval := func() float64 { return float64(loss(NewTape()).Item()) }
	for _, p := range params {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := eval()
			p.Data[i] = orig - h
			down := eval()
			p.Data[i] = orig
			num := (up - down) / (2 * h)
			if math.Abs(num-float64(p.Grad[i])) > 2e-2*math.Max(1, math.Abs(num)) {
				t.Errorf("%s grad[%d] = %f, numeric %f", p.Name, i, p.Grad[i], num)
			}
		}
	}
}

func TestLinearAddMulScaleGrad(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 1))
	x := randParam(r, "x", 3, 4)
	w := randParam(r, "w", 5, 4)
	b := randParam(r, "b", 3, 5)
	g := randParam(r, "g", 15).Data

	gradCheck(t, []*Tensor{x, w, b}, func(tp *Tape) *Tensor {
		y := tp.Linear(x, w)
		y = tp.Add(y, tp.Mul(y, b))
		return weightedSum(tp, tp.Scale(y, 0.5), g)
	})
}

func TestEmbeddingGrad(t *testing.T) {
	r := rand.New(rand.NewPCG(2, 2))
	table := randParam(r, "table", 6, 3)
	g := randParam(r, "g", 12).Data
	ids := []int{5, 0, 5, 2}

	gradCheck(t, []*Tensor{table}, func(tp *Tape) *Tensor {
		return weightedSum(tp, tp.Embedding(table, ids), g)
	})
	// Rows never looked up get no gradient.
	assert.Equal(t, []float32{0, 0, 0}, table.Grad[3:6])
}

func TestNormActivationGrad(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 3))
	x := randParam(r, "x", 2, 6)
	w := randParam(r, "w", 6)
	g := randParam(r, "g", 12).Data

	gradCheck(t, []*Tensor{x, w}, func(tp *Tape) *Tensor {
		n := tp.RMSNorm(x, w, 1e-5)
		return weightedSum(tp, tp.Add(tp.GELU(n), tp.SiLU(n)), g)
	})
}

func TestRoPEGrad(t *testing.T) {
	r := rand.New(rand.NewPCG(4, 4))
	cache := kernels.NewRoPECache(4, 10000, 16)
	x := randParam(r, "x", 3, 8)
	g := randParam(r, "g", 24).Data

	gradCheck(t, []*Tensor{x}, func(tp *Tape) *Tensor {
		return weightedSum(tp, tp.RoPE(x, cache, 2, []int{0, 1, 2}, kernels.RoPENorm), g)
	})
}

func TestAttentionGrad(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 5))
	spec := AttentionSpec{Batch: 2, SeqLen: 3, NumHeads: 4, NumKVHeads: 2, HeadDim: 2, KeyMask: []int{1, 1, 0, 1, 1, 1}}
	q := randParam(r, "q", 6, 8)
	k := randParam(r, "k", 6, 4)
	v := randParam(r, "v", 6, 4)
	g := randParam(r, "g", 48).Data

	gradCheck(t, []*Tensor{q, k, v}, func(tp *Tape) *Tensor {
		return weightedSum(tp, tp.Attention(q, k, v, spec), g)
	})
}

func TestAttentionRejectsBadShapes(t *testing.T) {
	spec := AttentionSpec{Batch: 1, SeqLen: 2, NumHeads: 3, NumKVHeads: 2, HeadDim: 2}
	assert.Panics(t, func() {
		NewTape().Attention(NewTensor(2, 6), NewTensor(2, 4), NewTensor(2, 4), spec)
	})
}

func TestCrossEntropy(t *testing.T) {
	r := rand.New(rand.NewPCG(6, 6))
	logits := randParam(r, "logits", 4, 5)
	targets := []int{1, IgnoreIndex, 4, 0}

	tp := NewTape()
	loss, counted := tp.CrossEntropy(logits, targets)
	require.Equal(t, 3, counted)

	want := 0.0
	for row, tgt := range targets {
		if tgt == IgnoreIndex {
			continue
		}
		x := logits.Data[row*5 : (row+1)*5]
		want += kernels.LogSumExp(x) - float64(x[tgt])
	}
	assert.InDelta(t, want/3, float64(loss.Item()), 1e-5)
	tp.Reset()

	gradCheck(t, []*Tensor{logits}, func(tp *Tape) *Tensor {
		l, _ := tp.CrossEntropy(logits, targets)
		return l
	})
	assert.Equal(t, []float32{0, 0, 0, 0, 0}, logits.Grad[5:10], "ignored row must get no gradient")
}

func TestCrossEntropyAllIgnored(t *testing.T) {
	logits := NewParam("logits", make([]float32, 4), 2, 2)
	tp := NewTape()
	loss, counted := tp.CrossEntropy(logits, []int{IgnoreIndex, IgnoreIndex})
	assert.Equal(t, 0, counted)
	assert.Equal(t, float32(0), loss.Item())
	require.NoError(t, tp.Backward(loss))
	assert.Equal(t, []float32{0, 0, 0, 0}, logits.Grad)
}

func TestShiftTargets(t *testing.T) {
	labels := []int{10, 11, 12, 0, 20, 21, 22, 23}
	mask := []int{1, 1, 1, 0, 1, 1, 1, 1}
	got := ShiftTargets(labels, mask, 4)
	want := []int{11, 12, IgnoreIndex, IgnoreIndex, 21, 22, 23, IgnoreIndex}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestDropout(t *testing.T) {
	x := NewParam("x", []float32{1, 1, 1, 1, 1, 1, 1, 1}, 8)

	if out := NewTape().Dropout(x, 0.5); out != x {
		t.Error("dropout without a source should be the identity")
	}

	tp := NewTape(WithDropout(rand.New(rand.NewPCG(7, 7))))
	assert.True(t, tp.Training())
	out := tp.Dropout(x, 0.5)
	for _, v := range out.Data {
		if v != 0 && v != 2 {
			t.Fatalf("dropout output %v, want 0 or 2", v)
		}
	}
	g := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	x.ZeroGrad()
	require.NoError(t, tp.Backward(weightedSum(tp, out, g)))
	for i, v := range out.Data {
		assert.Equal(t, v*g[i], x.Grad[i])
	}
}

func TestBackwardErrors(t *testing.T) {
	tp := NewTape()
	frozen := FromData([]float32{1, 2}, 2)
	err := tp.Backward(weightedSum(tp, frozen, []float32{1, 1}))
	assert.True(t, errors.Is(err, ErrNoGraph))
	assert.Error(t, tp.Backward(NewTensor(2)))
	assert.Equal(t, 0, tp.Len())
}

type countingRunner struct{ calls, tasks int }

func (c *countingRunner) Run(tasks ...func()) {
	c.calls++
	c.tasks += len(tasks)
	for _, t := range tasks {
		t()
	}
}

func TestAttentionUsesRunner(t *testing.T) {
	r := rand.New(rand.NewPCG(8, 8))
	runner := &countingRunner{}
	tp := NewTape(WithRunner(runner))
	q := randParam(r, "q", 4, 4)
	spec := AttentionSpec{Batch: 2, SeqLen: 2, NumHeads: 2, NumKVHeads: 1, HeadDim: 2}
	out := tp.Attention(q, randParam(r, "k", 4, 2), randParam(r, "v", 4, 2), spec)
	require.NoError(t, tp.Backward(weightedSum(tp, out, make([]float32, 8))))

	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, 4+2, runner.tasks) // batch*heads forward, batch*kvHeads backward
}
