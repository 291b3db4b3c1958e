package autograd

import (
	"fmt"
	"math"

	"github.com/headlands-org/go-finetune/internal/kernels"
)

// IgnoreIndex marks a target that contributes nothing to the loss.
const IgnoreIndex = -100

// CrossEntropy returns the mean negative log-likelihood of targets under
// softmax(logits) as a scalar tensor, together with the number of counted
// rows. Rows whose target is IgnoreIndex are skipped; with no counted rows the
// loss is zero.
//
//	∂L/∂logits[r] = (softmax(logits[r]) - onehot(target[r])) / counted
func (tp *Tape) CrossEntropy(logits *Tensor, targets []int) (*Tensor, int) {
	rows, vocab := logits.Rows(), logits.Cols()
	if len(targets) != rows {
		panic(fmt.Sprintf("autograd.CrossEntropy: %d targets for %d rows", len(targets), rows))
	}

	counted := 0
	total := 0.0
	lse := make([]float64, rows)
	for r, tgt := range targets {
		if tgt == IgnoreIndex {
			continue
		}
		if tgt < 0 || tgt >= vocab {
			panic(fmt.Sprintf("autograd.CrossEntropy: target %d out of range [0,%d)", tgt, vocab))
		}
		row := logits.Data[r*vocab : (r+1)*vocab]
		lse[r] = kernels.LogSumExp(row)
		total += lse[r] - float64(row[tgt])
		counted++
	}

	out := NewTensor(1)
	if counted > 0 {
		out.Data[0] = float32(total / float64(counted))
	}

	tp.track(out, func() {
		if out.Grad == nil || counted == 0 {
			return
		}
		scale := float64(out.Grad[0]) / float64(counted)
		g := logits.grad()
		for r, tgt := range targets {
			if tgt == IgnoreIndex {
				continue
			}
			row := logits.Data[r*vocab : (r+1)*vocab]
			gr := g[r*vocab : (r+1)*vocab]
			for j, v := range row {
				p := math.Exp(float64(v) - lse[r])
				if j == tgt {
					p--
				}
				gr[j] += float32(p * scale)
			}
		}
	}, logits)
	return out, counted
}

// ShiftTargets builds next-token targets for causal language modelling over
// batch sequences of length seqLen: row t of a sequence predicts labels[t+1].
// The last position of each sequence and positions whose next token is
// masked out (mask == 0) get IgnoreIndex.
func ShiftTargets(labels, mask []int, seqLen int) []int {
	targets := make([]int, len(labels))
	for start := 0; start < len(labels); start += seqLen {
		for t := 0; t < seqLen; t++ {
			i := start + t
			if t == seqLen-1 || (mask != nil && mask[i+1] == 0) {
				targets[i] = IgnoreIndex
				continue
			}
			targets[i] = labels[i+1]
		}
	}
	return targets
}
