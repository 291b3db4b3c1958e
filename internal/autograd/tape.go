package autograd

import (
	"errors"
	"math/rand/v2"
)

// Runner executes independent tasks and returns when all are done.
type Runner interface {
	Run(tasks ...func())
}

type serialRunner struct{}

func (serialRunner) Run(tasks ...func()) {
	for _, t := range tasks {
		t()
	}
}

// Tape records the backward closures of the ops applied through it.
// A Tape is used by one goroutine for one forward/backward pass.
type Tape struct {
	ops    []func()
	runner Runner
	rng    *rand.Rand
}

// Option configures a Tape.
type Option func(*Tape)

// WithRunner parallelises per-head work on r.
func WithRunner(r Runner) Option {
	return func(tp *Tape) {
		if r != nil {
			tp.runner = r
		}
	}
}

// WithDropout enables dropout, drawing masks from rng. Without it Dropout is
// the identity, which is what evaluation wants.
func WithDropout(rng *rand.Rand) Option {
	return func(tp *Tape) { tp.rng = rng }
}

// NewTape returns an empty tape.
func NewTape(opts ...Option) *Tape {
	tp := &Tape{runner: serialRunner{}}
	for _, opt := range opts {
		opt(tp)
	}
	return tp
}

// Training reports whether dropout is active.
func (tp *Tape) Training() bool { return tp.rng != nil }

// Len returns the number of recorded ops.
func (tp *Tape) Len() int { return len(tp.ops) }

// track marks out as requiring a gradient when any input does and records fn
// in that case.
func (tp *Tape) track(out *Tensor, fn func(), inputs ...*Tensor) {
	for _, in := range inputs {
		if in != nil && in.RequiresGrad {
			out.RequiresGrad = true
			tp.ops = append(tp.ops, fn)
			return
		}
	}
}

// ErrNoGraph is returned by Backward when the loss does not depend on any
// trainable tensor.
var ErrNoGraph = errors.New("autograd: loss does not require grad")

// Backward seeds d loss / d loss = 1 and runs the recorded closures in reverse.
// The tape is cleared afterwards.
func (tp *Tape) Backward(loss *Tensor) error {
	if len(loss.Data) != 1 {
		return errors.New("autograd: backward needs a scalar loss")
	}
	if !loss.RequiresGrad {
		return ErrNoGraph
	}
	loss.grad()[0] = 1
	for i := len(tp.ops) - 1; i >= 0; i-- {
		tp.ops[i]()
	}
	tp.Reset()
	return nil
}

// Reset drops recorded ops without running them.
func (tp *Tape) Reset() {
	tp.ops = tp.ops[:0]
}
