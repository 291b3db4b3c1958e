// Package ddp keeps model replicas identical across a process group: it
// broadcasts rank 0's parameters when wrapping and averages gradients after
// every backward pass.
package ddp

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/headlands-org/go-finetune/internal/autograd"
	"github.com/headlands-org/go-finetune/internal/dist"
)

// DefaultBucketSize is the number of float32 values flattened into one
// all-reduce (25 MiB).
const DefaultBucketSize = 25 << 20 / 4

// Options configures Wrap.
type Options struct {
	// BucketSize caps the values per collective. A parameter larger than the
	// cap gets a bucket of its own.
	BucketSize int
	Logger     logr.Logger
}

// DDP synchronises the gradients of a fixed parameter list. The list must be
// in the same order on every rank.
type DDP struct {
	pg      dist.ProcessGroup
	params  []*autograd.Tensor
	buckets [][]*autograd.Tensor
	buf     []float32
	sync    bool
	log     logr.Logger
}

// Wrap groups params into buckets and overwrites them with rank 0's values.
func Wrap(ctx context.Context, pg dist.ProcessGroup, params []*autograd.Tensor, opts Options) (*DDP, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("ddp: no parameters to synchronise")
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = DefaultBucketSize
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	d := &DDP{pg: pg, params: params, sync: true, log: opts.Logger}

	var cur []*autograd.Tensor
	n, largest := 0, 0
	for _, p := range params {
		if !p.RequiresGrad {
			return nil, fmt.Errorf("ddp: parameter %q does not require grad", p.Name)
		}
		if n > 0 && n+p.Size() > opts.BucketSize {
			d.buckets = append(d.buckets, cur)
			largest = max(largest, n)
			cur, n = nil, 0
		}
		cur = append(cur, p)
		n += p.Size()
	}
	d.buckets = append(d.buckets, cur)
	d.buf = make([]float32, max(largest, n))

	if err := d.broadcast(ctx); err != nil {
		return nil, fmt.Errorf("ddp: broadcast parameters: %w", err)
	}
	d.log.V(1).Info("replicas synchronised", "params", len(params), "buckets", len(d.buckets))
	return d, nil
}

func (d *DDP) broadcast(ctx context.Context) error {
	if d.pg.WorldSize() == 1 {
		return nil
	}
	for _, b := range d.buckets {
		buf := d.flatten(b, func(p *autograd.Tensor) []float32 { return p.Data })
		if err := d.pg.Broadcast(ctx, buf, 0); err != nil {
			return err
		}
		d.unflatten(b, buf, func(p *autograd.Tensor) []float32 { return p.Data })
	}
	return nil
}

func (d *DDP) flatten(b []*autograd.Tensor, field func(*autograd.Tensor) []float32) []float32 {
	n := 0
	for _, p := range b {
		n += copy(d.buf[n:], field(p))
	}
	return d.buf[:n]
}

func (d *DDP) unflatten(b []*autograd.Tensor, buf []float32, field func(*autograd.Tensor) []float32) {
	n := 0
	for _, p := range b {
		n += copy(field(p), buf[n:])
	}
}

func grad(p *autograd.Tensor) []float32 {
	if p.Grad == nil {
		p.Grad = make([]float32, p.Size())
	}
	return p.Grad
}

// Parameters returns the synchronised parameters.
func (d *DDP) Parameters() []*autograd.Tensor { return d.params }

// ZeroGrad clears every gradient.
func (d *DDP) ZeroGrad() {
	for _, p := range d.params {
		p.ZeroGrad()
	}
}

// Backward runs the tape and, unless inside NoSync, averages the gradients
// across ranks.
func (d *DDP) Backward(ctx context.Context, tp *autograd.Tape, loss *autograd.Tensor) error {
	if err := tp.Backward(loss); err != nil {
		return err
	}
	if !d.sync {
		return nil
	}
	return d.SyncGradients(ctx)
}

// NoSync runs fn with gradient averaging disabled, so micro-batches accumulate
// locally until the next synchronised Backward.
func (d *DDP) NoSync(fn func() error) error {
	prev := d.sync
	d.sync = false
	defer func() { d.sync = prev }()
	return fn()
}

// SyncGradients all-reduces every gradient and divides by the world size.
func (d *DDP) SyncGradients(ctx context.Context) error {
	world := d.pg.WorldSize()
	if world == 1 {
		return nil
	}
	scale := 1 / float32(world)
	for _, b := range d.buckets {
		buf := d.flatten(b, grad)
		if err := d.pg.AllReduce(ctx, buf, dist.Sum); err != nil {
			return fmt.Errorf("ddp: all-reduce gradients: %w", err)
		}
		for i := range buf {
			buf[i] *= scale
		}
		d.unflatten(b, buf, grad)
	}
	return nil
}
