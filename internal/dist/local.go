package dist

import (
	"context"
	"sync"
	"time"

	"github.com/headlands-org/go-finetune/internal/metrics"
)

// localGroup is one member of an in-process group; ranks are goroutines
// sharing a reducer.
type localGroup struct {
	rank    int
	red     *reducer
	timeout time.Duration
	seq     uint64

	closeOnce *sync.Once
	members   *sync.WaitGroup
	closeErr  error
}

// NewLocalGroup returns world members of one in-process group. Each member
// must be driven by its own goroutine.
func NewLocalGroup(world int, collectiveTimeout time.Duration) []ProcessGroup {
	red := newReducer(world)
	var members sync.WaitGroup
	members.Add(world)
	groups := make([]ProcessGroup, world)
	for r := range groups {
		groups[r] = &localGroup{rank: r, red: red, timeout: collectiveTimeout, closeOnce: new(sync.Once), members: &members}
	}
	go func() {
		members.Wait()
		red.close()
	}()
	return groups
}

func (g *localGroup) Rank() int      { return g.rank }
func (g *localGroup) WorldSize() int { return g.red.world }

func (g *localGroup) run(ctx context.Context, c call, data []float32) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()
	seq := g.seq
	g.seq++
	defer metrics.ObserveCollective(c.kind.String(), time.Now())
	return g.red.contribute(ctx, g.rank, seq, c, data)
}

func (g *localGroup) AllReduce(ctx context.Context, buf []float32, op ReduceOp) error {
	res, err := g.run(ctx, call{kind: opAllReduce, op: op, size: len(buf)}, buf)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

func (g *localGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	res, err := g.run(ctx, call{kind: opBroadcast, root: root, size: len(buf)}, buf)
	if err != nil {
		return err
	}
	if g.rank != root {
		copy(buf, res)
	}
	return nil
}

func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.run(ctx, call{kind: opBarrier}, nil)
	return err
}

func (g *localGroup) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.Barrier(context.Background())
		g.members.Done()
	})
	return g.closeErr
}
