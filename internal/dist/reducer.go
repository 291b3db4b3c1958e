package dist

import (
	"context"
	"fmt"
	"sync"
)

type opKind uint8

const (
	opAllReduce opKind = iota + 1
	opBroadcast
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "allreduce"
	case opBroadcast:
		return "broadcast"
	case opBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// call identifies a collective; all ranks must agree on it for a sequence
// number.
type call struct {
	kind opKind
	op   ReduceOp
	root int
	size int
}

func (c call) String() string {
	switch c.kind {
	case opAllReduce:
		return fmt.Sprintf("allreduce(%s, %d)", c.op, c.size)
	case opBroadcast:
		return fmt.Sprintf("broadcast(root %d, %d)", c.root, c.size)
	default:
		return c.kind.String()
	}
}

type round struct {
	call    call
	parts   [][]float32
	arrived int
	result  []float32
	err     error
	done    chan struct{}
}

// reducer matches contributions from every rank by sequence number and
// combines them once all have arrived. Contributions are summed in rank order
// so every rank sees bit-identical results.
type reducer struct {
	world int

	mu     sync.Mutex
	rounds map[uint64]*round
	closed bool
	quit   chan struct{}
}

func newReducer(world int) *reducer {
	return &reducer{world: world, rounds: make(map[uint64]*round), quit: make(chan struct{})}
}

// contribute registers rank's data for collective seq and waits for the result.
// The returned slice is shared between ranks and must not be modified.
func (r *reducer) contribute(ctx context.Context, rank int, seq uint64, c call, data []float32) ([]float32, error) {
	if rank < 0 || rank >= r.world {
		return nil, fmt.Errorf("rank %d out of range [0,%d)", rank, r.world)
	}
	if len(data) != c.size {
		return nil, fmt.Errorf("%s: got %d values", c, len(data))
	}
	if c.kind == opBroadcast && (c.root < 0 || c.root >= r.world) {
		return nil, fmt.Errorf("broadcast root %d out of range [0,%d)", c.root, r.world)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	rd, ok := r.rounds[seq]
	if !ok {
		rd = &round{call: c, parts: make([][]float32, r.world), done: make(chan struct{})}
		r.rounds[seq] = rd
	}
	switch {
	case rd.err != nil:
	case rd.call != c:
		rd.err = fmt.Errorf("%w: step %d rank %d called %s, peers called %s", ErrDesync, seq, rank, c, rd.call)
		close(rd.done)
	case rd.parts[rank] != nil:
		rd.err = fmt.Errorf("%w: step %d rank %d contributed twice", ErrDesync, seq, rank)
		close(rd.done)
	default:
		if data == nil {
			data = []float32{}
		}
		rd.parts[rank] = data
		rd.arrived++
		if rd.arrived == r.world {
			rd.result = combine(c, rd.parts)
			rd.parts = nil
			close(rd.done)
		}
	}
	r.mu.Unlock()

	select {
	case <-rd.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%s at step %d: %w", c, seq, ctx.Err())
	case <-r.quit:
		// A round completed just before close still counts.
		select {
		case <-rd.done:
		default:
			return nil, ErrClosed
		}
	}

	if rd.err != nil {
		return nil, rd.err
	}
	// Failed rounds stay registered so late ranks see the same error.
	r.mu.Lock()
	rd.arrived--
	if rd.arrived == 0 {
		delete(r.rounds, seq)
	}
	r.mu.Unlock()
	return rd.result, nil
}

func combine(c call, parts [][]float32) []float32 {
	switch c.kind {
	case opBroadcast:
		return append([]float32(nil), parts[c.root]...)
	case opBarrier:
		return nil
	}
	out := make([]float32, c.size)
	copy(out, parts[0])
	for _, p := range parts[1:] {
		switch c.op {
		case Max:
			for i, v := range p {
				out[i] = max(out[i], v)
			}
		default:
			for i, v := range p {
				out[i] += v
			}
		}
	}
	return out
}

// close fails every pending and future collective with ErrClosed.
func (r *reducer) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
}
