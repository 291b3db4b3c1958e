// Package dist provides the collective communication group shared by the
// training processes: all-reduce, broadcast and barrier over float32 buffers.
//
// Every process issues the same sequence of collectives. Calls are matched by
// a per-process sequence number; a call whose kind, root or length differs
// from its peers' fails with ErrDesync on every rank.
package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrDesync reports ranks issuing different collectives at the same step.
	ErrDesync = errors.New("dist: collective mismatch between ranks")
	// ErrClosed is returned for collectives after the group was closed.
	ErrClosed = errors.New("dist: process group closed")
)

// ReduceOp selects the all-reduce combiner.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// ProcessGroup is the set of training processes, one per device.
type ProcessGroup interface {
	Rank() int
	WorldSize() int
	// AllReduce combines buf elementwise across ranks and writes the result
	// back into buf on every rank.
	AllReduce(ctx context.Context, buf []float32, op ReduceOp) error
	// Broadcast copies root's buf into every other rank's buf.
	Broadcast(ctx context.Context, buf []float32, root int) error
	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error
	// Close waits for every rank at a final barrier and releases the group.
	Close() error
}

// Backends accepted by InitProcessGroup.
const (
	BackendGRPC  = "grpc"
	BackendLocal = "local"
)

// Options configures InitProcessGroup.
type Options struct {
	Backend string
	Env     Env
	// InitTimeout bounds rendezvous; zero waits forever.
	InitTimeout time.Duration
	// CollectiveTimeout bounds each collective; zero waits forever.
	CollectiveTimeout time.Duration
	Logger            logr.Logger
	// Listener replaces the rank-0 TCP listener on MasterPort.
	Listener net.Listener
	// Dialer replaces TCP dialing of the master.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// InitProcessGroup joins the group described by opts.Env. It blocks until
// every rank has joined or InitTimeout expires.
func InitProcessGroup(ctx context.Context, opts Options) (ProcessGroup, error) {
	if err := opts.Env.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	switch opts.Backend {
	case BackendLocal:
		if opts.Env.WorldSize != 1 {
			return nil, fmt.Errorf("local backend runs a single process, world size is %d", opts.Env.WorldSize)
		}
		return NewLocalGroup(1, opts.CollectiveTimeout)[0], nil
	case BackendGRPC, "":
		pg, err := newGRPCGroup(ctx, opts)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
