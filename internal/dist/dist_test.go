package dist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/test/bufconn"
)

// runRanks calls fn concurrently for every member and returns their errors by
// rank.
func runRanks(groups []ProcessGroup, fn func(pg ProcessGroup) error) []error {
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, pg := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(pg)
		}()
	}
	wg.Wait()
	return errs
}

func checkCollectives(t *testing.T, groups []ProcessGroup) {
	t.Helper()
	world := len(groups)
	sums := make([][]float32, world)
	maxes := make([][]float32, world)
	bcast := make([][]float32, world)

	errs := runRanks(groups, func(pg ProcessGroup) error {
		r := pg.Rank()
		sum := []float32{float32(r), 1, float32(10 * r)}
		if err := pg.AllReduce(context.Background(), sum, Sum); err != nil {
			return err
		}
		mx := []float32{float32(r), -float32(r)}
		if err := pg.AllReduce(context.Background(), mx, Max); err != nil {
			return err
		}
		b := []float32{float32(r) + 0.5, float32(r) * 2}
		if err := pg.Broadcast(context.Background(), b, world-1); err != nil {
			return err
		}
		if err := pg.Barrier(context.Background()); err != nil {
			return err
		}
		sums[r], maxes[r], bcast[r] = sum, mx, b
		return nil
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	var rankSum float32
	for r := range world {
		rankSum += float32(r)
	}
	for r := range world {
		if diff := cmp.Diff([]float32{rankSum, float32(world), 10 * rankSum}, sums[r]); diff != "" {
			t.Errorf("rank %d sum (-want +got):\n%s", r, diff)
		}
		assert.Equal(t, []float32{float32(world - 1), 0}, maxes[r], "rank %d max", r)
		assert.Equal(t, []float32{float32(world-1) + 0.5, float32(world-1) * 2}, bcast[r], "rank %d broadcast", r)
	}
}

func TestLocalGroupCollectives(t *testing.T) {
	for _, world := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("world=%d", world), func(t *testing.T) {
			groups := NewLocalGroup(world, 0)
			checkCollectives(t, groups)
			for r, err := range runRanks(groups, func(pg ProcessGroup) error { return pg.Close() }) {
				assert.NoError(t, err, "rank %d close", r)
			}
		})
	}
}

func TestLocalGroupDesync(t *testing.T) {
	groups := NewLocalGroup(3, 0)
	errs := runRanks(groups, func(pg ProcessGroup) error {
		if pg.Rank() == 1 {
			return pg.Barrier(context.Background())
		}
		return pg.AllReduce(context.Background(), make([]float32, 4), Sum)
	})
	for r, err := range errs {
		assert.ErrorIs(t, err, ErrDesync, "rank %d", r)
	}

	errs = runRanks(groups, func(pg ProcessGroup) error {
		return pg.AllReduce(context.Background(), make([]float32, 2+pg.Rank()%2), Sum)
	})
	for r, err := range errs {
		assert.ErrorIs(t, err, ErrDesync, "rank %d size mismatch", r)
	}

	errs = runRanks(groups, func(pg ProcessGroup) error { return pg.Close() })
	for r, err := range errs {
		assert.NoError(t, err, "rank %d close after desync", r)
	}
}

func TestLocalGroupTimeoutAndClose(t *testing.T) {
	groups := NewLocalGroup(2, 20*time.Millisecond)
	err := groups[0].Barrier(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLocalGroup(2, 0)[1].Barrier(ctx), context.Canceled)

	groups = NewLocalGroup(2, 0)
	require.NoError(t, errors.Join(runRanks(groups, func(pg ProcessGroup) error { return pg.Close() })...))
	assert.ErrorIs(t, groups[0].Barrier(context.Background()), ErrClosed)
	assert.NoError(t, groups[0].Close(), "close is idempotent")
}

func TestReducerCompletedRoundSurvivesClose(t *testing.T) {
	// One P keeps the woken waiter from running until close has happened.
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))
	barrier := call{kind: opBarrier}
	for i := range 100 {
		r := newReducer(2)
		errc := make(chan error, 1)
		go func() {
			_, err := r.contribute(context.Background(), 1, 0, barrier, nil)
			errc <- err
		}()
		require.Eventually(t, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			rd, ok := r.rounds[0]
			return ok && rd.arrived == 1
		}, time.Second, time.Millisecond)

		_, err := r.contribute(context.Background(), 0, 0, barrier, nil)
		require.NoError(t, err)
		r.close()
		require.NoError(t, <-errc, "iteration %d", i)
	}
}

func TestInitProcessGroupLocal(t *testing.T) {
	env := Env{WorldSize: 1, LocalWorldSize: 1, MasterAddr: DefaultMasterAddr, MasterPort: DefaultMasterPort}
	pg, err := InitProcessGroup(context.Background(), Options{Backend: BackendLocal, Env: env})
	require.NoError(t, err)
	buf := []float32{1, 2}
	require.NoError(t, pg.AllReduce(context.Background(), buf, Sum))
	assert.Equal(t, []float32{1, 2}, buf)
	require.NoError(t, pg.Close())

	env.WorldSize, env.LocalWorldSize = 2, 2
	_, err = InitProcessGroup(context.Background(), Options{Backend: BackendLocal, Env: env})
	assert.Error(t, err)
	_, err = InitProcessGroup(context.Background(), Options{Backend: "nccl", Env: env})
	assert.Error(t, err)
}

func grpcGroups(t *testing.T, world int, initTimeout time.Duration, runID func(rank int) string) ([]ProcessGroup, []error) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	dial := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }

	groups := make([]ProcessGroup, world)
	errs := make([]error, world)
	var g errgroup.Group
	for r := range world {
		g.Go(func() error {
			opts := Options{
				Backend: BackendGRPC,
				Env: Env{
					Rank: r, LocalRank: r, WorldSize: world, LocalWorldSize: world,
					MasterAddr: "bufnet", MasterPort: DefaultMasterPort, RunID: runID(r),
				},
				InitTimeout: initTimeout,
				Dialer:      dial,
			}
			if r == 0 {
				opts.Listener = lis
			}
			groups[r], errs[r] = InitProcessGroup(context.Background(), opts)
			return nil
		})
	}
	g.Wait()
	return groups, errs
}

func TestGRPCGroup(t *testing.T) {
	groups, errs := grpcGroups(t, 3, 10*time.Second, func(int) string { return "run-1" })
	for r, err := range errs {
		require.NoError(t, err, "rank %d init", r)
	}
	checkCollectives(t, groups)

	big := make([][]float32, 3)
	errs = runRanks(groups, func(pg ProcessGroup) error {
		buf := make([]float32, 300_000)
		for i := range buf {
			buf[i] = float32(pg.Rank())
		}
		big[pg.Rank()] = buf
		return pg.AllReduce(context.Background(), buf, Sum)
	})
	for r, err := range errs {
		require.NoError(t, err, "rank %d large all-reduce", r)
		assert.Equal(t, float32(3), big[r][12345])
	}

	errs = runRanks(groups, func(pg ProcessGroup) error {
		if pg.Rank() == 2 {
			return pg.Broadcast(context.Background(), make([]float32, 2), 1)
		}
		return pg.Broadcast(context.Background(), make([]float32, 2), 0)
	})
	for r, err := range errs {
		assert.ErrorIs(t, err, ErrDesync, "rank %d", r)
	}

	for r, err := range runRanks(groups, func(pg ProcessGroup) error { return pg.Close() }) {
		assert.NoError(t, err, "rank %d close", r)
	}
}

func TestGRPCGroupRejectsForeignRun(t *testing.T) {
	groups, errs := grpcGroups(t, 2, 500*time.Millisecond, func(r int) string { return fmt.Sprintf("run-%d", r) })
	assert.ErrorIs(t, errs[1], ErrDesync)
	assert.Nil(t, groups[1])
	// Rank 0 never completes rendezvous; its init times out.
	assert.Error(t, errs[0])
}

func TestCodec(t *testing.T) {
	in := []float32{0, -1.5, 3.25e-8, 65504}
	out, err := decodeFloats(encodeFloats(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
	_, err = decodeFloats([]byte{1, 2, 3})
	assert.Error(t, err)
}
