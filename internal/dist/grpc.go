package dist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/headlands-org/go-finetune/internal/metrics"
)

const (
	collectiveService = "finetune.dist.v1.Collective"
	exchangeMethod    = "/" + collectiveService + "/Exchange"

	// Collective calls carry their header in metadata and the float32
	// payload as a BytesValue.
	mdRank  = "x-finetune-rank"
	mdSeq   = "x-finetune-seq"
	mdKind  = "x-finetune-kind"
	mdOp    = "x-finetune-op"
	mdRoot  = "x-finetune-root"
	mdSize  = "x-finetune-size"
	mdWorld = "x-finetune-world"
	mdRunID = "x-finetune-run-id"

	maxMessageSize = 1 << 30
)

// collectiveServer is served by rank 0.
type collectiveServer interface {
	Exchange(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: exchangeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(collectiveServer).Exchange(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: collectiveService,
	HandlerType: (*collectiveServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "finetune/dist/v1/collective.proto",
}

// master adapts the reducer to the Exchange RPC.
type master struct {
	red   *reducer
	runID string
}

func (m *master) Exchange(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) (int, error) {
		v := md.Get(key)
		if len(v) != 1 {
			return 0, status.Errorf(codes.InvalidArgument, "missing %s", key)
		}
		n, err := strconv.Atoi(v[0])
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		return n, nil
	}

	var h [7]int
	for i, key := range []string{mdRank, mdSeq, mdKind, mdOp, mdRoot, mdSize, mdWorld} {
		n, err := get(key)
		if err != nil {
			return nil, err
		}
		h[i] = n
	}
	rank, seq, world := h[0], uint64(h[1]), h[6]
	c := call{kind: opKind(h[2]), op: ReduceOp(h[3]), root: h[4], size: h[5]}
	if world != m.red.world {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d expects world size %d, master has %d", rank, world, m.red.world)
	}
	if v := md.Get(mdRunID); m.runID != "" && (len(v) != 1 || v[0] != m.runID) {
		return nil, status.Errorf(codes.FailedPrecondition, "rank %d belongs to run %v, master runs %s", rank, v, m.runID)
	}

	data, err := decodeFloats(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := m.red.contribute(ctx, rank, seq, c, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(encodeFloats(res)), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrDesync):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrClosed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrDesync, st.Message())
	case codes.Aborted:
		return ErrClosed
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	default:
		return err
	}
}

func encodeFloats(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not float32 aligned", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

// masterServer multiplexes the collective gRPC service and the HTTP
// endpoints (/metrics, /healthz) on one listener.
type masterServer struct {
	lis      net.Listener
	grpc     *grpc.Server
	http     *http.Server
	group    errgroup.Group
	stopping atomic.Bool
}

func startMaster(lis net.Listener, m *master, log logr.Logger) *masterServer {
	s := &masterServer{lis: lis}
	s.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(metrics.MetricsInterceptor),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	s.grpc.RegisterService(&collectiveServiceDesc, m)

	cm := cmux.New(lis)
	grpcL := cm.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := cm.Match(cmux.HTTP1Fast())

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	s.http = &http.Server{
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serve := func(name string, fn func() error) {
		s.group.Go(func() error {
			err := fn()
			if s.stopping.Load() {
				return nil
			}
			log.Error(err, "master server exited", "server", name)
			return err
		})
	}
	log.Info("master listening", "addr", lis.Addr().String())
	serve("grpc", func() error { return s.grpc.Serve(grpcL) })
	serve("http", func() error { return s.http.Serve(httpL) })
	serve("cmux", cm.Serve)
	return s
}

func (s *masterServer) stop() error {
	s.stopping.Store(true)
	s.grpc.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
	s.lis.Close()
	return s.group.Wait()
}

// grpcGroup is one process of a multi-process group. Rank 0 hosts the reducer
// and contributes to it directly; other ranks call it over gRPC.
type grpcGroup struct {
	env     Env
	timeout time.Duration
	log     logr.Logger
	seq     uint64

	red  *reducer
	srv  *masterServer
	conn *grpc.ClientConn

	closeOnce sync.Once
	closeErr  error
}

func newGRPCGroup(ctx context.Context, opts Options) (*grpcGroup, error) {
	env := opts.Env
	g := &grpcGroup{
		env:     env,
		timeout: opts.CollectiveTimeout,
		log:     opts.Logger.WithValues("rank", env.Rank, "world", env.WorldSize),
	}

	if env.Rank == 0 {
		lis := opts.Listener
		if lis == nil {
			var err error
			if lis, err = net.Listen("tcp", ":"+strconv.Itoa(env.MasterPort)); err != nil {
				return nil, fmt.Errorf("listen on master port: %w", err)
			}
		}
		g.red = newReducer(env.WorldSize)
		g.srv = startMaster(lis, &master{red: g.red, runID: env.RunID}, g.log)
	} else {
		dialOpts := []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMessageSize), grpc.MaxCallSendMsgSize(maxMessageSize)),
		}
		if opts.Dialer != nil {
			dialOpts = append(dialOpts, grpc.WithContextDialer(opts.Dialer))
		}
		conn, err := grpc.NewClient("passthrough:///"+env.MasterEndpoint(), dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("connect to master %s: %w", env.MasterEndpoint(), err)
		}
		g.conn = conn
	}

	// Rendezvous is the first barrier; workers wait for the master to come up.
	initCtx, cancel := withTimeout(ctx, opts.InitTimeout)
	defer cancel()
	start := time.Now()
	if _, err := g.exchange(initCtx, call{kind: opBarrier}, nil, grpc.WaitForReady(true)); err != nil {
		g.teardown()
		return nil, fmt.Errorf("rendezvous at %s: %w", env.MasterEndpoint(), err)
	}
	g.log.Info("process group initialized", "master", env.MasterEndpoint(), "elapsed", time.Since(start).String())
	return g, nil
}

func (g *grpcGroup) Rank() int      { return g.env.Rank }
func (g *grpcGroup) WorldSize() int { return g.env.WorldSize }

func (g *grpcGroup) exchange(ctx context.Context, c call, data []float32, opts ...grpc.CallOption) ([]float32, error) {
	seq := g.seq
	g.seq++
	defer metrics.ObserveCollective(c.kind.String(), time.Now())

	if g.red != nil {
		return g.red.contribute(ctx, 0, seq, c, data)
	}
	md := metadata.Pairs(
		mdRank, strconv.Itoa(g.env.Rank),
		mdSeq, strconv.FormatUint(seq, 10),
		mdKind, strconv.Itoa(int(c.kind)),
		mdOp, strconv.Itoa(int(c.op)),
		mdRoot, strconv.Itoa(c.root),
		mdSize, strconv.Itoa(c.size),
		mdWorld, strconv.Itoa(g.env.WorldSize),
	)
	if g.env.RunID != "" {
		md.Set(mdRunID, g.env.RunID)
	}
	out := new(wrapperspb.BytesValue)
	if err := g.conn.Invoke(metadata.NewOutgoingContext(ctx, md), exchangeMethod, wrapperspb.Bytes(encodeFloats(data)), out, opts...); err != nil {
		return nil, fromStatus(err)
	}
	res, err := decodeFloats(out.GetValue())
	if err != nil {
		return nil, err
	}
	if c.kind != opBarrier && len(res) != c.size {
		return nil, fmt.Errorf("%s: master returned %d values", c, len(res))
	}
	return res, nil
}

func (g *grpcGroup) run(ctx context.Context, c call, data []float32) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, g.timeout)
	defer cancel()
	return g.exchange(ctx, c, data)
}

func (g *grpcGroup) AllReduce(ctx context.Context, buf []float32, op ReduceOp) error {
	res, err := g.run(ctx, call{kind: opAllReduce, op: op, size: len(buf)}, buf)
	if err != nil {
		return err
	}
	copy(buf, res)
	return nil
}

func (g *grpcGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	res, err := g.run(ctx, call{kind: opBroadcast, root: root, size: len(buf)}, buf)
	if err != nil {
		return err
	}
	if g.env.Rank != root {
		copy(buf, res)
	}
	return nil
}

func (g *grpcGroup) Barrier(ctx context.Context) error {
	_, err := g.run(ctx, call{kind: opBarrier}, nil)
	return err
}

func (g *grpcGroup) Close() error {
	g.closeOnce.Do(func() {
		err := g.Barrier(context.Background())
		if terr := g.teardown(); err == nil {
			err = terr
		}
		g.closeErr = err
		g.log.Info("process group closed")
	})
	return g.closeErr
}

func (g *grpcGroup) teardown() error {
	var err error
	if g.srv != nil {
		g.red.close()
		err = g.srv.stop()
	}
	if g.conn != nil {
		err = g.conn.Close()
	}
	return err
}
