package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/omni-node/internal/metrics"
	"github.com/ChuLiYu/omni-node/internal/wire"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

// SubmitJobMethod is the full gRPC method name of JobService.SubmitJob.
const SubmitJobMethod = "/omni.v1.JobService/SubmitJob"

// JobServiceServer is the server API for JobService (api/proto/v1/omni.proto).
type JobServiceServer interface {
	SubmitJob(context.Context, *types.JobRequest) (*types.JobResponse, error)
}

// JobServiceDesc registers JobService without generated stubs; messages are
// carried by whichever wire.Codec the server is forced to.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: "omni.v1.JobService",
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitJob",
			Handler:    submitJobHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/proto/v1/omni.proto",
}

func submitJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(types.JobRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).SubmitJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: SubmitJobMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).SubmitJob(ctx, req.(*types.JobRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterJobServiceServer attaches srv to s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

// JobServiceClient is the client API for JobService.
type JobServiceClient interface {
	SubmitJob(ctx context.Context, in *types.JobRequest, opts ...grpc.CallOption) (*types.JobResponse, error)
}

type jobServiceClient struct {
	cc    grpc.ClientConnInterface
	codec wire.Codec
}

// NewJobServiceClient returns a client that encodes messages with codec.
func NewJobServiceClient(cc grpc.ClientConnInterface, codec wire.Codec) JobServiceClient {
	return &jobServiceClient{cc: cc, codec: codec}
}

func (c *jobServiceClient) SubmitJob(ctx context.Context, in *types.JobRequest, opts ...grpc.CallOption) (*types.JobResponse, error) {
	out := new(types.JobResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(c.codec)}, opts...)
	if err := c.cc.Invoke(ctx, SubmitJobMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// jobService serves JobService from the shared Tracker.
type jobService struct {
	tracker *Tracker
}

func (s *jobService) SubmitJob(ctx context.Context, in *types.JobRequest) (*types.JobResponse, error) {
	resp, err := s.tracker.Submit(ctx, *in)
	if err != nil {
		if errors.Is(err, types.ErrNegativeDuration) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &resp, nil
}

// GRPCServer is the optional gRPC front-end. It shares the Tracker, and therefore the
// registry, with the TCP server.
type GRPCServer struct {
	addr    string
	srv     *grpc.Server
	metrics *metrics.Collector
	log     *slog.Logger
}

// DefaultGRPCAddr is the gRPC address used when none is configured.
const DefaultGRPCAddr = "127.0.0.1:9697"

// NewGRPCServer builds a gRPC server for JobService on addr using codec for message bodies.
// m and log may be nil.
func NewGRPCServer(addr string, codec wire.Codec, tracker *Tracker, m *metrics.Collector, log *slog.Logger) *GRPCServer {
	if addr == "" {
		addr = DefaultGRPCAddr
	}
	if codec == nil {
		codec, _ = wire.Lookup(wire.DefaultCodec)
	}
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	if log == nil {
		log = slog.Default()
	}

	g := &GRPCServer{
		addr:    addr,
		metrics: m,
		log:     log,
	}
	g.srv = grpc.NewServer(
		grpc.ForceServerCodec(codec),
		grpc.ChainUnaryInterceptor(g.observe),
	)
	RegisterJobServiceServer(g.srv, &jobService{tracker: tracker})
	return g
}

// observe logs and counts each call the way the TCP server counts connections.
func (g *GRPCServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	resp, err := handler(ctx, req)

	state := Closed
	if err != nil {
		state = Failed
		g.log.Warn("gRPC call failed", "method", info.FullMethod, "error", err)
	} else if r, ok := resp.(*types.JobResponse); ok {
		g.log.Debug("gRPC call served", "method", info.FullMethod, "max_jobs", r.MaxJobs)
	}
	g.metrics.RecordRequest(state.String(), time.Since(start))
	return resp, err
}

// Serve accepts gRPC connections on ln until ctx is cancelled.
func (g *GRPCServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, g.srv.GracefulStop)
	defer stop()

	g.log.Info("Listening for gRPC jobs", "addr", ln.Addr().String())
	if err := g.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return &wire.TransportError{Op: "accept", Addr: ln.Addr().String(), Err: err}
	}
	return nil
}

// ListenAndServe binds the configured address and serves until ctx is cancelled.
func (g *GRPCServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return &wire.TransportError{Op: "bind", Addr: g.addr, Err: err}
	}
	return g.Serve(ctx, ln)
}

// Stop closes every connection immediately.
func (g *GRPCServer) Stop() {
	g.srv.Stop()
}
