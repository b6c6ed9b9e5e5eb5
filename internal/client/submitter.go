package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/omni-node/internal/server"
	"github.com/ChuLiYu/omni-node/internal/wire"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

// Submitter sends one job and waits for the server's answer.
type Submitter interface {
	Submit(ctx context.Context, job types.JobRequest) (types.JobResponse, error)
	Close() error
}

// DefaultTimeout bounds a single exchange when the context has no deadline.
const DefaultTimeout = 10 * time.Second

// TCPSubmitter opens a fresh connection per job: one frame out, one frame back.
type TCPSubmitter struct {
	Addr    string
	Codec   wire.Codec
	Timeout time.Duration // whole exchange, dial included; 0 selects DefaultTimeout

	dialer net.Dialer
}

// NewTCPSubmitter targets addr with codec (nil selects wire.DefaultCodec).
func NewTCPSubmitter(addr string, codec wire.Codec, timeout time.Duration) *TCPSubmitter {
	if codec == nil {
		codec, _ = wire.Lookup(wire.DefaultCodec)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPSubmitter{Addr: addr, Codec: codec, Timeout: timeout}
}

// Submit performs one request/response exchange. Connect and I/O failures are
// *wire.TransportError; malformed replies are *wire.ProtocolError.
func (s *TCPSubmitter) Submit(ctx context.Context, job types.JobRequest) (types.JobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	nc, err := s.dialer.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return types.JobResponse{}, &wire.TransportError{Op: "connect", Addr: s.Addr, Err: err}
	}
	defer nc.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	if err := wire.WriteFrame(nc, s.Codec, &job); err != nil {
		return types.JobResponse{}, s.withAddr(err)
	}

	var resp types.JobResponse
	if err := wire.ReadFrame(nc, s.Codec, &resp, 0); err != nil {
		if errors.Is(err, io.EOF) {
			err = &wire.TransportError{Op: "read", Err: fmt.Errorf("server closed the connection without a response: %w", io.ErrUnexpectedEOF)}
		}
		return types.JobResponse{}, s.withAddr(err)
	}
	return resp, nil
}

// Close is a no-op; connections do not outlive Submit.
func (s *TCPSubmitter) Close() error {
	return nil
}

func (s *TCPSubmitter) withAddr(err error) error {
	var te *wire.TransportError
	if errors.As(err, &te) && te.Addr == "" {
		te.Addr = s.Addr
	}
	return err
}

// GRPCSubmitter sends jobs over the gRPC front-end on one shared connection.
type GRPCSubmitter struct {
	conn    *grpc.ClientConn
	client  server.JobServiceClient
	timeout time.Duration
}

// NewGRPCSubmitter connects lazily to addr. Extra dial options are appended to the
// insecure transport default.
func NewGRPCSubmitter(addr string, codec wire.Codec, timeout time.Duration, opts ...grpc.DialOption) (*GRPCSubmitter, error) {
	if codec == nil {
		codec, _ = wire.Lookup(wire.DefaultCodec)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, &wire.TransportError{Op: "connect", Addr: addr, Err: err}
	}
	return &GRPCSubmitter{
		conn:    conn,
		client:  server.NewJobServiceClient(conn, codec),
		timeout: timeout,
	}, nil
}

// Submit calls JobService.SubmitJob.
func (s *GRPCSubmitter) Submit(ctx context.Context, job types.JobRequest) (types.JobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.SubmitJob(ctx, &job)
	if err != nil {
		return types.JobResponse{}, fmt.Errorf("submit job over grpc: %w", err)
	}
	return *resp, nil
}

// Close releases the connection.
func (s *GRPCSubmitter) Close() error {
	return s.conn.Close()
}
