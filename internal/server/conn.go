package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/omni-node/internal/wire"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

// ConnState is the lifecycle position of one connection.
//
//	AwaitingRequest -> RequestReceived -> Computed -> ResponseSent -> Closed
//
// Any failure moves the connection to Failed and closes it.
type ConnState int

const (
	AwaitingRequest ConnState = iota
	RequestReceived
	Computed
	ResponseSent
	Closed
	Failed
)

func (s ConnState) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case RequestReceived:
		return "request_received"
	case Computed:
		return "computed"
	case ResponseSent:
		return "response_sent"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ErrPeerClosed means the peer hung up before sending a single byte.
var ErrPeerClosed = errors.New("peer closed before sending a request")

// conn serves exactly one request/response exchange.
type conn struct {
	nc       net.Conn
	remote   string
	codec    wire.Codec
	tracker  *Tracker
	idle     time.Duration
	maxFrame int
	log      *slog.Logger

	state    ConnState
	failedIn ConnState // state reached before the failure, valid when state == Failed
	maxJobs  uint64
}

// serve drives the state machine to Closed or Failed. The connection is always closed on return.
func (c *conn) serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.nc.Close() })
	defer stop()

	err := c.exchange(ctx)
	_ = c.nc.Close()

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		c.failedIn = c.state
		c.state = Failed
		return err
	}
	c.state = Closed
	return nil
}

func (c *conn) exchange(ctx context.Context) error {
	if c.idle > 0 {
		if err := c.nc.SetDeadline(time.Now().Add(c.idle)); err != nil {
			return &wire.TransportError{Op: "deadline", Addr: c.remote, Err: err}
		}
	}

	var req types.JobRequest
	if err := wire.ReadFrame(c.nc, c.codec, &req, c.maxFrame); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrPeerClosed
		}
		return c.withAddr(err)
	}
	c.state = RequestReceived
	c.log.DebugContext(ctx, "Received job", "job", req.String())

	resp, err := c.tracker.Submit(ctx, req)
	if err != nil {
		return &wire.ProtocolError{Op: "decode", Codec: c.codec.Name(), Reason: wire.ErrSchema, Err: err}
	}
	c.state = Computed
	c.maxJobs = resp.MaxJobs

	if err := wire.WriteFrame(c.nc, c.codec, &resp); err != nil {
		return c.withAddr(err)
	}
	c.state = ResponseSent
	return nil
}

func (c *conn) withAddr(err error) error {
	var te *wire.TransportError
	if errors.As(err, &te) && te.Addr == "" {
		te.Addr = c.remote
	}
	return err
}
