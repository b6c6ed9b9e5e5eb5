// ============================================================================
// omni-node Server - TCP front-end
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: accept connections, hand each one to the worker pool, and record
//          every outcome in logs, metrics and stats
//
// Goroutines:
//   1. acceptLoop - net.Listener.Accept -> pool.Submit; never blocks on a
//                   connection, rejects (closes) when the pool is full
//   2. pool       - worker goroutines running serveConn (see conn.go); the
//                   outcome is logged and counted on the worker goroutine
//   3. resultLoop - drains pool.Results() into the request histogram; the
//                   channel is lossy so nothing else depends on it
//
// Shutdown (ctx cancelled):
//   listener closed -> acceptLoop returns -> pool.Stop() cancels in-flight
//   connections and waits -> result channel closes -> resultLoop returns
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/omni-node/internal/metrics"
	"github.com/ChuLiYu/omni-node/internal/wire"
	"github.com/ChuLiYu/omni-node/internal/worker"
)

// DefaultAddr is the TCP address used when none is configured.
const DefaultAddr = "127.0.0.1:9696"

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the TCP server settings.
type Config struct {
	Addr           string        // host:port to bind
	Codec          wire.Codec    // body encoding; nil selects wire.DefaultCodec
	MaxConnections int           // concurrent connections; 0 means unbounded
	Backlog        int           // accepted connections waiting for a worker
	IdleTimeout    time.Duration // per-connection deadline; 0 disables
	MaxFrameSize   int           // largest accepted body; 0 selects wire.DefaultMaxFrameSize
}

// Stats is a point-in-time copy of the server counters.
type Stats struct {
	Accepted uint64
	Rejected uint64
	Served   uint64
	Failed   uint64
	Active   int64
}

// Server is the TCP job server.
type Server struct {
	cfg     Config
	tracker *Tracker
	metrics *metrics.Collector
	log     *slog.Logger

	mu sync.Mutex
	ln net.Listener

	accepted atomic.Uint64
	rejected atomic.Uint64
	served   atomic.Uint64
	failed   atomic.Uint64
	active   atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records connection activity on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a server around tracker. Missing config values get their defaults.
func New(cfg Config, tracker *Tracker, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Codec == nil {
		cfg.Codec, _ = wire.Lookup(wire.DefaultCodec)
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if tracker == nil {
		tracker = NewTracker(nil)
	}

	s := &Server{
		cfg:     cfg,
		tracker: tracker,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the configured address. A bind failure is a *wire.TransportError.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return &wire.TransportError{Op: "bind", Addr: s.cfg.Addr, Err: err}
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is cancelled. It returns nil on a
// clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	pool := worker.NewPool(s.cfg.MaxConnections, s.cfg.Backlog, s.serveConn, worker.WithLogger(s.log))
	if err := pool.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("start worker pool: %w", err)
	}

	if pool.Unbounded() {
		s.log.Warn("No connection limit configured; every accepted connection gets its own goroutine",
			"max_connections", 0)
	}
	s.log.Info("Listening for jobs",
		"addr", ln.Addr().String(),
		"codec", s.cfg.Codec.Name(),
		"max_connections", s.cfg.MaxConnections,
		"backlog", s.cfg.Backlog,
		"idle_timeout", s.cfg.IdleTimeout,
	)

	resultsDone := make(chan struct{})
	go func() {
		defer close(resultsDone)
		s.resultLoop(pool.Results())
	}()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	err := s.acceptLoop(ctx, ln, pool)

	pool.Stop()
	<-resultsDone

	s.log.Info("Server stopped", "accepted", s.accepted.Load(), "rejected", s.rejected.Load())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, pool *worker.Pool) error {
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.log.Warn("Accept failed; retrying",
				"error", &wire.TransportError{Op: "accept", Addr: ln.Addr().String(), Err: err},
				"backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		s.log.Debug("Incoming connection", "remote", nc.RemoteAddr().String())

		if err := pool.Submit(worker.Task{Conn: nc, AcceptedAt: time.Now()}); err != nil {
			_ = nc.Close()
			s.rejected.Inc()
			s.metrics.RecordRejected()
			s.log.Warn("Connection rejected", "remote", nc.RemoteAddr().String(), "error", err)
			if errors.Is(err, worker.ErrPoolClosed) {
				return nil
			}
			continue
		}
		s.accepted.Inc()
		s.metrics.RecordAccepted()
	}
}

// serveConn is the worker.Handler for one TCP connection.
func (s *Server) serveConn(ctx context.Context, task worker.Task) worker.Result {
	s.active.Inc()
	s.metrics.ConnectionOpened()

	remote := task.Conn.RemoteAddr().String()
	returned := false
	defer func() {
		s.active.Dec()
		s.metrics.ConnectionClosed()
		if !returned {
			// Handler panic; the worker recovers and logs it.
			s.failed.Inc()
		}
	}()

	c := &conn{
		nc:       task.Conn,
		remote:   remote,
		codec:    s.cfg.Codec,
		tracker:  s.tracker,
		idle:     s.cfg.IdleTimeout,
		maxFrame: s.cfg.MaxFrameSize,
		log:      s.log.With("remote", remote),
	}
	err := c.serve(ctx)
	returned = true
	s.record(ctx, c, err)

	return worker.Result{
		Remote:  remote,
		State:   c.state.String(),
		MaxJobs: c.maxJobs,
		Err:     err,
	}
}

// record logs and counts one finished connection.
func (s *Server) record(ctx context.Context, c *conn, err error) {
	if err == nil {
		s.served.Inc()
		c.log.DebugContext(ctx, "Connection closed", "max_jobs", c.maxJobs)
		return
	}

	s.failed.Inc()
	if label := wire.Label(err); label != "" {
		s.metrics.RecordProtocolError(label)
	}
	c.log.WarnContext(ctx, "Connection failed", "failed_in", c.failedIn.String(), "error", err)
}

func (s *Server) resultLoop(results <-chan worker.Result) {
	for r := range results {
		s.metrics.RecordRequest(r.State, r.Duration)
		if errors.Is(r.Err, worker.ErrPoolClosed) {
			// Queued when the server stopped; serveConn never ran.
			s.failed.Inc()
		}
	}
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Served:   s.served.Load(),
		Failed:   s.failed.Load(),
		Active:   s.active.Load(),
	}
}

// Tracker returns the tracker shared with other front-ends.
func (s *Server) Tracker() *Tracker {
	return s.tracker
}
