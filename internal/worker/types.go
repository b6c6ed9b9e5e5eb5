package worker

import (
	"context"
	"net"
	"time"
)

// Task is one accepted connection waiting for a worker.
type Task struct {
	Conn       net.Conn  // owned by the handler once dispatched
	AcceptedAt time.Time // when the accept loop handed it over
}

// Result is reported once per Task after the handler returns.
type Result struct {
	Remote   string        // peer address
	State    string        // final connection state as named by the handler
	MaxJobs  uint64        // value sent back to the peer, zero when none was sent
	Err      error         // nil on a clean exchange
	Duration time.Duration // accept to close
}

// Handler serves a single connection. It must close task.Conn before returning.
type Handler func(ctx context.Context, task Task) Result
