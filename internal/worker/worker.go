// ============================================================================
// omni-node Worker - Connection Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: long-lived goroutine that serves connections handed over by the pool
//
// How it works:
//   1. Receive a Task from taskCh (blocking wait)
//   2. Run the pool's Handler on it
//   3. Send the Result to resultCh
//   4. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ serve(task) + recover   │   │
//   │  │   └─ report(result)          │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Panic handling:
//   A handler panic is recovered per task. The connection is closed, the
//   Result carries ErrHandlerPanic, and the worker keeps serving.
//
// Shutdown:
//   Tasks still queued when the pool context is cancelled are not served;
//   their connections are closed and reported with ErrPoolClosed.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker serves tasks from a shared channel.
type Worker struct {
	id      int
	taskCh  <-chan Task
	handler Handler
	report  func(Result)
	log     *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, handler Handler, report func(Result), log *slog.Logger) *Worker {
	return &Worker{
		id:      id,
		taskCh:  taskCh,
		handler: handler,
		report:  report,
		log:     log,
	}
}

// Run is the worker main loop. It returns when taskCh is closed.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		w.report(serve(ctx, w.handler, task, w.log.With("worker", w.id)))
	}
}

// serve runs handler on task, turning a panic into a failed Result.
func serve(ctx context.Context, handler Handler, task Task, log *slog.Logger) (result Result) {
	remote := remoteAddr(task)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Connection handler panicked", "remote", remote, "panic", r)
			closeConn(task)
			result = Result{
				Remote: remote,
				State:  "failed",
				Err:    fmt.Errorf("%w: %v", ErrHandlerPanic, r),
			}
		}
		result.Remote = remote
		if !task.AcceptedAt.IsZero() {
			result.Duration = time.Since(task.AcceptedAt)
		}
	}()

	if ctx.Err() != nil {
		closeConn(task)
		return Result{State: "failed", Err: ErrPoolClosed}
	}
	return handler(ctx, task)
}

func remoteAddr(task Task) string {
	if task.Conn == nil || task.Conn.RemoteAddr() == nil {
		return ""
	}
	return task.Conn.RemoteAddr().String()
}

func closeConn(task Task) {
	if task.Conn != nil {
		_ = task.Conn.Close()
	}
}
