// Package client drives a stream of random jobs against an omni-node server and reports the
// busiest interval the server sees after each one.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/omni-node/internal/metrics"
)

// DefaultRequests is how many jobs a client sends before exiting.
const DefaultRequests = 30

// DefaultInterval is the pause between two submissions.
const DefaultInterval = 5 * time.Second

// ErrAllFailed is returned by Run when not a single submission succeeded.
var ErrAllFailed = errors.New("every request failed")

// Report summarizes a run.
type Report struct {
	Attempted   int
	Succeeded   int
	Failed      int
	LastMaxJobs uint64
}

// Runner submits jobs from Generator through Submitter.
type Runner struct {
	Submitter Submitter
	Generator *Generator
	Requests  int           // 0 runs until ctx is cancelled
	Interval  time.Duration // pause after each submission except the last
	Log       *slog.Logger
	Metrics   *metrics.Collector
}

// Run submits jobs until Requests have been attempted or ctx is cancelled. A failed iteration
// is logged and the loop moves on. The error is non-nil only when every attempted submission
// failed; cancellation on its own is a clean stop.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	var (
		report  Report
		lastErr error
	)
	for r.Requests == 0 || report.Attempted < r.Requests {
		if ctx.Err() != nil {
			break
		}

		job := r.Generator.Next()
		log.Debug("Submitting job", "job", job.String())

		resp, err := r.Submitter.Submit(ctx, job)
		if err != nil && ctx.Err() != nil {
			// Interrupted mid-exchange; not counted against the server.
			break
		}
		report.Attempted++
		r.Metrics.RecordClientRequest(err)

		if err != nil {
			report.Failed++
			lastErr = err
			log.Warn("Request failed", "attempt", report.Attempted, "error", err)
		} else {
			report.Succeeded++
			report.LastMaxJobs = resp.MaxJobs
			log.Info(fmt.Sprintf("The busiest server activity in the future contains %d jobs.", resp.MaxJobs),
				"max_jobs", resp.MaxJobs)
		}

		if r.Requests != 0 && report.Attempted >= r.Requests {
			break
		}
		if !sleep(ctx, r.Interval) {
			break
		}
	}

	log.Info("Client finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)

	if report.Attempted > 0 && report.Succeeded == 0 {
		return report, fmt.Errorf("%w (%d attempts): %w", ErrAllFailed, report.Attempted, lastErr)
	}
	return report, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
