package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/omni-node/internal/metrics"
	"github.com/ChuLiYu/omni-node/internal/overlap"
	"github.com/ChuLiYu/omni-node/internal/registry"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

// Tracker turns one submitted job into a response: insert, snapshot, sweep.
// It is shared by every transport and safe for concurrent use.
type Tracker struct {
	registry *registry.Registry
	calc     overlap.Calculator
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTieBreak overrides overlap.DefaultTieBreak.
func WithTieBreak(tb overlap.TieBreak) TrackerOption {
	return func(t *Tracker) { t.calc.TieBreak = tb }
}

// WithClock replaces time.Now for the running-job filter.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithTrackerMetrics records each calculation on m.
func WithTrackerMetrics(m *metrics.Collector) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithTrackerLogger sets the logger for the running-jobs report.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTracker wraps reg. A nil reg gets a fresh registry.
func NewTracker(reg *registry.Registry, opts ...TrackerOption) *Tracker {
	if reg == nil {
		reg = registry.New()
	}
	t := &Tracker{
		registry: reg,
		calc:     overlap.Calculator{TieBreak: overlap.DefaultTieBreak},
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit records job and returns the busiest-interval size over every job seen so far,
// job included.
func (t *Tracker) Submit(ctx context.Context, job types.JobRequest) (types.JobResponse, error) {
	if err := job.Validate(); err != nil {
		return types.JobResponse{}, fmt.Errorf("invalid job: %w", err)
	}

	snapshot, added := t.registry.InsertAndSnapshot(job)
	if !added {
		t.log.DebugContext(ctx, "Duplicate job ignored", "job", job.String())
	}

	start := time.Now()
	res := t.calc.Calculate(snapshot, t.now())
	elapsed := time.Since(start)

	t.metrics.RecordCalculation(len(snapshot), res.MaxJobs, len(res.Running), elapsed)

	running := make([]string, 0, len(res.Running))
	for _, j := range res.Running {
		running = append(running, j.String())
	}
	t.log.InfoContext(ctx, "Currently running jobs",
		slog.Group("currently_running_jobs",
			"count", len(running),
			"jobs", running,
		),
		"max_jobs", res.MaxJobs,
		"registry_size", len(snapshot),
	)

	return types.JobResponse{MaxJobs: uint64(res.MaxJobs)}, nil
}

// Len returns the number of distinct jobs recorded.
func (t *Tracker) Len() int {
	return t.registry.Len()
}
