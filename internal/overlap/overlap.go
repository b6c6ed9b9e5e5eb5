// Package overlap computes how many jobs of a snapshot run at the same time.
//
// The count is a sweep line: every job contributes a Start event at its start time and an End
// event at start+duration. Events are sorted by time and walked left to right with a running
// counter; the largest value the counter reaches is the size of the busiest interval.
package overlap

import (
	"slices"
	"time"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// Bound is the kind of an interval event.
type Bound int

const (
	Start Bound = iota
	End
)

func (b Bound) String() string {
	if b == Start {
		return "start"
	}
	return "end"
}

// TieBreak decides which event comes first when a Start and an End share a timestamp.
type TieBreak int

const (
	// StartBeforeEnd counts a job that begins exactly when another ends as overlapping it at
	// that instant. Zero-duration jobs therefore count as one running job.
	StartBeforeEnd TieBreak = iota
	// EndBeforeStart treats intervals as half-open: touching jobs do not overlap, and a
	// zero-duration job never raises the count.
	EndBeforeStart
)

// DefaultTieBreak is the policy used by Calculate.
const DefaultTieBreak = StartBeforeEnd

func (tb TieBreak) String() string {
	switch tb {
	case StartBeforeEnd:
		return "start-before-end"
	case EndBeforeStart:
		return "end-before-start"
	}
	return "unknown"
}

// Event is one boundary of one job.
type Event struct {
	At   time.Time
	Kind Bound
}

// Result is the outcome of one calculation.
type Result struct {
	// MaxJobs is the largest number of jobs active at any single instant.
	MaxJobs int
	// Running lists the jobs with start <= now <= end, in snapshot order.
	Running []types.JobRequest
}

// Calculator runs the sweep with a fixed tie-break policy.
type Calculator struct {
	TieBreak TieBreak
}

// Calculate uses DefaultTieBreak. It is total: an empty snapshot yields MaxJobs == 0.
func Calculate(jobs []types.JobRequest, now time.Time) Result {
	return Calculator{TieBreak: DefaultTieBreak}.Calculate(jobs, now)
}

// Calculate computes the busiest-interval size and the jobs running at now.
func (c Calculator) Calculate(jobs []types.JobRequest, now time.Time) Result {
	return Result{
		MaxJobs: c.MaxConcurrent(jobs),
		Running: Running(jobs, now),
	}
}

// MaxConcurrent returns the size of the busiest interval. O(n log n) time, O(n) space.
func (c Calculator) MaxConcurrent(jobs []types.JobRequest) int {
	events := Events(jobs)
	c.sort(events)

	count, peak := 0, 0
	for _, e := range events {
		if e.Kind == Start {
			count++
			peak = max(peak, count)
		} else {
			count--
		}
	}
	return peak
}

// Events expands each job into its Start and End events, unsorted.
func Events(jobs []types.JobRequest) []Event {
	events := make([]Event, 0, 2*len(jobs))
	for _, j := range jobs {
		events = append(events,
			Event{At: j.StartTime, Kind: Start},
			Event{At: j.End(), Kind: End},
		)
	}
	return events
}

func (c Calculator) sort(events []Event) {
	first := Start
	if c.TieBreak == EndBeforeStart {
		first = End
	}
	slices.SortFunc(events, func(a, b Event) int {
		if cmp := a.At.Compare(b.At); cmp != 0 {
			return cmp
		}
		switch {
		case a.Kind == b.Kind:
			return 0
		case a.Kind == first:
			return -1
		}
		return 1
	})
}

// Running filters jobs active at now, both boundaries inclusive.
func Running(jobs []types.JobRequest, now time.Time) []types.JobRequest {
	running := make([]types.JobRequest, 0)
	for _, j := range jobs {
		if !j.StartTime.After(now) && !now.After(j.End()) {
			running = append(running, j)
		}
	}
	return running
}
