// Package types defines the job descriptions exchanged between omni-node clients and the server.
package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNegativeDuration is returned by Validate for a job that ends before it starts.
var ErrNegativeDuration = errors.New("negative duration")

// JobRequest describes a job scheduled by a client: (start time, duration, id).
type JobRequest struct {
	StartTime time.Time     // absolute start, UTC, millisecond precision
	Duration  time.Duration // non-negative, millisecond precision
	ID        uuid.UUID     // generated client-side, no central allocator
}

// JobResponse carries the maximum number of concurrent jobs at the busiest interval.
type JobResponse struct {
	MaxJobs uint64
}

// NewJobRequest builds a request normalized to the wire precision: start time in UTC and both
// fields truncated to whole milliseconds.
func NewJobRequest(start time.Time, d time.Duration, id uuid.UUID) JobRequest {
	return JobRequest{
		StartTime: start.UTC().Truncate(time.Millisecond),
		Duration:  d.Truncate(time.Millisecond),
		ID:        id,
	}
}

// End returns the instant the job finishes.
func (j JobRequest) End() time.Time {
	return j.StartTime.Add(j.Duration)
}

// Validate reports whether the request can be accepted.
func (j JobRequest) Validate() error {
	if j.Duration < 0 {
		return fmt.Errorf("job %s: %w %s", j.ID, ErrNegativeDuration, j.Duration)
	}
	return nil
}

// Equal reports whether both requests describe the same (start, duration, id) triple.
func (j JobRequest) Equal(o JobRequest) bool {
	return Compare(j, o) == 0
}

func (j JobRequest) String() string {
	return fmt.Sprintf("Job{id=%s start=%s duration=%s}",
		j.ID, j.StartTime.Format(time.RFC3339Nano), j.Duration)
}

// Compare orders requests lexicographically by start time, then duration, then id bytes.
func Compare(a, b JobRequest) int {
	if c := a.StartTime.Compare(b.StartTime); c != 0 {
		return c
	}
	switch {
	case a.Duration < b.Duration:
		return -1
	case a.Duration > b.Duration:
		return 1
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// Less is Compare(a, b) < 0, in the shape ordered containers expect.
func Less(a, b JobRequest) bool {
	return Compare(a, b) < 0
}
