// ============================================================================
// omni-node Job Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: process-wide, append-only set of submitted jobs
//
// Data structure:
//   jobs *btree.BTreeG[types.JobRequest] - ordered by types.Less, so the
//   (start, duration, id) triple doubles as the deduplication key.
//
// Concurrency:
//   - one sync.Mutex; the only exported mutation is InsertAndSnapshot
//   - the critical section is insert + copy-on-write Clone, both O(log n)
//   - the clone is walked into a slice after the lock is released, so callers
//     read their snapshot without holding anything and never block inserts
//
// Lock recovery:
//   Every critical section runs through withLock, which releases the mutex on
//   unwind. A handler that panics mid-insert leaves the registry usable for the
//   next connection.
//
// ============================================================================

package registry

import (
	"sync"

	"github.com/google/btree"

	"github.com/ChuLiYu/omni-node/pkg/types"
)

// degree of the underlying B-tree; 32 keeps nodes around a few cache lines of JobRequest.
const degree = 32

// Registry is the set of every job submitted since the process started.
type Registry struct {
	mu   sync.Mutex
	jobs *btree.BTreeG[types.JobRequest]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		jobs: btree.NewG[types.JobRequest](degree, types.Less),
	}
}

// InsertAndSnapshot adds job to the set and returns every job present at the instant of the
// insertion, in order, including job itself. added is false when an identical triple was
// already present, in which case the set is unchanged.
//
// The returned slice is owned by the caller.
func (r *Registry) InsertAndSnapshot(job types.JobRequest) (snapshot []types.JobRequest, added bool) {
	var frozen *btree.BTreeG[types.JobRequest]
	r.withLock(func() {
		_, replaced := r.jobs.ReplaceOrInsert(job)
		added = !replaced
		frozen = r.jobs.Clone()
	})

	snapshot = make([]types.JobRequest, 0, frozen.Len())
	frozen.Ascend(func(j types.JobRequest) bool {
		snapshot = append(snapshot, j)
		return true
	})
	return snapshot, added
}

// Len returns the number of distinct jobs.
func (r *Registry) Len() int {
	var n int
	r.withLock(func() {
		n = r.jobs.Len()
	})
	return n
}

// withLock runs fn while holding the registry mutex and releases it even if fn panics.
func (r *Registry) withLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
