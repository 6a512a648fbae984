// Package outqueue implements spacelink's per-peer outbound queue and its
// pause/resume control channel, per spec.md §4.6. It is grounded on the
// mutex-guarded, bounded-capacity bookkeeping style of the teacher's
// internal/dht/rate_limiter.go (a plain sync.Mutex protecting a small map of
// per-key state, no channels), adapted here to a single FIFO of queued
// datagrams per peer (pkg/dispatch keeps one Queue per peer address) rather
// than a token bucket per peer.
package outqueue

import (
	"sync"

	"github.com/spacelink/spacelink/pkg/errs"
)

// Queue is a bounded FIFO of not-yet-sent datagrams, gated by Pause/Resume.
// While paused, Push still enqueues up to Capacity items; beyond that it
// reports Overrun so the caller can fail the session rather than grow
// memory unbounded, matching spec.md §4.6's "pause does not buffer
// indefinitely" requirement.
type Queue struct {
	mu       sync.Mutex
	items    [][]byte
	capacity int
	paused   bool
}

// New creates a Queue that holds at most capacity unsent datagrams.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// DefaultCapacity bounds a peer's outbound backlog absent config override.
const DefaultCapacity = 64

// Pause stops Pop from returning items already queued or newly pushed,
// without discarding them.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables Pop.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Paused reports the current pause state.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Push enqueues a datagram for later delivery. It returns errs.Overrun if
// the queue is already at capacity, regardless of pause state.
func (q *Queue) Push(datagram []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return errs.Overrun
	}
	q.items = append(q.items, datagram)
	return nil
}

// Pop removes and returns the oldest queued datagram. It returns false if
// the queue is paused or empty.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of datagrams currently queued, paused or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
