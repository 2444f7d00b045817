// Package queue provides the fixed-capacity FIFO channels that connect the
// pipeline stages. Offers never block the producer; the full-queue policy
// decides what is lost.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Policy is the behaviour of Offer on a full queue.
type Policy int

const (
	// DropOldest evicts the oldest queued item to admit the new one. Used
	// where freshness matters more than completeness (raw frames).
	DropOldest Policy = iota
	// RejectNewest refuses the new item and reports ErrFull.
	RejectNewest
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNewest:
		return "reject-newest"
	}
	return "unknown"
}

var (
	// ErrFull is returned by Offer on a full RejectNewest queue.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Offer after Close.
	ErrClosed = errors.New("queue closed")
)

// Bounded is a FIFO of at most Cap items. It is safe for concurrent use.
type Bounded[T any] struct {
	name   string
	policy Policy
	ch     chan T

	// offerMu serialises producers so an eviction and the following send
	// are observed together.
	offerMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	offered  atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	taken    atomic.Uint64
}

// Stats counts queue traffic since construction.
type Stats struct {
	Name     string `json:"name"`
	Policy   string `json:"policy"`
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Offered  uint64 `json:"offered"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
	Taken    uint64 `json:"taken"`
}

// New creates a queue. Capacity below one is raised to one.
func New[T any](name string, capacity int, policy Policy) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		name:   name,
		policy: policy,
		ch:     make(chan T, capacity),
		done:   make(chan struct{}),
	}
}

// Offer enqueues v without blocking. With DropOldest it reports how many
// items were evicted; with RejectNewest a full queue returns ErrFull.
func (q *Bounded[T]) Offer(v T) (evicted int, err error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	q.offerMu.Lock()
	defer q.offerMu.Unlock()
	q.offered.Add(1)

	for {
		select {
		case q.ch <- v:
			return evicted, nil
		default:
		}
		if q.policy == RejectNewest {
			q.rejected.Add(1)
			return 0, ErrFull
		}
		select {
		case <-q.ch:
			evicted++
			q.dropped.Add(1)
		default:
			// A consumer emptied a slot between the two selects.
		}
	}
}

// Take removes the oldest item, waiting at most wait. ok is false when the
// wait elapsed, ctx was cancelled or the queue was closed and drained.
func (q *Bounded[T]) Take(ctx context.Context, wait time.Duration) (v T, ok bool) {
	select {
	case v = <-q.ch:
		q.taken.Add(1)
		return v, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case v = <-q.ch:
		q.taken.Add(1)
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	case <-q.done:
	}
	return v, false
}

// TryTake removes the oldest item if one is queued.
func (q *Bounded[T]) TryTake() (v T, ok bool) {
	select {
	case v = <-q.ch:
		q.taken.Add(1)
		return v, true
	default:
		return v, false
	}
}

// Chan exposes the receive side for consumers that multiplex several
// sources in one select. Such consumers call MarkTaken per received item.
func (q *Bounded[T]) Chan() <-chan T {
	return q.ch
}

// MarkTaken counts an item received through Chan.
func (q *Bounded[T]) MarkTaken() { q.taken.Add(1) }

// Close rejects further offers and wakes waiting takers. Queued items may
// still be taken.
func (q *Bounded[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Len reports the number of queued items.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// Cap reports the queue capacity.
func (q *Bounded[T]) Cap() int { return cap(q.ch) }

// Name reports the queue name used in logs and stats.
func (q *Bounded[T]) Name() string { return q.name }

// Stats returns a snapshot of the queue counters.
func (q *Bounded[T]) Stats() Stats {
	return Stats{
		Name:     q.name,
		Policy:   q.policy.String(),
		Len:      q.Len(),
		Cap:      q.Cap(),
		Offered:  q.offered.Load(),
		Dropped:  q.dropped.Load(),
		Rejected: q.rejected.Load(),
		Taken:    q.taken.Load(),
	}
}
