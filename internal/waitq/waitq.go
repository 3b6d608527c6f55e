// Package waitq provides the wait primitive shared by locks, remote calls and
// bulk transfers: a parking queue plus an epoch counter.
//
// The owning component takes an epoch snapshot while it still holds its own
// guard and has decided it must wait, releases the guard, then calls Wait.
// Any WakeAll issued after the snapshot releases the waiter, so a wake that
// races with the decision to park is never lost.
//
//	l.mu.Lock()
//	for !ready() {
//	    epoch := q.Epoch()
//	    l.mu.Unlock()
//	    err := q.Wait(ctx, epoch)
//	    l.mu.Lock()
//	    if err != nil { ... }
//	}
package waitq

import (
	"context"
	"sync"
)

// Queue is a wake-all parking queue. The zero value is not usable; use New.
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	epoch       uint64
	parked      int
	suspensions uint64
}

// New creates an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Epoch returns the current wake generation.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Wait parks until the generation moves past epoch or ctx is cancelled.
// It returns nil when woken and ctx.Err() when cancelled. If a wake has
// already happened since the snapshot, Wait returns immediately without
// counting a suspension.
//
// A context that can never be cancelled makes the wait uninterruptible.
func (q *Queue) Wait(ctx context.Context, epoch uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.epoch != epoch {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Cancellation has to reach a goroutine blocked in cond.Wait. The
	// callback takes q.mu, so it cannot broadcast before we are parked.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.parked++
	q.suspensions++
	defer func() { q.parked-- }()

	for q.epoch == epoch {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// WakeAll advances the generation and releases every parked waiter.
func (q *Queue) WakeAll() {
	q.mu.Lock()
	q.epoch++
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Parked returns the number of goroutines currently parked.
func (q *Queue) Parked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.parked
}

// Suspensions returns how many times a caller actually parked.
func (q *Queue) Suspensions() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspensions
}
