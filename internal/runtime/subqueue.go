// Package runtime holds the daemon's shared plumbing: per-subscriber
// delivery queues and a worker supervisor.
package runtime

import (
	"sync"
)

// SubQueue is an unbounded delivery queue for one subscriber. The
// producer side never blocks and never drops: Enqueue appends to an
// in-memory backlog and a dispatcher goroutine forwards it to the
// subscriber channel at the consumer's pace, preserving order.
//
// A queue starts paused so the owner can seed the subscriber with a
// snapshot before live traffic is released.
type SubQueue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []T
	paused  bool
	closed  bool

	outCh chan T
}

// NewSubQueue creates a paused queue whose subscriber channel has the
// given buffer. Size the buffer to hold at least the snapshot burst.
func NewSubQueue[T any](outBuf int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		paused: true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// Chan returns the channel the subscriber reads from.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends a value to the backlog. Safe from any goroutine,
// never blocks, no-op after Close.
func (sq *SubQueue[T]) Enqueue(v T) {
	sq.mu.Lock()
	if !sq.closed {
		sq.backlog = append(sq.backlog, v)
		sq.cond.Signal()
	}
	sq.mu.Unlock()
}

// SetPaused gates dispatching. While paused, enqueued values pile up
// in the backlog; unpausing releases them in order.
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// SnapshotSend pushes a value directly onto the subscriber channel,
// bypassing the backlog. Only valid while the queue is paused and the
// channel buffer has room for the whole snapshot.
func (sq *SubQueue[T]) SnapshotSend(v T) {
	sq.outCh <- v
}

// Close stops the dispatcher; the subscriber channel is closed once
// the dispatcher observes the flag. Idempotent.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	sq.closed = true
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.backlog) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		v := sq.backlog[0]
		copy(sq.backlog, sq.backlog[1:])
		sq.backlog = sq.backlog[:len(sq.backlog)-1]
		sq.mu.Unlock()

		// Blocks only on the subscriber, never on producers.
		sq.outCh <- v
	}
}
