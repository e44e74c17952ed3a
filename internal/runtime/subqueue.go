package runtime

import (
	"sync"
)

// SubQueue is an unbounded per-subscriber queue drained into a channel by
// its own goroutine, so a slow subscriber never blocks the publisher.
type SubQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool

	outCh  chan T // consumer reads from this
	stop   chan struct{}
	paused bool // gate dispatch until snapshot sent
}

// NewSubQueue returns a paused queue. Call SetPaused(false) to go live.
func NewSubQueue[T any](outBuf int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		stop:   make(chan struct{}),
		paused: true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

// NewSnapshotQueue returns a live queue whose channel already holds the
// snapshot, ahead of anything enqueued later.
func NewSnapshotQueue[T any](snapshot []T, extraBuf int) *SubQueue[T] {
	sq := NewSubQueue[T](len(snapshot) + extraBuf)
	sq.Snapshot(snapshot...)
	sq.SetPaused(false)
	return sq
}

// Channel exposed to subscriber.
func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends to the in-memory queue and wakes dispatcher.
func (sq *SubQueue[T]) Enqueue(ev T) {
	sq.mu.Lock()
	if !sq.closed {
		sq.queue = append(sq.queue, ev)
		sq.cond.Signal()
	}
	sq.mu.Unlock()
}

// Snapshot writes straight to the subscriber channel, bypassing the queue.
// Only valid while paused and when the channel buffer has room for evs.
// It is a no-op once the queue is closed.
func (sq *SubQueue[T]) Snapshot(evs ...T) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	for _, ev := range evs {
		sq.outCh <- ev
	}
}

// SetPaused gates dispatching (used to hold back live events during snapshot).
func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Close stops the dispatcher and closes the out channel, even when the
// consumer stopped reading. Queued events that were not yet dispatched are
// dropped.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	sq.closed = true
	sq.queue = nil
	close(sq.stop)
	sq.cond.Broadcast()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		ev := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		select {
		case sq.outCh <- ev:
		case <-sq.stop:
			close(sq.outCh)
			return
		}
	}
}
