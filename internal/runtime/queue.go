package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	log "github.com/sirupsen/logrus"
)

// Queue runs submitted functions one at a time, in submission order, on a
// single dedicated goroutine.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool

	gid  atomic.Int64 // goroutine running the queue
	done chan struct{}
}

func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	started := make(chan struct{})
	go q.run(started)
	<-started
	return q
}

func (q *Queue) Name() string { return q.name }

// Async schedules f. Functions submitted after Close are dropped.
func (q *Queue) Async(f func()) {
	q.mu.Lock()
	if !q.closed {
		q.jobs = append(q.jobs, f)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Sync schedules f and waits for it to run. Calling Sync from the queue
// itself would wait forever, so it panics instead.
func (q *Queue) Sync(f func()) {
	if q.IsCurrent() {
		panic(fmt.Sprintf("runtime: Sync called on queue %q from its own goroutine", q.name))
	}
	ran := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.jobs = append(q.jobs, func() {
		defer close(ran)
		f()
	})
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case <-ran:
	case <-q.done:
	}
}

// Barrier waits until everything submitted before it has run.
func (q *Queue) Barrier() {
	q.Sync(func() {})
}

// IsCurrent reports whether the caller is running on the queue.
func (q *Queue) IsCurrent() bool {
	return q.gid.Load() == goid.Get()
}

// Close stops the queue once the jobs already submitted have run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	log.WithField("queue", q.name).Trace("Queue closed")
}

// Done is closed when the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) run(started chan<- struct{}) {
	q.gid.Store(goid.Get())
	close(started)
	defer close(q.done)

	for {
		q.mu.Lock()
		for !q.closed && len(q.jobs) == 0 {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}
