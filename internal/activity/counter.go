// Package activity counts in-flight network operations so a UI or an
// operator can tell whether the process is using the network.
package activity

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/dmdmdm-nz/reachd/internal/runtime"
)

// Counter tracks in-flight network operations. The zero value is not
// usable; use NewCounter and pass the counter to whoever needs it.
type Counter struct {
	count *atomic.Int64

	// mu orders updates with their broadcast so subscribers see state
	// changes in the order they happened.
	mu      sync.Mutex
	subs    map[int]*runtime.SubQueue[bool]
	nextSub int
	closed  bool
}

func NewCounter() *Counter {
	return &Counter{
		count: atomic.NewInt64(0),
		subs:  make(map[int]*runtime.SubQueue[bool]),
	}
}

// Increase records the start of a network operation.
func (c *Counter) Increase() {
	c.update(func(n int64) int64 { return n + 1 })
}

// Decrease records the end of a network operation. The count never goes
// below zero.
func (c *Counter) Decrease() {
	c.update(func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return n - 1
	})
}

// Reset forgets all in-flight operations.
func (c *Counter) Reset() {
	c.update(func(int64) int64 { return 0 })
}

func (c *Counter) Count() int64 { return c.count.Load() }

// Active reports whether any operation is in flight.
func (c *Counter) Active() bool { return c.Count() > 0 }

// Track increases the counter and returns the matching Decrease.
func (c *Counter) Track() func() {
	c.Increase()
	var once sync.Once
	return func() { once.Do(c.Decrease) }
}

// Subscribe returns a channel that first carries the current activity state
// and then every change of it, plus a function to unsubscribe.
func (c *Counter) Subscribe() (<-chan bool, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := runtime.NewSnapshotQueue([]bool{c.Active()}, 8)
	if c.closed {
		sub.Close()
		return sub.Chan(), func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub

	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if q, ok := c.subs[id]; ok {
			delete(c.subs, id)
			q.Close()
		}
	}
	return sub.Chan(), unsub
}

// Close ends every subscription. Counting keeps working.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, q := range c.subs {
		q.Close()
		delete(c.subs, id)
	}
	return nil
}

func (c *Counter) update(next func(int64) int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.count.Load()
	after := next(before)
	c.count.Store(after)

	if (before > 0) == (after > 0) {
		return
	}

	log.WithFields(log.Fields{
		"active": after > 0,
		"count":  after,
	}).Debug("Network activity changed")

	for _, sub := range c.subs {
		sub.Enqueue(after > 0)
	}
}
