package monitor

import (
	"errors"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/reachd/internal/provider"
	"github.com/dmdmdm-nz/reachd/internal/reach"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
)

// fakeProvider is a test double for provider.Provider with one flag value
// shared by all handles.
type fakeProvider struct {
	mu         sync.Mutex
	flags      reach.Flags
	queryFails bool
	resolveErr error

	refuseCallback bool
	refuseTarget   bool

	callbacks map[*provider.Handle]provider.Callback
	targets   map[*provider.Handle]provider.Dispatcher
	released  map[*provider.Handle]int

	// last non-nil registration, kept to simulate a provider that fires late
	staleCallback provider.Callback
	staleTarget   provider.Dispatcher

	doubleRegistrations atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		callbacks: make(map[*provider.Handle]provider.Callback),
		targets:   make(map[*provider.Handle]provider.Dispatcher),
		released:  make(map[*provider.Handle]int),
	}
}

func (p *fakeProvider) Resolve(host string) (*provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolveErr != nil {
		return nil, p.resolveErr
	}
	return provider.NewHandle(host), nil
}

func (p *fakeProvider) QueryFlags(h *provider.Handle) (reach.Flags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queryFails || p.released[h] > 0 {
		return 0, false
	}
	return p.flags, true
}

func (p *fakeProvider) SetCallback(h *provider.Handle, cb provider.Callback) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb == nil {
		delete(p.callbacks, h)
		return true
	}
	if p.refuseCallback {
		return false
	}
	if p.callbacks[h] != nil {
		p.doubleRegistrations.Add(1)
	}
	p.callbacks[h] = cb
	p.staleCallback = cb
	return true
}

func (p *fakeProvider) SetDispatchTarget(h *provider.Handle, target provider.Dispatcher) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target == nil {
		delete(p.targets, h)
		return true
	}
	if p.refuseTarget {
		return false
	}
	p.targets[h] = target
	p.staleTarget = target
	return true
}

func (p *fakeProvider) Release(h *provider.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[h]++
	delete(p.callbacks, h)
	delete(p.targets, h)
}

func (p *fakeProvider) setFlags(flags reach.Flags) {
	p.mu.Lock()
	p.flags = flags
	p.mu.Unlock()
}

// fire reports flags to every registered callback, like a network change.
func (p *fakeProvider) fire(flags reach.Flags) {
	p.mu.Lock()
	type reg struct {
		cb     provider.Callback
		target provider.Dispatcher
	}
	var regs []reg
	for h, cb := range p.callbacks {
		if target := p.targets[h]; target != nil {
			regs = append(regs, reg{cb, target})
		}
	}
	p.mu.Unlock()

	for _, r := range regs {
		cb := r.cb
		r.target.Async(func() { cb(flags) })
	}
}

// fireStale reports flags through the last registration even if it was removed.
func (p *fakeProvider) fireStale(flags reach.Flags) {
	p.mu.Lock()
	cb, target := p.staleCallback, p.staleTarget
	p.mu.Unlock()
	if cb != nil && target != nil {
		target.Async(func() { cb(flags) })
	}
}

func (p *fakeProvider) registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.callbacks)
}

func (p *fakeProvider) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.released {
		n += c
	}
	return n
}

// recorder collects delivered statuses.
type recorder struct {
	mu       sync.Mutex
	statuses []reach.Status
}

func (r *recorder) record(s reach.Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
}

func (r *recorder) get() []reach.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reach.Status(nil), r.statuses...)
}

// manualExecutor holds CheckAsync work until the test runs it.
type manualExecutor struct {
	mu   sync.Mutex
	jobs []func()
}

func (e *manualExecutor) execute(f func()) {
	e.mu.Lock()
	e.jobs = append(e.jobs, f)
	e.mu.Unlock()
}

func (e *manualExecutor) runAll() {
	e.mu.Lock()
	jobs := e.jobs
	e.jobs = nil
	e.mu.Unlock()
	for _, job := range jobs {
		job()
	}
}

func newTestMonitor(t *testing.T, p *fakeProvider, opts ...Option) (*Monitor, *runtime.Queue) {
	t.Helper()
	q := runtime.NewQueue("test")
	t.Cleanup(q.Close)

	m, err := New("apple.com", append([]Option{WithProvider(p), WithQueue(q)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, q
}

func TestNew_ResolveFailure(t *testing.T) {
	p := newFakeProvider()
	resolveErr := errors.New("no such name")
	p.resolveErr = resolveErr

	m, err := New("apple.com", WithProvider(p))
	require.Error(t, err)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, resolveErr)

	var ce *ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "apple.com", ce.Host)
}

func TestNew_MalformedHost(t *testing.T) {
	m, err := New("not a host name")
	require.Error(t, err)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrConstruction)
	assert.ErrorIs(t, err, provider.ErrInvalidHost)
}

func TestNew_SystemProvider_CheckNeverErrors(t *testing.T) {
	m, err := New("127.0.0.1")
	require.NoError(t, err)
	defer m.Close()

	assert.Contains(t, []reach.Status{reach.Unknown, reach.Reachable, reach.Cellular}, m.Check())
}

func TestMonitor_Check(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestMonitor(t, p)

	assert.Equal(t, reach.Unknown, m.Check())

	p.setFlags(reach.FlagReachable)
	assert.Equal(t, reach.Reachable, m.Check())

	p.setFlags(reach.FlagReachable | reach.IsWWAN)
	assert.Equal(t, reach.Cellular, m.Check())

	p.mu.Lock()
	p.queryFails = true
	p.mu.Unlock()
	assert.Equal(t, reach.Unknown, m.Check())
}

func TestMonitor_Check_DoesNotAffectNotifications(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(rec.record))

	assert.Equal(t, reach.Reachable, m.Check())

	p.fire(reach.FlagReachable)
	q.Barrier()
	assert.Equal(t, []reach.Status{reach.Reachable}, rec.get())
}

func TestMonitor_Check_AfterClose(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	m, _ := newTestMonitor(t, p)

	require.NoError(t, m.Close())
	assert.Equal(t, reach.Unknown, m.Check())
}

func TestMonitor_Check_OnQueuePanics(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	recovered := make(chan any, 1)
	q.Async(func() {
		defer func() { recovered <- recover() }()
		m.Check()
	})

	select {
	case r := <-recovered:
		require.NotNil(t, r)
		assert.Contains(t, r, "CheckAsync")
	case <-time.After(time.Second):
		t.Fatal("Check on the notification queue should panic")
	}
}

func TestMonitor_CheckAsync(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	m, _ := newTestMonitor(t, p)

	got := make(chan reach.Status, 1)
	m.CheckAsync(func(s reach.Status) { got <- s })

	select {
	case s := <-got:
		assert.Equal(t, reach.Reachable, s)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async result")
	}
}

func TestMonitor_CheckAsync_ClosedBeforeRun(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	exec := &manualExecutor{}
	m, _ := newTestMonitor(t, p, WithExecutor(exec.execute))

	rec := &recorder{}
	m.CheckAsync(rec.record)
	require.NoError(t, m.Close())

	require.NotPanics(t, exec.runAll)
	assert.Equal(t, []reach.Status{reach.Unknown}, rec.get())
}

func TestMonitor_CheckAsync_CollectedBeforeRun(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	exec := &manualExecutor{}
	q := runtime.NewQueue("test")
	defer q.Close()

	rec := &recorder{}
	func() {
		m, err := New("apple.com", WithProvider(p), WithQueue(q), WithExecutor(exec.execute))
		require.NoError(t, err)
		m.CheckAsync(rec.record)
	}()

	// The dropped monitor is collected and its cleanup releases the handle.
	require.Eventually(t, func() bool {
		goruntime.GC()
		return p.releaseCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	exec.runAll()
	assert.Equal(t, []reach.Status{reach.Unknown}, rec.get())
}

func TestMonitor_ActivateDeliversTransition(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(rec.record))

	p.fire(reach.FlagReachable)
	q.Barrier()
	assert.Equal(t, []reach.Status{reach.Reachable}, rec.get())

	p.fire(reach.FlagReachable)
	q.Barrier()
	assert.Equal(t, []reach.Status{reach.Reachable}, rec.get(), "same status must not notify again")
}

func TestMonitor_Dedup(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(rec.record))

	sequence := []reach.Flags{
		0, // unknown, same as initial
		reach.FlagReachable,
		reach.FlagReachable | reach.IsDirect,
		reach.FlagReachable,
		reach.FlagReachable | reach.IsWWAN,
		reach.IsWWAN,
		0,
		0,
		reach.FlagReachable,
	}
	for _, flags := range sequence {
		p.fire(flags)
	}
	q.Barrier()

	assert.Equal(t, []reach.Status{
		reach.Reachable,
		reach.Cellular,
		reach.Unknown,
		reach.Reachable,
	}, rec.get())
}

func TestMonitor_ActivateTwice(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	first := &recorder{}
	second := &recorder{}
	require.True(t, m.Activate(first.record))
	assert.False(t, m.Activate(second.record))
	assert.Equal(t, int32(0), p.doubleRegistrations.Load())

	p.fire(reach.FlagReachable)
	q.Barrier()

	assert.Equal(t, []reach.Status{reach.Reachable}, first.get())
	assert.Empty(t, second.get())
}

func TestMonitor_ActivateNil(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestMonitor(t, p)

	assert.False(t, m.Activate(nil))
	assert.Zero(t, p.registered())
}

func TestMonitor_ActivateRollback(t *testing.T) {
	t.Run("callback refused", func(t *testing.T) {
		p := newFakeProvider()
		p.refuseCallback = true
		m, _ := newTestMonitor(t, p)

		assert.False(t, m.Activate(func(reach.Status) {}))
		assert.Zero(t, p.registered())

		p.mu.Lock()
		p.refuseCallback = false
		p.mu.Unlock()
		assert.True(t, m.Activate(func(reach.Status) {}), "monitor stays usable after a failed activation")
	})

	t.Run("dispatch target refused", func(t *testing.T) {
		p := newFakeProvider()
		p.refuseTarget = true
		m, _ := newTestMonitor(t, p)

		assert.False(t, m.Activate(func(reach.Status) {}))
		assert.Zero(t, p.registered(), "callback must be rolled back")
	})
}

func TestMonitor_InvalidateIdempotent(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestMonitor(t, p)

	require.NotPanics(t, func() {
		m.Invalidate()
		m.Invalidate()
	})

	require.True(t, m.Activate(func(reach.Status) {}))
	require.NotPanics(t, func() {
		m.Invalidate()
		m.Invalidate()
	})
	assert.Zero(t, p.registered())
}

func TestMonitor_NoDeliveryAfterInvalidate(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(rec.record))
	p.fire(reach.FlagReachable)
	q.Barrier()

	m.Invalidate()

	// a provider that still holds stale state keeps firing
	p.fireStale(reach.FlagReachable | reach.IsWWAN)
	p.fireStale(0)
	q.Barrier()

	assert.Equal(t, []reach.Status{reach.Reachable}, rec.get())
}

func TestMonitor_NoDeliveryAfterClose(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(rec.record))
	require.NoError(t, m.Close())

	p.fireStale(reach.FlagReachable)
	q.Barrier()
	assert.Empty(t, rec.get())
}

func TestMonitor_InvalidateWaitsForRunningCallback(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestMonitor(t, p)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	require.True(t, m.Activate(func(reach.Status) {
		close(entered)
		<-release
		finished.Store(true)
	}))

	p.fire(reach.FlagReachable)
	<-entered

	invalidated := make(chan struct{})
	go func() {
		m.Invalidate()
		close(invalidated)
	}()

	select {
	case <-invalidated:
		t.Fatal("Invalidate returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-invalidated:
		assert.True(t, finished.Load())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Invalidate")
	}
}

func TestMonitor_InvalidateFromCallback(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	rec := &recorder{}
	require.True(t, m.Activate(func(s reach.Status) {
		rec.record(s)
		m.Invalidate()
	}))

	p.fire(reach.FlagReachable)
	q.Barrier()
	p.fireStale(reach.IsWWAN)
	q.Barrier()

	assert.Equal(t, []reach.Status{reach.Reachable}, rec.get())
	assert.Zero(t, p.registered())
}

func TestMonitor_CallbackMayCheckAsync(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	m, _ := newTestMonitor(t, p)

	got := make(chan reach.Status, 1)
	require.True(t, m.Activate(func(reach.Status) {
		m.CheckAsync(func(s reach.Status) { got <- s })
	}))
	p.fire(reach.FlagReachable)

	select {
	case s := <-got:
		assert.Equal(t, reach.Reachable, s)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async result from callback")
	}
}

func TestMonitor_ReactivateStartsFresh(t *testing.T) {
	p := newFakeProvider()
	m, q := newTestMonitor(t, p)

	first := &recorder{}
	require.True(t, m.Activate(first.record))
	p.fire(reach.FlagReachable)
	q.Barrier()
	m.Invalidate()

	second := &recorder{}
	require.True(t, m.Activate(second.record))
	p.fire(reach.FlagReachable)
	q.Barrier()

	assert.Equal(t, []reach.Status{reach.Reachable}, first.get())
	assert.Equal(t, []reach.Status{reach.Reachable}, second.get())
}

func TestMonitor_Close(t *testing.T) {
	p := newFakeProvider()
	m, _ := newTestMonitor(t, p)

	require.True(t, m.Activate(func(reach.Status) {}))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, 1, p.releaseCount(), "handle released exactly once")
	assert.Zero(t, p.registered())
	assert.False(t, m.Activate(func(reach.Status) {}))
}

func TestMonitor_OwnedQueueStopsOnClose(t *testing.T) {
	p := newFakeProvider()
	m, err := New("apple.com", WithProvider(p))
	require.NoError(t, err)

	q := m.lease.queue
	require.True(t, m.lease.ownsQueue)
	require.NoError(t, m.Close())

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("owned queue should stop on Close")
	}
}

func TestMonitor_Equal(t *testing.T) {
	p := newFakeProvider()
	a, _ := newTestMonitor(t, p)
	b, _ := newTestMonitor(t, p)

	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b), "same host, distinct handles")
	assert.False(t, a.Equal(nil))
	assert.Equal(t, a.Host(), b.Host())
	assert.NotEqual(t, a.ID(), b.ID())

	var none *Monitor
	assert.True(t, none.Equal(nil))
}

func TestMonitor_ConcurrentUse(t *testing.T) {
	p := newFakeProvider()
	p.setFlags(reach.FlagReachable)
	m, q := newTestMonitor(t, p)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch (g + i) % 4 {
				case 0:
					m.Activate(func(reach.Status) {})
				case 1:
					m.Invalidate()
				case 2:
					m.Check()
				case 3:
					p.fire(reach.Flags(i%2) * reach.FlagReachable)
				}
			}
		}(g)
	}
	wg.Wait()
	q.Barrier()

	assert.Equal(t, int32(0), p.doubleRegistrations.Load(), "at most one callback registered at a time")
	assert.LessOrEqual(t, p.registered(), 1)
}
