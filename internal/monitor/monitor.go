// Package monitor watches the reachability of a single host.
//
// A Monitor wraps one provider handle. Check and CheckAsync take snapshots;
// Activate installs a single change callback that is called once per status
// transition until Invalidate or Close. Callbacks run on the monitor's
// notification queue, never on the caller's goroutine.
package monitor

import (
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"weak"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/provider"
	"github.com/dmdmdm-nz/reachd/internal/reach"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
)

// ErrConstruction is matched by every ConstructionError.
var ErrConstruction = errors.New("monitor construction failed")

// ConstructionError reports that the provider could not resolve a host into
// a handle.
type ConstructionError struct {
	Host string
	Err  error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("cannot monitor host %q: %v", e.Host, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

func (e *ConstructionError) Is(target error) bool { return target == ErrConstruction }

// Executor runs f on some goroutine other than the caller's.
type Executor func(f func())

func goExecutor(f func()) { go f() }

// lease owns the provider handle. It is shared between the Monitor and its
// cleanup so the handle is released exactly once, by whichever comes first.
type lease struct {
	provider  provider.Provider
	handle    *provider.Handle
	queue     *runtime.Queue
	ownsQueue bool
	once      sync.Once
}

func (l *lease) release() {
	l.once.Do(func() {
		l.provider.SetCallback(l.handle, nil)
		l.provider.SetDispatchTarget(l.handle, nil)
		l.provider.Release(l.handle)
		if l.ownsQueue {
			l.queue.Close()
		}
	})
}

type Monitor struct {
	id       string
	host     string
	lease    *lease
	executor Executor

	mu         sync.Mutex
	lastStatus reach.Status
	onChange   func(reach.Status)
	active     bool
	session    uint64 // bumped on every activation and invalidation
	closed     bool
}

type options struct {
	provider provider.Provider
	queue    *runtime.Queue
	executor Executor
}

type Option func(*options)

// WithProvider sets the reachability provider. The default is a new
// provider.System.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithQueue delivers change callbacks on q, which may be shared by several
// monitors. Without it every monitor owns a queue.
func WithQueue(q *runtime.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithExecutor sets where CheckAsync runs its check.
func WithExecutor(e Executor) Option {
	return func(o *options) { o.executor = e }
}

// New returns an inactive Monitor for host, or a *ConstructionError when the
// provider cannot resolve the name.
func New(host string, opts ...Option) (*Monitor, error) {
	o := options{executor: goExecutor}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = provider.NewSystem()
	}

	handle, err := o.provider.Resolve(host)
	if err != nil {
		return nil, &ConstructionError{Host: host, Err: err}
	}
	if handle == nil {
		return nil, &ConstructionError{Host: host, Err: errors.New("provider returned no handle")}
	}

	l := &lease{provider: o.provider, handle: handle, queue: o.queue}
	if l.queue == nil {
		l.queue = runtime.NewQueue("reach:" + host)
		l.ownsQueue = true
	}

	m := &Monitor{
		id:         uuid.NewString(),
		host:       host,
		lease:      l,
		executor:   o.executor,
		lastStatus: reach.Unknown,
	}

	// Dropping a monitor without Close still gives the handle back.
	goruntime.AddCleanup(m, func(l *lease) { l.release() }, l)

	m.logger().Debug("Created reachability monitor")
	return m, nil
}

func (m *Monitor) Host() string { return m.host }

// ID is a unique identifier for log correlation.
func (m *Monitor) ID() string { return m.id }

// Equal reports whether both monitors wrap the same provider handle.
func (m *Monitor) Equal(other *Monitor) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.lease.handle == other.lease.handle
}

// Check queries the provider and classifies the result. It blocks, so it
// must not be called from a change callback; doing so panics.
func (m *Monitor) Check() reach.Status {
	if m.lease.queue.IsCurrent() {
		panic(fmt.Sprintf("monitor: Check for %q called on the notification queue, use CheckAsync", m.host))
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return reach.Unknown
	}

	flags, ok := m.lease.provider.QueryFlags(m.lease.handle)
	if !ok {
		flags = 0
	}
	return reach.Classify(flags)
}

// CheckAsync runs Check on the executor and calls onResult exactly once.
// If the monitor is closed or gone by then, onResult gets Unknown.
func (m *Monitor) CheckAsync(onResult func(reach.Status)) {
	wp := weak.Make(m)
	m.executor(func() {
		mon := wp.Value()
		if mon == nil || mon.isClosed() {
			onResult(reach.Unknown)
			return
		}
		onResult(mon.Check())
	})
}

// Activate installs onChange. It returns false, changing nothing, if a
// callback is already installed, the monitor is closed, or the provider
// refuses the registration.
func (m *Monitor) Activate(onChange func(reach.Status)) bool {
	if onChange == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.active {
		return false
	}

	m.session++
	session := m.session
	m.onChange = onChange

	// The trampoline must not keep the monitor alive.
	wp := weak.Make(m)
	trampoline := func(flags reach.Flags) {
		if mon := wp.Value(); mon != nil {
			mon.deliver(session, flags)
		}
	}

	p, h := m.lease.provider, m.lease.handle
	if !p.SetCallback(h, trampoline) {
		m.onChange = nil
		m.logger().Warn("Provider refused reachability callback")
		return false
	}
	if !p.SetDispatchTarget(h, m.lease.queue) {
		p.SetCallback(h, nil)
		m.onChange = nil
		m.logger().Warn("Provider refused notification queue")
		return false
	}

	m.active = true
	m.logger().Debug("Activated reachability monitor")
	return true
}

// deliver runs on the notification queue for every provider callback.
func (m *Monitor) deliver(session uint64, flags reach.Flags) {
	status := reach.Classify(flags)

	m.mu.Lock()
	if !m.active || m.session != session {
		m.mu.Unlock()
		return
	}
	if status == m.lastStatus {
		m.mu.Unlock()
		m.logger().WithField("status", status).Trace("Suppressed unchanged reachability status")
		return
	}
	previous := m.lastStatus
	m.lastStatus = status
	cb := m.onChange
	m.mu.Unlock()

	m.logger().WithFields(log.Fields{
		"previous": previous,
		"status":   status,
		"flags":    flags,
	}).Debug("Reachability changed")

	// Outside the lock: cb may call back into the monitor.
	cb(status)
}

// Invalidate removes the change callback. It is idempotent and safe from
// any goroutine. Once it returns no further callback starts, except when
// called from a callback, where the running callback is the last one.
func (m *Monitor) Invalidate() {
	if m.invalidate() && !m.lease.queue.IsCurrent() {
		// Wait out a delivery that passed the session check before we did.
		m.lease.queue.Barrier()
	}
}

func (m *Monitor) invalidate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return false
	}

	m.lease.provider.SetCallback(m.lease.handle, nil)
	m.lease.provider.SetDispatchTarget(m.lease.handle, nil)
	m.active = false
	m.onChange = nil
	m.session++
	m.lastStatus = reach.Unknown

	m.logger().Debug("Invalidated reachability monitor")
	return true
}

// Close invalidates the monitor and releases its provider handle. The
// monitor cannot be activated again. Close is idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Invalidate()
	m.lease.release()
	m.logger().Debug("Closed reachability monitor")
	return nil
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Monitor) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"host":    m.host,
		"monitor": m.id,
	})
}
