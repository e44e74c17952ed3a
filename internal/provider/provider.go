package provider

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// Handle identifies one resolved host inside a provider. Handles compare by
// identity: two handles for the same host name are distinct resources.
type Handle struct {
	host string
}

func NewHandle(host string) *Handle {
	return &Handle{host: host}
}

func (h *Handle) Host() string { return h.host }

// Callback receives a fresh capability set for a handle.
type Callback func(flags reach.Flags)

// Dispatcher is the execution context callbacks are delivered on.
type Dispatcher interface {
	Async(f func())
}

// Provider resolves host names into monitorable handles and reports their
// capability sets. Passing a nil callback or nil target deregisters; that
// always succeeds, even when nothing was registered.
type Provider interface {
	Resolve(host string) (*Handle, error)
	QueryFlags(h *Handle) (reach.Flags, bool)
	SetCallback(h *Handle, cb Callback) bool
	SetDispatchTarget(h *Handle, target Dispatcher) bool
	Release(h *Handle)
}

// LookupFunc computes the capability set for a normalized host name.
// Failing to find a route is not an error: it yields an empty set.
type LookupFunc func(ctx context.Context, host string) (reach.Flags, error)

// WatchFunc blocks until ctx is done, calling notify whenever the network
// configuration may have changed.
type WatchFunc func(ctx context.Context, notify func()) error

type registration struct {
	callback Callback
	target   Dispatcher
}

func (r *registration) live() bool {
	return r.callback != nil && r.target != nil
}

// System is the Provider backed by the host operating system.
type System struct {
	lookup       LookupFunc
	watch        WatchFunc
	pollInterval time.Duration
	queryTimeout time.Duration

	mu        sync.Mutex
	regs      map[*Handle]*registration
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

type Option func(*System)

// WithPollInterval sets how often registered handles are re-queried in
// addition to change events.
func WithPollInterval(d time.Duration) Option {
	return func(s *System) { s.pollInterval = d }
}

// WithQueryTimeout bounds a single capability lookup.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *System) { s.queryTimeout = d }
}

func WithLookup(f LookupFunc) Option {
	return func(s *System) { s.lookup = f }
}

func WithWatch(f WatchFunc) Option {
	return func(s *System) { s.watch = f }
}

func NewSystem(opts ...Option) *System {
	s := &System{
		lookup:       platformLookup,
		watch:        platformWatch,
		pollInterval: 30 * time.Second,
		queryTimeout: 5 * time.Second,
		regs:         make(map[*Handle]*registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *System) Resolve(host string) (*Handle, error) {
	name, err := normalizeHost(host)
	if err != nil {
		return nil, err
	}

	h := NewHandle(name)
	s.mu.Lock()
	s.regs[h] = &registration{}
	s.mu.Unlock()

	log.WithField("host", name).Trace("Resolved reachability handle")
	return h, nil
}

func (s *System) QueryFlags(h *Handle) (reach.Flags, bool) {
	s.mu.Lock()
	_, ok := s.regs[h]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}

	flags, err := s.query(context.Background(), h.host)
	if err != nil {
		log.WithField("host", h.host).WithError(err).Debug("Failed to query reachability flags")
		return 0, false
	}
	return flags, true
}

func (s *System) SetCallback(h *Handle, cb Callback) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[h]
	if !ok {
		return cb == nil
	}
	reg.callback = cb
	s.updateWatchLocked()
	return true
}

func (s *System) SetDispatchTarget(h *Handle, target Dispatcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[h]
	if !ok {
		return target == nil
	}
	reg.target = target
	s.updateWatchLocked()
	return true
}

func (s *System) Release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[h]; !ok {
		return
	}
	delete(s.regs, h)
	s.updateWatchLocked()
	log.WithField("host", h.host).Trace("Released reachability handle")
}

// Close stops the watch loop. Registrations are kept.
func (s *System) Close() error {
	s.mu.Lock()
	stop, done := s.stopWatch, s.watchDone
	s.stopWatch, s.watchDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return nil
}

// updateWatchLocked runs the watch loop exactly while some handle has both a
// callback and a dispatch target.
func (s *System) updateWatchLocked() {
	live := false
	for _, reg := range s.regs {
		if reg.live() {
			live = true
			break
		}
	}

	switch {
	case live && s.stopWatch == nil:
		ctx, cancel := context.WithCancel(context.Background())
		s.stopWatch = cancel
		s.watchDone = make(chan struct{})
		go s.run(ctx, s.watchDone)
	case !live && s.stopWatch != nil:
		s.stopWatch()
		s.stopWatch, s.watchDone = nil, nil
	}
}

func (s *System) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log.Debug("Starting network change watcher")
	defer log.Debug("Stopping network change watcher")

	// Coalesce bursts of change events into one re-query.
	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	go func() {
		if err := s.watch(ctx, notify); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Network change watcher failed, falling back to polling")
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.notifyAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifyAll(ctx)
		case <-trigger:
			s.notifyAll(ctx)
		}
	}
}

func (s *System) notifyAll(ctx context.Context) {
	type target struct {
		h   *Handle
		reg registration
	}

	s.mu.Lock()
	targets := make([]target, 0, len(s.regs))
	for h, reg := range s.regs {
		if reg.live() {
			targets = append(targets, target{h: h, reg: *reg})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		flags, err := s.query(ctx, t.h.host)
		if err != nil {
			log.WithField("host", t.h.host).WithError(err).Debug("Skipping notification, reachability query failed")
			continue
		}

		log.WithFields(log.Fields{
			"host":  t.h.host,
			"flags": flags,
		}).Trace("Posting reachability flags")

		cb := t.reg.callback
		t.reg.target.Async(func() { cb(flags) })
	}
}

func (s *System) query(ctx context.Context, host string) (reach.Flags, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.lookup(ctx, host)
}
