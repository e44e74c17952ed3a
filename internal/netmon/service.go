package netmon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/reach"
	"github.com/dmdmdm-nz/reachd/internal/runtime"
)

// ErrUnknownHost is returned for hosts the service does not watch.
var ErrUnknownHost = errors.New("host not watched")

type hostState struct {
	watcher Watcher
	status  reach.Status
	since   time.Time
	active  bool
	// set by the first change callback; a late seed result must not
	// overwrite it
	changed bool
}

// Service keeps the current status of a set of hosts and fans transitions
// out to subscribers.
type Service struct {
	retryInterval time.Duration
	now           func() time.Time

	mu    sync.RWMutex
	hosts map[string]*hostState

	subsMu           sync.Mutex
	subs             map[int]*runtime.SubQueue[StatusEvent]
	nextSubscriberID int
	closed           bool
}

// NewService watches one host per watcher. Watchers that cannot be
// activated are retried every retryInterval. Later watchers for a host
// already present are closed and ignored.
func NewService(watchers []Watcher, retryInterval time.Duration) *Service {
	s := &Service{
		retryInterval: retryInterval,
		now:           time.Now,
		hosts:         make(map[string]*hostState),
		subs:          make(map[int]*runtime.SubQueue[StatusEvent]),
	}
	for _, w := range watchers {
		if _, dup := s.hosts[w.Host()]; dup {
			log.WithField("host", w.Host()).Warn("Ignoring duplicate host")
			_ = w.Close()
			continue
		}
		s.hosts[w.Host()] = &hostState{watcher: w, status: reach.Unknown, since: s.now()}
	}
	return s
}

// Hosts returns the watched hosts in sorted order.
func (s *Service) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Subscribe returns the current status of every host followed by live
// transitions. A transition racing with Subscribe may show up in both.
func (s *Service) Subscribe() (<-chan StatusEvent, func()) {
	// Holding subsMu across the snapshot means no broadcast falls between
	// the snapshot and the registration.
	s.subsMu.Lock()

	s.mu.RLock()
	snapshot := make([]StatusEvent, 0, len(s.hosts))
	for host, st := range s.hosts {
		snapshot = append(snapshot, StatusEvent{
			Host:     host,
			Status:   st.status,
			Previous: reach.Unknown,
			Time:     st.since,
			Snapshot: true,
		})
	}
	s.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Host < snapshot[j].Host })

	if s.closed {
		s.subsMu.Unlock()
		sub := runtime.NewSubQueue[StatusEvent](0)
		sub.Close()
		return sub.Chan(), func() {}
	}
	// The snapshot is in the channel before the queue is published, so
	// neither a broadcast nor Close can get ahead of it.
	sub := runtime.NewSnapshotQueue(snapshot, 8)
	id := s.nextSubscriberID
	s.nextSubscriberID++
	s.subs[id] = sub
	s.subsMu.Unlock()

	unsub := func() {
		s.subsMu.Lock()
		if q, ok := s.subs[id]; ok {
			delete(s.subs, id)
			q.Close()
		}
		s.subsMu.Unlock()
	}
	return sub.Chan(), unsub
}

// Start activates every watcher and blocks until ctx is done, retrying
// failed activations. On return all watchers are invalidated.
func (s *Service) Start(ctx context.Context) error {
	log.WithField("hosts", len(s.hosts)).Info("Starting reachability status service")

	pending := s.activate(s.Hosts())

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.invalidateAll()
			log.Info("Stopping reachability status service")
			return nil
		case <-ticker.C:
			if len(pending) > 0 {
				pending = s.activate(pending)
			}
		}
	}
}

// activate activates the given hosts and returns those that failed.
func (s *Service) activate(hosts []string) []string {
	var failed []string
	for _, host := range hosts {
		s.mu.Lock()
		st, ok := s.hosts[host]
		if !ok || st.active {
			s.mu.Unlock()
			continue
		}
		w := st.watcher
		s.mu.Unlock()

		if !w.Activate(func(status reach.Status) { s.handleStatus(host, status, false) }) {
			log.WithField("host", host).Warn("Failed to activate reachability monitor, will retry")
			failed = append(failed, host)
			continue
		}

		s.mu.Lock()
		st.active = true
		s.mu.Unlock()

		log.WithField("host", host).Debug("Watching host")
		w.CheckAsync(func(status reach.Status) { s.handleStatus(host, status, true) })
	}
	return failed
}

func (s *Service) invalidateAll() {
	s.mu.Lock()
	var watchers []Watcher
	for _, st := range s.hosts {
		if st.active {
			watchers = append(watchers, st.watcher)
			st.active = false
		}
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Invalidate()
	}
}

func (s *Service) handleStatus(host string, status reach.Status, seed bool) {
	s.mu.Lock()
	st, ok := s.hosts[host]
	if !ok || (seed && st.changed) {
		s.mu.Unlock()
		return
	}
	if !seed {
		st.changed = true
	}
	if st.status == status {
		s.mu.Unlock()
		log.WithFields(log.Fields{
			"host":   host,
			"status": status,
		}).Trace("Status unchanged")
		return
	}
	ev := StatusEvent{
		Host:     host,
		Status:   status,
		Previous: st.status,
		Time:     s.now(),
	}
	st.status = status
	st.since = ev.Time
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"host":     host,
		"status":   status,
		"previous": ev.Previous,
	}).Info("Host status changed")

	s.broadcast(ev)
}

// Status returns the last known status of host.
func (s *Service) Status(host string) (reach.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.hosts[host]
	if !ok {
		return reach.Unknown, false
	}
	return st.status, true
}

// Statuses returns the last known status of every host.
func (s *Service) Statuses() map[string]reach.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]reach.Status, len(s.hosts))
	for host, st := range s.hosts {
		out[host] = st.status
	}
	return out
}

// Check runs a fresh check of host. It does not touch the cached status.
func (s *Service) Check(host string) (reach.Status, error) {
	s.mu.RLock()
	st, ok := s.hosts[host]
	s.mu.RUnlock()
	if !ok {
		return reach.Unknown, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return st.watcher.Check(), nil
}

// Close ends all subscriptions and closes every watcher.
func (s *Service) Close() error {
	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return nil
	}
	s.closed = true
	for id, q := range s.subs {
		q.Close()
		delete(s.subs, id)
	}
	s.subsMu.Unlock()

	s.mu.Lock()
	watchers := make([]Watcher, 0, len(s.hosts))
	for _, st := range s.hosts {
		watchers = append(watchers, st.watcher)
		st.active = false
	}
	s.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher for %s: %w", w.Host(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) broadcast(ev StatusEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		sub.Enqueue(ev)
	}
}
