package runtime

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

type worker struct {
	name   string
	run    func(context.Context) error
	closeF func() error
}

// Supervisor runs a set of named workers until the context ends, then
// closes them in reverse registration order.
type Supervisor struct {
	mu      sync.Mutex
	workers []worker
	started bool
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Add registers a worker. Workers added after Start are never run, but are
// still closed by Wait.
func (s *Supervisor) Add(name string, run func(context.Context) error, closeF func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		log.WithField("worker", name).Warn("Worker added after supervisor start, it will not run")
	}
	s.workers = append(s.workers, worker{name: name, run: run, closeF: closeF})
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.WithField("worker", w.name).Debug("Worker starting")
			if err := w.run(ctx); err != nil {
				log.WithField("worker", w.name).WithError(err).Error("Worker failed")
				s.errOnce.Do(func() { s.err = fmt.Errorf("%s: %w", w.name, err) })
				return
			}
			log.WithField("worker", w.name).Debug("Worker stopped")
		}()
	}
	return nil
}

// Wait blocks until ctx is done, closes every worker and returns the first
// worker error.
func (s *Supervisor) Wait(ctx context.Context) error {
	<-ctx.Done() // wait for signal

	s.mu.Lock()
	workers := append([]worker(nil), s.workers...)
	s.mu.Unlock()

	// Close in reverse order.
	for i := len(workers) - 1; i >= 0; i-- {
		if workers[i].closeF == nil {
			continue
		}
		if err := workers[i].closeF(); err != nil {
			log.WithField("worker", workers[i].name).WithError(err).Warn("Failed to close worker")
		}
	}
	s.wg.Wait()
	return s.err
}
