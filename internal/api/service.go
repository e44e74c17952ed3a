package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/reachd/internal/activity"
	"github.com/dmdmdm-nz/reachd/internal/netmon"
	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// StatusSource is the part of netmon.Service the API serves.
type StatusSource interface {
	Statuses() map[string]reach.Status
	Status(host string) (reach.Status, bool)
	Check(host string) (reach.Status, error)
	Subscribe() (<-chan netmon.StatusEvent, func())
}

// Service represents the HTTP server for the API
type Service struct {
	address string
	port    int

	source   StatusSource
	activity *activity.Counter
	metrics  *Metrics

	mu        sync.Mutex
	server    *http.Server
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewService(host string, port int, source StatusSource, counter *activity.Counter) *Service {
	return &Service{
		address:  host,
		port:     port,
		source:   source,
		activity: counter,
		metrics:  NewMetrics(),
		done:     make(chan struct{}),
	}
}

func (s *Service) Metrics() *Metrics { return s.metrics }

// Start serves the API and keeps the metrics current until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Failed to start the API service")
		}
	}()

	log.WithField("address", addr).Info("Starting reachd API service")
	defer log.Info("Stopping reachd API service")

	events, unsub := s.source.Subscribe()
	defer unsub()
	active, unsubActivity := s.activity.Subscribe()
	defer unsubActivity()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.metrics.ObserveStatus(ev)
		case a, ok := <-active:
			if !ok {
				active = nil
				continue
			}
			s.metrics.ObserveActivity(a)
		}
	}
}

func (s *Service) shutdown() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown API server: %w", err)
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.shutdown()
}

// Handler returns the API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, s.source.Statuses())
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		host := strings.TrimPrefix(r.URL.Path, "/status/")
		if host == "" {
			http.Error(w, "missing host", http.StatusBadRequest)
			return
		}
		s.handleHostStatus(w, r, host)
	})
	mux.HandleFunc("/activity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, ActivityInfo{
			Active: s.activity.Active(),
			Count:  s.activity.Count(),
		})
	})
	mux.HandleFunc("/ws/watch", func(w http.ResponseWriter, r *http.Request) {
		WatchStatus(s, w, r)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func (s *Service) handleHostStatus(w http.ResponseWriter, r *http.Request, host string) {
	cached, ok := s.source.Status(host)
	if !ok {
		http.Error(w, "Host not watched", http.StatusNotFound)
		return
	}

	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))
	if !fresh {
		writeJSON(w, HostStatus{Host: host, Status: cached})
		return
	}

	done := s.activity.Track()
	status, err := s.source.Check(host)
	done()
	if err != nil {
		log.WithField("host", host).WithError(err).Warn("Fresh reachability check failed")
		http.Error(w, fmt.Sprintf("Failed to check host: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, HostStatus{Host: host, Status: status, Fresh: true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Add("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
