package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dmdmdm-nz/reachd/internal/netmon"
	"github.com/dmdmdm-nz/reachd/internal/reach"
)

const metricsNamespace = "reachd"

var allStatuses = []reach.Status{reach.Unknown, reach.Reachable, reach.Cellular}

// Metrics holds the Prometheus collectors exported on /metrics. Each
// Service has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	hostStatus  *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	activity    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		hostStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "host_status",
				Help:      "1 for the current reachability status of each host, 0 otherwise",
			},
			[]string{"host", "status"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "status_transitions_total",
				Help:      "Number of reachability status transitions per host",
			},
			[]string{"host"},
		),
		activity: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "network_activity",
				Help:      "1 while network operations are in flight, 0 otherwise",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveStatus records ev. Snapshot events set the gauge without counting
// a transition.
func (m *Metrics) ObserveStatus(ev netmon.StatusEvent) {
	for _, status := range allStatuses {
		v := 0.0
		if status == ev.Status {
			v = 1
		}
		m.hostStatus.WithLabelValues(ev.Host, status.String()).Set(v)
	}
	if !ev.Snapshot {
		m.transitions.WithLabelValues(ev.Host).Inc()
	}
}

func (m *Metrics) ObserveActivity(active bool) {
	if active {
		m.activity.Set(1)
	} else {
		m.activity.Set(0)
	}
}
