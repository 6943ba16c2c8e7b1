package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Outcomes recorded for missing-entry requests and expire runs.
const (
	outcomeMounted  = "mounted"
	outcomePresent  = "present"
	outcomeFailed   = "failed"
	outcomeRefused  = "refused"
	outcomeDone     = "done"
	outcomePartial  = "partial"
	outcomeStarted  = "started"
	outcomeError    = "error"
	outcomeDeferred = "deferred"
)

// Metrics holds the daemon's counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	missing *prometheus.CounterVec
	expires *prometheus.CounterVec
	workers *prometheus.CounterVec
	pending prometheus.Gauge

	server *http.Server
}

// NewMetrics creates the collectors. Nothing is served until Start.
func NewMetrics(path string) *Metrics {
	labels := prometheus.Labels{"path": path}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		missing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "automount",
			Name:        "missing_requests_total",
			Help:        "Missing-entry requests from the kernel by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		expires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "automount",
			Name:        "expire_runs_total",
			Help:        "Expire runs by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "automount",
			Name:        "workers_spawned_total",
			Help:        "Worker processes started by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "automount",
			Name:        "pending_operations",
			Help:        "Mount and umount workers in flight.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.missing, m.expires, m.workers, m.pending)
	return m
}

func (m *Metrics) missingRequest(outcome string) { m.missing.WithLabelValues(outcome).Inc() }
func (m *Metrics) expireRun(outcome string)      { m.expires.WithLabelValues(outcome).Inc() }
func (m *Metrics) workerSpawned(kind WorkerKind) { m.workers.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) setPending(n int)              { m.pending.Set(float64(n)) }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on addr in the background.
func (m *Metrics) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("addr", addr).Error("metrics server")
		}
	}()
}

// Stop shuts the metrics server down, if it was started.
func (m *Metrics) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
