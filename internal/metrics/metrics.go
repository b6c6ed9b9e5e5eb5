// ============================================================================
// omni-node Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: counts what the server and client do and exposes it on /metrics
//
// Metric families:
//
//   1. Counters:
//      - omni_connections_accepted_total
//      - omni_connections_rejected_total     admission limit hit
//      - omni_requests_total{state}          final connection state
//      - omni_protocol_errors_total{reason}  framing / schema failures
//      - omni_client_requests_total{outcome} client side, ok|failed
//
//   2. Gauges:
//      - omni_connections_active
//      - omni_registry_jobs                  distinct jobs in the registry
//      - omni_max_jobs                       last computed busiest interval
//      - omni_running_jobs                   jobs running at the last calculation
//
//   3. Histograms:
//      - omni_calculation_seconds            sweep over one snapshot
//      - omni_connection_seconds             accept to close
//
// Example queries:
//
//   # rejected share of incoming connections
//   rate(omni_connections_rejected_total[5m])
//     / (rate(omni_connections_accepted_total[5m]) + rate(omni_connections_rejected_total[5m]))
//
//   # 95th percentile sweep time
//   histogram_quantile(0.95, rate(omni_calculation_seconds_bucket[5m]))
//
// A nil *Collector is valid and records nothing, so components can run
// without instrumentation.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omni"

// Collector holds every metric the node exports.
type Collector struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	requests            *prometheus.CounterVec
	protocolErrors      *prometheus.CounterVec
	clientRequests      *prometheus.CounterVec

	connectionsActive prometheus.Gauge
	registryJobs      prometheus.Gauge
	maxJobs           prometheus.Gauge
	runningJobs       prometheus.Gauge

	calculationLatency prometheus.Histogram
	connectionLatency  prometheus.Histogram
}

// NewCollector creates the metrics and registers them with reg, or with
// prometheus.DefaultRegisterer when reg is nil.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of connections handed to a worker",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Total number of connections closed because the worker pool was full",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of handled connections by final state",
		}, []string{"state"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed frames or bodies by reason",
		}, []string{"reason"}),
		clientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_requests_total",
			Help:      "Total number of client submissions by outcome",
		}, []string{"outcome"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of connections being served",
		}),
		registryJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_jobs",
			Help:      "Number of distinct jobs in the registry",
		}),
		maxJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_jobs",
			Help:      "Size of the busiest interval at the last calculation",
		}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Number of jobs running at the last calculation",
		}),
		calculationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_seconds",
			Help:      "Time spent computing the busiest interval of one snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		connectionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_seconds",
			Help:      "Time from accept to close of one connection",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.connectionsAccepted,
		c.connectionsRejected,
		c.requests,
		c.protocolErrors,
		c.clientRequests,
		c.connectionsActive,
		c.registryJobs,
		c.maxJobs,
		c.runningJobs,
		c.calculationLatency,
		c.connectionLatency,
	)

	return c
}

// RecordAccepted counts a connection handed to the pool.
func (c *Collector) RecordAccepted() {
	if c == nil {
		return
	}
	c.connectionsAccepted.Inc()
}

// RecordRejected counts a connection refused by the admission limit.
func (c *Collector) RecordRejected() {
	if c == nil {
		return
	}
	c.connectionsRejected.Inc()
}

// RecordRequest counts a finished connection and its lifetime.
func (c *Collector) RecordRequest(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(state).Inc()
	c.connectionLatency.Observe(d.Seconds())
}

// RecordProtocolError counts a malformed frame or body.
func (c *Collector) RecordProtocolError(reason string) {
	if c == nil {
		return
	}
	c.protocolErrors.WithLabelValues(reason).Inc()
}

// RecordCalculation stores the outcome of one sweep.
func (c *Collector) RecordCalculation(registrySize, maxJobs, running int, d time.Duration) {
	if c == nil {
		return
	}
	c.registryJobs.Set(float64(registrySize))
	c.maxJobs.Set(float64(maxJobs))
	c.runningJobs.Set(float64(running))
	c.calculationLatency.Observe(d.Seconds())
}

// RecordClientRequest counts one client submission.
func (c *Collector) RecordClientRequest(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	c.clientRequests.WithLabelValues(outcome).Inc()
}

// ConnectionOpened and ConnectionClosed track the active gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// Handler serves the metrics gathered by g, or the default gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes h under /metrics on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
