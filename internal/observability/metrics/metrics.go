// Package metrics exposes orchestrator measurements through a Prometheus registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"WAMP-Orchestrator/pkg/plugin"
)

// Collector implements plugin.Observer and records HTTP traffic of the status API.
type Collector struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	ready         *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector backed by its own registry, so several
// instances can coexist in tests.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wampd_registrations_total",
			Help: "Resolved registration and subscription requests.",
		}, []string{"plugin", "kind", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wampd_registration_batch_duration_seconds",
			Help:    "Time from batch submission to resolution.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"plugin", "kind", "result"}),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wampd_plugin_ready",
			Help: "1 when the plugin completed its registrations on the current session.",
		}, []string{"plugin"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wampd_plugin_state_transitions_total",
			Help: "Lifecycle state transitions per plugin.",
		}, []string{"plugin", "state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wampd_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wampd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		c.registrations,
		c.batchDuration,
		c.ready,
		c.transitions,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveOutcome counts one resolved request.
func (c *Collector) ObserveOutcome(pluginName string, outcome plugin.Outcome) {
	c.registrations.WithLabelValues(pluginName, string(outcome.Request.Kind), string(outcome.Status)).Inc()
}

// ObserveBatch records how long a batch took to resolve.
func (c *Collector) ObserveBatch(pluginName string, kind plugin.Kind, ready bool, elapsed time.Duration) {
	result := "ready"
	if !ready {
		result = "failed"
	}
	c.batchDuration.WithLabelValues(pluginName, string(kind), result).Observe(elapsed.Seconds())
}

// ObserveState tracks lifecycle transitions and the ready gauge.
func (c *Collector) ObserveState(pluginName string, state plugin.State) {
	c.transitions.WithLabelValues(pluginName, string(state)).Inc()
	if state == plugin.StateReady {
		c.ready.WithLabelValues(pluginName).Set(1)
	} else {
		c.ready.WithLabelValues(pluginName).Set(0)
	}
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
