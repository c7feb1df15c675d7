// Package metrics provides Prometheus metrics for the verifier
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collector collects and exposes verifier metrics on its own registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	requestsCreated  *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	statusPolls      *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	sessionsExpired  prometheus.Counter
	upstreamDuration prometheus.Histogram
}

// NewCollector creates a collector with the given metric namespace
func NewCollector(logger zerolog.Logger, namespace string) *Collector {
	if namespace == "" {
		namespace = "verifier"
	}

	c := &Collector{
		logger:   logger.With().Str("component", "metrics_collector").Logger(),
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presentation_requests_total",
			Help:      "Presentation requests created, by mode and result",
		}, []string{"mode", "result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presentation_callbacks_total",
			Help:      "Wallet callbacks received, by outcome",
		}, []string{"outcome"}),
		statusPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presentation_status_polls_total",
			Help:      "Status polls, by reported status",
		}, []string{"status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by the cleanup loop",
		}),
		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_service_duration_seconds",
			Help:      "Latency of Verified ID Request Service calls",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.requestsCreated,
		c.callbacks,
		c.statusPolls,
		c.httpDuration,
		c.sessionsExpired,
		c.upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) RecordRequestCreated(mode string, err error) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.requestsCreated.WithLabelValues(mode, result).Inc()
}

func (c *Collector) RecordCallback(outcome string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordStatusPoll(status string) {
	if c == nil {
		return
	}
	c.statusPolls.WithLabelValues(status).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, code int, d time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

func (c *Collector) RecordSessionsExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sessionsExpired.Add(float64(n))
}

func (c *Collector) RecordUpstreamCall(d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: promLogger{c.logger},
	})
}

type promLogger struct {
	logger zerolog.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
