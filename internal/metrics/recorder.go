// Package metrics records Prometheus metrics for the mail agent. A Recorder
// owns its registry so tests and multiple servers never collide on the
// global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailagent"

// Recorder implements the observer interfaces of the agent loop, the mail
// client, the rate limiter and the credential manager.
type Recorder struct {
	registry *prometheus.Registry
	start    time.Time

	turnsTotal        *prometheus.CounterVec
	turnSteps         prometheus.Histogram
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	toolCallsTotal    *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	mailCallsTotal    *prometheus.CounterVec
	mailCallDuration  *prometheus.HistogramVec
	mailRetriesTotal  *prometheus.CounterVec
	rateLimitTotal    *prometheus.CounterVec
	refreshTotal      *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpInFlight      prometheus.Gauge
}

// New creates a recorder on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	r := &Recorder{registry: reg, start: time.Now()}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds",
	}, func() float64 { return time.Since(r.start).Seconds() })

	r.turnsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_turns_total",
		Help:      "Completed chat cycles by outcome",
	}, []string{"outcome"})
	r.turnSteps = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chat_turn_steps",
		Help:      "Inference steps per chat cycle",
		Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
	})
	r.inferenceTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inference_requests_total",
		Help:      "Inference requests by outcome",
	}, []string{"outcome"})
	r.inferenceDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "inference_duration_seconds",
		Help:      "Inference latency in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	r.toolCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool executions by tool and status",
	}, []string{"tool", "status"})
	r.toolDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Tool execution latency in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30},
	}, []string{"tool"})
	r.mailCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_calls_total",
		Help:      "Logical mail service calls by operation and outcome",
	}, []string{"operation", "outcome"})
	r.mailCallDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mail_call_duration_seconds",
		Help:      "Mail service call latency including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	r.mailRetriesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mail_retries_total",
		Help:      "Mail service retries by operation and error kind",
	}, []string{"operation", "kind"})
	r.rateLimitTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter decisions by outcome",
	}, []string{"outcome"})
	r.refreshTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refresh_total",
		Help:      "Credential refresh attempts by outcome",
	}, []string{"outcome"})
	r.httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})
	r.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
	r.httpInFlight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served",
	})
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) ObserveTurn(outcome string, steps int) {
	r.turnsTotal.WithLabelValues(outcome).Inc()
	r.turnSteps.Observe(float64(steps))
}

func (r *Recorder) ObserveInference(outcome string, d time.Duration) {
	r.inferenceTotal.WithLabelValues(outcome).Inc()
	r.inferenceDuration.Observe(d.Seconds())
}

func (r *Recorder) ObserveToolCall(tool string, isError bool, d time.Duration) {
	status := "ok"
	if isError {
		status = "error"
	}
	r.toolCallsTotal.WithLabelValues(tool, status).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (r *Recorder) ObserveCall(op, outcome string, d time.Duration) {
	r.mailCallsTotal.WithLabelValues(op, outcome).Inc()
	r.mailCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) ObserveRetry(op, kind string) {
	r.mailRetriesTotal.WithLabelValues(op, kind).Inc()
}

func (r *Recorder) ObserveRateLimit(outcome string) {
	r.rateLimitTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveCredentialRefresh(outcome string) {
	r.refreshTotal.WithLabelValues(outcome).Inc()
}

// Middleware records request counts and latency under a fixed route label.
func (r *Recorder) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.httpRequestsTotal.WithLabelValues(route, req.Method, strconv.Itoa(sw.status)).Inc()
		r.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
