package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	matchRuns     prometheus.Counter
	matchDuration prometheus.Histogram
	matchPairs    prometheus.Counter
	divergences   prometheus.Counter
	treatments    *prometheus.CounterVec
	closes        *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
}

// NewMetrics initialises the registry with the HTTP and engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concilio_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "concilio_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	matchRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concilio_match_runs_total",
		Help: "Completed matching runs.",
	})
	matchDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "concilio_match_run_duration_seconds",
		Help:    "Duration of matching runs.",
		Buckets: prometheus.DefBuckets,
	})
	matchPairs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concilio_match_pairs_total",
		Help: "Confirmed pairs produced by matching runs.",
	})
	divergences := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concilio_divergences_total",
		Help: "Divergences detected by matching runs.",
	})
	treatments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concilio_treatments_total",
		Help: "Treatment actions applied, by action.",
	}, []string{"action"})
	closes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concilio_close_attempts_total",
		Help: "Close attempts, by outcome.",
	}, []string{"outcome"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "concilio_jobs_total",
		Help: "Background job executions, by task and outcome.",
	}, []string{"task", "outcome"})
	registry.MustRegister(requests, duration, matchRuns, matchDuration, matchPairs, divergences, treatments, closes, jobs)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		matchRuns:       matchRuns,
		matchDuration:   matchDuration,
		matchPairs:      matchPairs,
		divergences:     divergences,
		treatments:      treatments,
		closes:          closes,
		jobsTotal:       jobs,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveMatchingRun records the outcome of one matching run.
func (m *Metrics) ObserveMatchingRun(duration time.Duration, pairs, divergences int) {
	if m == nil {
		return
	}
	m.matchRuns.Inc()
	m.matchDuration.Observe(duration.Seconds())
	m.matchPairs.Add(float64(pairs))
	m.divergences.Add(float64(divergences))
}

// ObserveTreatment records one applied treatment action.
func (m *Metrics) ObserveTreatment(action string) {
	if m == nil {
		return
	}
	m.treatments.WithLabelValues(action).Inc()
}

// ObserveClose records one close attempt.
func (m *Metrics) ObserveClose(success bool) {
	if m == nil {
		return
	}
	outcome := "blocked"
	if success {
		outcome = "completed"
	}
	m.closes.WithLabelValues(outcome).Inc()
}

// ObserveJob records one background job execution.
func (m *Metrics) ObserveJob(task string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.jobsTotal.WithLabelValues(task, outcome).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
