package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer and the enrollment engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	promotions      prometheus.Counter
	jobsTotal       *prometheus.CounterVec
	jobWait         *prometheus.HistogramVec
	jobRun          *prometheus.HistogramVec
	activeLanes     prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_decisions_total",
		Help: "Admission controller outcomes by action",
	}, []string{"action", "outcome"})

	promotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_promotions_total",
		Help: "Waitlisted enrollments promoted to confirmed",
	})

	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_jobs_total",
		Help: "Enrollment jobs reaching a terminal state",
	}, []string{"action", "state"})

	jobWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrollment_job_wait_seconds",
		Help:    "Time jobs spend queued in their course lane",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"action"})

	jobRun := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrollment_job_run_seconds",
		Help:    "Time from first dequeue to terminal state, retries included",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	activeLanes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enrollment_active_lanes",
		Help: "Course lanes with a running worker goroutine",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, decisions, promotions, jobsTotal, jobWait, jobRun, activeLanes, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		decisions:       decisions,
		promotions:      promotions,
		jobsTotal:       jobsTotal,
		jobWait:         jobWait,
		jobRun:          jobRun,
		activeLanes:     activeLanes,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveDecision counts one admission controller outcome.
func (m *MetricsService) ObserveDecision(action models.EnrollmentAction, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(action), outcome).Inc()
}

// ObservePromotions counts promoted waitlist entries.
func (m *MetricsService) ObservePromotions(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.promotions.Add(float64(count))
}

// ObserveJob records a job that reached a terminal state.
func (m *MetricsService) ObserveJob(action models.EnrollmentAction, state models.JobState, wait, run time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(string(action), string(state)).Inc()
	m.jobWait.WithLabelValues(string(action)).Observe(wait.Seconds())
	if run > 0 {
		m.jobRun.WithLabelValues(string(action)).Observe(run.Seconds())
	}
}

// SetActiveLanes tracks the number of live course lanes.
func (m *MetricsService) SetActiveLanes(active int) {
	if m == nil {
		return
	}
	m.activeLanes.Set(float64(active))
}
