package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, the availability
// cache and enrollment/billing domain events. A nil *MetricsService is a valid no-op.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	enrollmentTransitions *prometheus.CounterVec
	paymentsCompleted     *prometheus.CounterVec
	seatConflicts         *prometheus.CounterVec
	waitingListPromotions prometheus.Counter
	sweepRuns             *prometheus.CounterVec
}

// NewMetricsService registers Prometheus collectors on a private registry.
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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	enrollmentTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_transitions_total",
		Help: "Committed enrollment status transitions by target status",
	}, []string{"to"})

	paymentsCompleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_completed_total",
		Help: "Payments moved to COMPLETED by method",
	}, []string{"method"})

	seatConflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seat_conflicts_total",
		Help: "Seat requests rejected because the class was full",
	}, []string{"operation"})

	waitingListPromotions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waiting_list_promotions_total",
		Help: "Waiting list entries offered a seat",
	})

	sweepRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Scheduled sweep executions by outcome",
	}, []string{"sweep", "outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHits, cacheMisses,
		enrollmentTransitions, paymentsCompleted, seatConflicts, waitingListPromotions, sweepRuns, goroutines)

	return &MetricsService{
		registry:              registry,
		handler:               promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:       requestDuration,
		requestTotal:          requestTotal,
		cacheLatency:          cacheLatency,
		cacheWrite:            cacheWrite,
		cacheHits:             cacheHits,
		cacheMisses:           cacheMisses,
		enrollmentTransitions: enrollmentTransitions,
		paymentsCompleted:     paymentsCompleted,
		seatConflicts:         seatConflicts,
		waitingListPromotions: waitingListPromotions,
		sweepRuns:             sweepRuns,
	}
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache lookup outcome.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordEnrollmentTransition counts a committed enrollment transition.
func (m *MetricsService) RecordEnrollmentTransition(to string) {
	if m == nil {
		return
	}
	m.enrollmentTransitions.WithLabelValues(to).Inc()
}

// RecordPaymentCompleted counts a completed payment.
func (m *MetricsService) RecordPaymentCompleted(method string) {
	if m == nil {
		return
	}
	m.paymentsCompleted.WithLabelValues(method).Inc()
}

// RecordSeatConflict counts a CLASS_FULL rejection.
func (m *MetricsService) RecordSeatConflict(operation string) {
	if m == nil {
		return
	}
	m.seatConflicts.WithLabelValues(operation).Inc()
}

// RecordWaitingListPromotion counts an offered seat.
func (m *MetricsService) RecordWaitingListPromotion() {
	if m == nil {
		return
	}
	m.waitingListPromotions.Inc()
}

// RecordSweepRun counts a sweep execution.
func (m *MetricsService) RecordSweepRun(sweep, outcome string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(sweep, outcome).Inc()
}
