package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/priorauth/gateway/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the gateway's Prometheus collectors on a private
// registry, so tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	pollsTotal       *prometheus.CounterVec
	completionsTotal prometheus.Counter
	processedTotal   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	sseSubscribers   prometheus.GaugeFunc
}

func New(subscriberCount func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounter_polls_total",
			Help: "Encounter polls by result",
		}, []string{"result"}),
		completionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encounter_completions_total",
			Help: "Completion events emitted to the processing queue",
		}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "encounters_processed_total",
			Help: "Processed completion events by outcome status",
		}, []string{"status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}
	if subscriberCount != nil {
		m.sseSubscribers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sse_subscribers",
			Help: "Open notification streams",
		}, func() float64 { return float64(subscriberCount()) })
		m.registry.MustRegister(m.sseSubscribers)
	}
	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.pollsTotal,
		m.completionsTotal,
		m.processedTotal,
		m.breakerState,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPoll(result string) {
	m.pollsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCompletion() {
	m.completionsTotal.Inc()
}

func (m *Metrics) RecordProcessed(status string) {
	m.processedTotal.WithLabelValues(status).Inc()
}

// OnBreakerStateChange is wired as a breaker state change hook.
func (m *Metrics) OnBreakerStateChange(name string, state breaker.State) {
	var value float64
	switch state {
	case breaker.StateOpen:
		value = 1
	case breaker.StateHalfOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(name).Set(value)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware wraps the mux and records request counts and latency per
// registered route pattern, to keep label cardinality bounded.
func (m *Metrics) Middleware(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, pattern := mux.Handler(request)
		if pattern == "" {
			pattern = "unmatched"
		}
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(recorder, request)

		m.httpRequestsTotal.WithLabelValues(request.Method, pattern, strconv.Itoa(recorder.status)).Inc()
		m.httpRequestDuration.WithLabelValues(request.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
