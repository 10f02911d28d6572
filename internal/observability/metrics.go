package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	markAttemptsTotal  *prometheus.CounterVec
	slotsOpenedTotal   prometheus.Counter
	slotsClosedTotal   prometheus.Counter
	openSlots          prometheus.Gauge
	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors on the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		markAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_mark_attempts_total",
			Help: "Attendance mark attempts by outcome.",
		}, []string{"outcome"})

		slotsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_slots_opened_total",
			Help: "Attendance slots opened.",
		})

		slotsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_slots_closed_total",
			Help: "Attendance slots closed by a teacher or admin.",
		})

		openSlots = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_open_slots",
			Help: "Slots currently accepting marks, refreshed periodically.",
		})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Latency distribution for HTTP requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		prometheus.MustRegister(markAttemptsTotal, slotsOpenedTotal, slotsClosedTotal, openSlots, httpRequestsTotal, httpLatencySeconds)
	})
}

// MarkAttempts exposes the mark outcome counter.
func MarkAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return markAttemptsTotal
}

// OpenSlots exposes the open slot gauge.
func OpenSlots() prometheus.Gauge {
	RegisterMetrics()
	return openSlots
}

// HTTPRequests exposes the request counter.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// Recorder feeds attendance service events into the collectors.
type Recorder struct{}

func NewRecorder() Recorder {
	RegisterMetrics()
	return Recorder{}
}

func (Recorder) MarkAttempt(outcome string) { markAttemptsTotal.WithLabelValues(outcome).Inc() }
func (Recorder) SlotOpened()                { slotsOpenedTotal.Inc() }
func (Recorder) SlotClosed()                { slotsClosedTotal.Inc() }
