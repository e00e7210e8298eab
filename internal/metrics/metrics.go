package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fxnlabs/dpuvec/internal/alloc"
	"github.com/fxnlabs/dpuvec/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dpuvec"

// Metrics holds the runtime's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EndpointResponses *prometheus.CounterVec

	Units              prometheus.Gauge
	UnitBytesInUse     *prometheus.GaugeVec
	UnitBytesFree      *prometheus.GaugeVec
	UnitFreeBlocks     *prometheus.GaugeVec
	AllocationFailures prometheus.Counter

	EventsSubmitted *prometheus.CounterVec
	EventsCompleted *prometheus.CounterVec
	EventQueueWait  *prometheus.HistogramVec
	EventDuration   *prometheus.HistogramVec
	QueueDepth      prometheus.Gauge
}

// NewMetrics registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EndpointResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_responses_total",
			Help:      "The total number of endpoint responses",
		}, []string{"endpoint", "status_code"}),

		Units: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units",
			Help:      "Number of units in the acquired set",
		}),
		UnitBytesInUse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_bytes_in_use",
			Help:      "Bytes handed out by the allocator on each unit",
		}, []string{"unit"}),
		UnitBytesFree: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_bytes_free",
			Help:      "Bytes still allocatable on each unit",
		}, []string{"unit"}),
		UnitFreeBlocks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_free_blocks",
			Help:      "Entries in each unit's free list",
		}, []string{"unit"}),
		AllocationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Vector allocations that failed on some unit",
		}),

		EventsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_submitted_total",
			Help:      "Events submitted to the queue by kind",
		}, []string{"kind"}),
		EventsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_completed_total",
			Help:      "Events finished by kind and status",
		}, []string{"kind", "status"}),
		EventQueueWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_queue_wait_seconds",
			Help:      "Time between submission and initiation",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12), // 1µs to ~4s
		}, []string{"kind"}),
		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time between initiation and completion",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12), // 10µs to ~40s
		}, []string{"kind"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting to be initiated",
		}),
	}
}

func (m *Metrics) EventSubmitted(kind event.Kind) {
	if m == nil {
		return
	}
	m.EventsSubmitted.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) EventStarted(kind event.Kind, queued time.Duration) {
	if m == nil {
		return
	}
	m.EventQueueWait.WithLabelValues(kind.String()).Observe(queued.Seconds())
}

func (m *Metrics) EventCompleted(kind event.Kind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsCompleted.WithLabelValues(kind.String(), status).Inc()
	m.EventDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) QueueDepthChanged(pending int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(pending))
}

// SetUnits records the size of the acquired set. Zero clears the per-unit
// gauges.
func (m *Metrics) SetUnits(n int) {
	if m == nil {
		return
	}
	m.Units.Set(float64(n))
	if n == 0 {
		m.UnitBytesInUse.Reset()
		m.UnitBytesFree.Reset()
		m.UnitFreeBlocks.Reset()
	}
}

// ObserveAllocator publishes a per-unit allocator snapshot.
func (m *Metrics) ObserveAllocator(stats []alloc.UnitStats) {
	if m == nil {
		return
	}
	for i, s := range stats {
		unit := strconv.Itoa(i)
		m.UnitBytesInUse.WithLabelValues(unit).Set(float64(s.InUse))
		m.UnitBytesFree.WithLabelValues(unit).Set(float64(s.Free()))
		m.UnitFreeBlocks.WithLabelValues(unit).Set(float64(s.FreeBlocks))
	}
}

func (m *Metrics) AllocationFailed() {
	if m == nil {
		return
	}
	m.AllocationFailures.Inc()
}

// Handler serves the gatherer's metrics, counting its own responses.
func (m *Metrics) Handler(g prometheus.Gatherer) http.Handler {
	return m.Middleware(promhttp.HandlerFor(g, promhttp.HandlerOpts{}), "/metrics")
}
