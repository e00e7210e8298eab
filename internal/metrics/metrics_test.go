package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxnlabs/dpuvec/internal/alloc"
	"github.com/fxnlabs/dpuvec/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

func TestEventMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Metrics is the queue's observer.
	var _ event.Observer = m

	t.Run("submitted", func(t *testing.T) {
		m.EventSubmitted(event.Compute)
		m.EventSubmitted(event.Compute)
		m.EventSubmitted(event.Fence)
		assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsSubmitted.WithLabelValues("compute")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsSubmitted.WithLabelValues("fence")))
	})

	t.Run("completed by status", func(t *testing.T) {
		m.EventCompleted(event.TransferIn, 3*time.Millisecond, nil)
		m.EventCompleted(event.TransferIn, time.Millisecond, errors.New("copy failed"))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsCompleted.WithLabelValues("transfer_in", "ok")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsCompleted.WithLabelValues("transfer_in", "error")))
		assert.Equal(t, 1, testutil.CollectAndCount(m.EventDuration))
	})

	t.Run("queue depth", func(t *testing.T) {
		m.QueueDepthChanged(7)
		assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth))
		m.QueueDepthChanged(0)
		assert.Equal(t, float64(0), testutil.ToFloat64(m.QueueDepth))
	})

	t.Run("queue wait", func(t *testing.T) {
		m.EventStarted(event.TransferOut, 50*time.Microsecond)
		assert.Equal(t, 1, testutil.CollectAndCount(m.EventQueueWait))
	})
}

func TestAllocatorMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetUnits(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Units))

	m.ObserveAllocator([]alloc.UnitStats{
		{Capacity: 1000, Offset: 300, InUse: 200, FreeListBytes: 100, FreeBlocks: 1, LargestFree: 100},
		{Capacity: 1000, Offset: 0},
	})
	assert.Equal(t, float64(200), testutil.ToFloat64(m.UnitBytesInUse.WithLabelValues("0")))
	assert.Equal(t, float64(800), testutil.ToFloat64(m.UnitBytesFree.WithLabelValues("0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UnitFreeBlocks.WithLabelValues("0")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.UnitBytesFree.WithLabelValues("1")))

	m.AllocationFailed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AllocationFailures))

	m.SetUnits(0)
	assert.Equal(t, 0, testutil.CollectAndCount(m.UnitBytesInUse))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventSubmitted(event.Compute)
		m.EventStarted(event.Compute, time.Second)
		m.EventCompleted(event.Compute, time.Second, nil)
		m.QueueDepthChanged(1)
		m.SetUnits(4)
		m.ObserveAllocator([]alloc.UnitStats{{Capacity: 1}})
		m.AllocationFailed()
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := m.Middleware(next, "/x")
	assert.NotNil(t, h)
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	// Registering the same collectors twice is rejected.
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestHandler(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetUnits(16)

	rec := httptest.NewRecorder()
	m.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dpuvec_units 16")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EndpointResponses.WithLabelValues("/metrics", "200")))

	expected := `
# HELP dpuvec_units Number of units in the acquired set
# TYPE dpuvec_units gauge
dpuvec_units 16
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dpuvec_units"))
}

func TestMiddleware(t *testing.T) {
	m, _ := newTestMetrics(t)

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/brew")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EndpointResponses.WithLabelValues("/brew", "418")))
}

func BenchmarkEventObservation(b *testing.B) {
	m := NewMetrics(prometheus.NewRegistry())
	b.Run("Submitted", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			m.EventSubmitted(event.Compute)
		}
	})
	b.Run("Completed", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			m.EventCompleted(event.Compute, time.Duration(i), nil)
		}
	})
}
