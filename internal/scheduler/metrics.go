package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics owned by the scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// queueLength is the current number of queued requests.
	queueLength prometheus.Gauge

	// runningRequests is the number of requests currently holding a slot.
	runningRequests prometheus.Gauge

	// requestsTotal counts terminal requests, partitioned by state and priority.
	requestsTotal *prometheus.CounterVec

	// rejectedTotal counts submissions rejected because the queue was full.
	rejectedTotal prometheus.Counter

	// queueWaitSeconds records time spent queued before dispatch.
	queueWaitSeconds prometheus.Histogram

	// generationSeconds records dispatch-to-terminal duration.
	generationSeconds prometheus.Histogram

	// tokensStreamedTotal counts tokens delivered to callers.
	tokensStreamedTotal prometheus.Counter
}

// NewMetrics registers scheduler metrics against reg. Metrics go into the
// provided registry, never the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "queue_length",
			Help:      "Number of requests waiting in the admission queue.",
		}),
		runningRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "running_requests",
			Help:      "Number of requests currently running against the engine.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "requests_total",
			Help:      "Total number of terminal requests, partitioned by state and priority.",
		}, []string{"state", "priority"}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "rejected_total",
			Help:      "Total number of submissions rejected with queue full.",
		}),
		queueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time requests spent queued before dispatch.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		generationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "generation_seconds",
			Help:      "Wall-clock duration of generation from dispatch to terminal state.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		tokensStreamedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "advakod",
			Subsystem: "scheduler",
			Name:      "tokens_streamed_total",
			Help:      "Total number of tokens streamed to callers.",
		}),
	}
}

func (m *Metrics) setQueueLength(n int) {
	if m != nil {
		m.queueLength.Set(float64(n))
	}
}

func (m *Metrics) incRunning() {
	if m != nil {
		m.runningRequests.Inc()
	}
}

func (m *Metrics) decRunning() {
	if m != nil {
		m.runningRequests.Dec()
	}
}

func (m *Metrics) incRejected() {
	if m != nil {
		m.rejectedTotal.Inc()
	}
}

func (m *Metrics) observeQueueWait(d time.Duration) {
	if m != nil {
		m.queueWaitSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) observeOutcome(rec Record) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(string(rec.State), rec.Priority.String()).Inc()
	m.tokensStreamedTotal.Add(float64(rec.Tokens))
	if !rec.StartedAt.IsZero() {
		m.generationSeconds.Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	}
}
