package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics owned by the result cache.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// lookupsTotal counts cache lookups, partitioned by outcome:
	// "hit", "miss", or "error".
	lookupsTotal *prometheus.CounterVec
}

// NewMetrics registers cache metrics against reg. Metrics go into the
// provided registry, never the global default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		lookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "advakod",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of result cache lookups, partitioned by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) incHit() {
	if m != nil {
		m.lookupsTotal.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) incMiss() {
	if m != nil {
		m.lookupsTotal.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) incError() {
	if m != nil {
		m.lookupsTotal.WithLabelValues("error").Inc()
	}
}
