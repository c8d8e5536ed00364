package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the ledger engine.
type Metrics struct {
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	idempotentHits   prometheus.Counter
	compensations    *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Total number of ledger operations by type and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_operation_duration_seconds",
				Help:      "Duration of ledger operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		idempotentHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_idempotent_replays_total",
				Help:      "Total number of operations answered from the idempotency store",
			},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_compensations_total",
				Help:      "Total number of degraded-mode compensating credits by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.operations,
		m.operationLatency,
		m.idempotentHits,
		m.compensations,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

func (m *Metrics) Compensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}
