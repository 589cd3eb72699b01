package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics tracks ledger throughput, rejections and collaborator delivery.
type VaultMetrics struct {
	operations       *prometheus.CounterVec
	failures         *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	vaultsCreated    prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	pendingCredits   *prometheus.GaugeVec
	creditsRetried   *prometheus.CounterVec
	invariantFailure prometheus.Counter
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Committed ledger operations by kind.",
			}, []string{"operation"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "ledger",
				Name:      "failures_total",
				Help:      "Rejected ledger operations by kind, error class and reason.",
			}, []string{"operation", "class", "reason"}),
			batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "multivault",
				Subsystem: "ledger",
				Name:      "batch_size",
				Help:      "Number of elements in committed batch operations.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			}, []string{"operation"}),
			vaultsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "ledger",
				Name:      "vaults_created_total",
				Help:      "Vaults initialised with floor shares.",
			}),
			deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "delivery",
				Name:      "failures_total",
				Help:      "Failed post-commit deliveries by collaborator.",
			}, []string{"collaborator"}),
			pendingCredits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "multivault",
				Subsystem: "delivery",
				Name:      "pending_credits",
				Help:      "Outstanding undelivered credits by kind.",
			}, []string{"kind"}),
			creditsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "delivery",
				Name:      "credits_retried_total",
				Help:      "Pending credits redelivered by kind and outcome.",
			}, []string{"kind", "outcome"}),
			invariantFailure: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "multivault",
				Subsystem: "audit",
				Name:      "invariant_failures_total",
				Help:      "Share conservation violations detected by audits.",
			}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.failures,
			vaultRegistry.batchSize,
			vaultRegistry.vaultsCreated,
			vaultRegistry.deliveryFailures,
			vaultRegistry.pendingCredits,
			vaultRegistry.creditsRetried,
			vaultRegistry.invariantFailure,
		)
	})
	return vaultRegistry
}

func label(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}

func (m *VaultMetrics) ObserveOperation(operation string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(label(operation)).Inc()
}

func (m *VaultMetrics) ObserveFailure(operation, class, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(operation), label(class), label(reason)).Inc()
}

func (m *VaultMetrics) ObserveBatch(operation string, size int) {
	if m == nil {
		return
	}
	m.batchSize.WithLabelValues(label(operation)).Observe(float64(size))
}

func (m *VaultMetrics) IncVaultCreated() {
	if m == nil {
		return
	}
	m.vaultsCreated.Inc()
}

func (m *VaultMetrics) IncDeliveryFailure(collaborator string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(label(collaborator)).Inc()
}

func (m *VaultMetrics) SetPendingCredits(kind string, count int) {
	if m == nil {
		return
	}
	m.pendingCredits.WithLabelValues(label(kind)).Set(float64(count))
}

func (m *VaultMetrics) ObserveCreditRetry(kind string, delivered bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.creditsRetried.WithLabelValues(label(kind), outcome).Inc()
}

func (m *VaultMetrics) IncInvariantFailure() {
	if m == nil {
		return
	}
	m.invariantFailure.Inc()
}
