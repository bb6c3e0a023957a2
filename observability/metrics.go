package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// EscrowMetrics wraps collectors tracking ledger transitions.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	records     prometheus.Gauge
	released    *prometheus.CounterVec
	settlement  prometheus.Histogram
}

// Escrow exposes the process-wide escrow ledger metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = NewEscrowMetrics(prometheus.DefaultRegisterer)
	})
	return escrowRegistry
}

// NewEscrowMetrics builds an escrow registry registered with reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewEscrowMetrics(reg prometheus.Registerer) *EscrowMetrics {
	m := &EscrowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow operations segmented by operation and result.",
		}, []string{"op", "result"}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Name:      "records",
			Help:      "Number of escrows held by the ledger.",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "value_released_total",
			Help:      "Value moved out of escrow in smallest units, by transfer kind.",
		}, []string{"kind"}),
		settlement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "escrow",
			Name:      "settlement_seconds",
			Help:      "Latency of journal commit plus settlement call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.records, m.released, m.settlement)
	}
	return m
}

// RecordTransition counts one operation attempt. result is "ok" or an error
// kind label.
func (m *EscrowMetrics) RecordTransition(op, result string) {
	if m == nil {
		return
	}
	if result = strings.TrimSpace(result); result == "" {
		result = "unspecified"
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

// SetRecords updates the record gauge.
func (m *EscrowMetrics) SetRecords(n int) {
	if m == nil {
		return
	}
	m.records.Set(float64(n))
}

// RecordReleased adds amount to the released-value counter for kind.
func (m *EscrowMetrics) RecordReleased(kind string, amount *big.Int) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(kind).Add(bigToFloat(amount))
}

// ObserveSettlement records commit latency.
func (m *EscrowMetrics) ObserveSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settlement.Observe(d.Seconds())
}

// SettlementMetrics wraps collectors for the settlement book.
type SettlementMetrics struct {
	operations *prometheus.CounterVec
	held       prometheus.Gauge
	available  prometheus.Gauge
}

// Settlement exposes the process-wide settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = NewSettlementMetrics(prometheus.DefaultRegisterer)
	})
	return settlementRegistry
}

// NewSettlementMetrics builds a settlement registry registered with reg.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	m := &SettlementMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Deposits and transfers segmented by operation and outcome.",
		}, []string{"op", "outcome"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "held",
			Help:      "Total value currently held on behalf of escrows, in smallest units.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "escrow",
			Subsystem: "settlement",
			Name:      "available",
			Help:      "Indicates whether the settlement book accepts calls (1) or not (0).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.held, m.available)
	}
	return m
}

// Record counts one settlement operation.
func (m *SettlementMetrics) Record(op, outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unspecified"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// SetHeld updates the held-value gauge.
func (m *SettlementMetrics) SetHeld(total *big.Int) {
	if m == nil {
		return
	}
	m.held.Set(bigToFloat(total))
}

// SetAvailable toggles the availability gauge.
func (m *SettlementMetrics) SetAvailable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.available.Set(1)
		return
	}
	m.available.Set(0)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
