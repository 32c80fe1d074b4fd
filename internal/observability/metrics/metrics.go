// Package metrics defines LiquidatorMetrics, a lazy-singleton Prometheus
// registry following the teacher's observability package's
// sync.Once-guarded pattern (ModuleMetrics, OracleAttesterdMetrics), here
// re-keyed to the liquidation agent's own counters: borrowers by state, HF
// recomputes, prepare/execute outcomes, active executions, and per-source
// price staleness.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LiquidatorMetrics is the process-wide metrics registry.
type LiquidatorMetrics struct {
	BorrowersByState   *prometheus.GaugeVec
	HFRecomputes       prometheus.Counter
	PrepareOutcomes    *prometheus.CounterVec
	ExecuteOutcomes    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	PriceSourceStale   *prometheus.GaugeVec
}

var (
	once sync.Once
	reg  *LiquidatorMetrics
)

// Registry returns the lazily-initialized, process-wide metrics registry.
func Registry() *LiquidatorMetrics {
	once.Do(func() {
		reg = &LiquidatorMetrics{
			BorrowersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "liquidator",
				Name:      "borrowers_by_state",
				Help:      "Current borrower count per state band.",
			}, []string{"state"}),
			HFRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "liquidator",
				Name:      "hf_recomputes_total",
				Help:      "Total health-factor recomputations performed.",
			}),
			PrepareOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Name:      "prepare_outcomes_total",
				Help:      "Prepare pipeline outcomes by reason.",
			}, []string{"outcome"}),
			ExecuteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "liquidator",
				Name:      "execute_outcomes_total",
				Help:      "Execute pipeline outcomes by reason.",
			}, []string{"outcome"}),
			ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "liquidator",
				Name:      "active_executions",
				Help:      "In-flight liquidation executions (<= max_concurrent_tx).",
			}),
			PriceSourceStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "liquidator",
				Name:      "price_source_stale",
				Help:      "1 if a configured price source is currently stale, else 0.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(
			reg.BorrowersByState,
			reg.HFRecomputes,
			reg.PrepareOutcomes,
			reg.ExecuteOutcomes,
			reg.ActiveExecutions,
			reg.PriceSourceStale,
		)
	})
	return reg
}

// ObservePrepare implements pipeline.Metrics.
func (m *LiquidatorMetrics) ObservePrepare(outcome string) {
	m.PrepareOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveExecute implements pipeline.Metrics.
func (m *LiquidatorMetrics) ObserveExecute(outcome string) {
	m.ExecuteOutcomes.WithLabelValues(outcome).Inc()
}

// SetActiveExecutions implements pipeline.Metrics.
func (m *LiquidatorMetrics) SetActiveExecutions(n int32) {
	m.ActiveExecutions.Set(float64(n))
}
