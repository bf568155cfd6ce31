// Package metrics exposes Prometheus instruments for workers and the exchange retry path.
//
//   - martingale_orders_total{strategy,role,outcome}  orders placed or failed
//   - martingale_self_heal_total{strategy,result}     self-heal passes (noop|replaced|skipped)
//   - martingale_position_size{strategy}              tracked position size
//   - martingale_avg_cost{strategy}                   tracked average cost
//   - martingale_add_count{strategy}                  filled ADD levels in the cycle
//   - martingale_execution_mode{strategy,mode}        1 for the active mode, 0 for the others
//   - martingale_cycles_total{strategy}               completed cycles
//   - exchange_retries_total{op}                      transient retries
//   - exchange_escalations_total{op}                  exhausted retry budgets
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"martingaleexecutor/src/model"
)

var modes = []model.ExecutionMode{model.ModeNormal, model.ModePositionOnly, model.ModeEmergencyExit, model.ModeSuspended}

type Metrics struct {
	registry *prometheus.Registry

	orders      *prometheus.CounterVec
	selfHeal    *prometheus.CounterVec
	position    *prometheus.GaugeVec
	avgCost     *prometheus.GaugeVec
	addCount    *prometheus.GaugeVec
	mode        *prometheus.GaugeVec
	cycles      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	escalations *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "martingale_orders_total", Help: "Orders submitted by role and outcome"},
			[]string{"strategy", "role", "outcome"},
		),
		selfHeal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "martingale_self_heal_total", Help: "Self-heal passes by result"},
			[]string{"strategy", "result"},
		),
		position: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "martingale_position_size", Help: "Tracked position size"},
			[]string{"strategy"},
		),
		avgCost: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "martingale_avg_cost", Help: "Tracked average cost"},
			[]string{"strategy"},
		),
		addCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "martingale_add_count", Help: "Filled ADD levels in the current cycle"},
			[]string{"strategy"},
		),
		mode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "martingale_execution_mode", Help: "Execution mode indicator, one labeled series per mode"},
			[]string{"strategy", "mode"},
		),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "martingale_cycles_total", Help: "Completed martingale cycles"},
			[]string{"strategy"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchange_retries_total", Help: "Transient exchange errors retried"},
			[]string{"op"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "exchange_escalations_total", Help: "Exchange calls that exhausted the retry budget"},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(
		m.orders, m.selfHeal, m.position, m.avgCost, m.addCount, m.mode, m.cycles, m.retries, m.escalations,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ----- exchange.RetryObserver -----

func (m *Metrics) Retried(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) Escalated(op string) {
	m.escalations.WithLabelValues(op).Inc()
}

// ----- worker.Observer -----

func (m *Metrics) OrderPlaced(strategyKey string, role model.Role) {
	m.orders.WithLabelValues(strategyKey, string(role), "placed").Inc()
}

func (m *Metrics) OrderFailed(strategyKey string, role model.Role) {
	m.orders.WithLabelValues(strategyKey, string(role), "failed").Inc()
}

func (m *Metrics) SelfHeal(strategyKey, result string) {
	m.selfHeal.WithLabelValues(strategyKey, result).Inc()
}

func (m *Metrics) PositionChanged(strategyKey string, size, avg decimal.Decimal, addCount int) {
	m.position.WithLabelValues(strategyKey).Set(size.InexactFloat64())
	m.avgCost.WithLabelValues(strategyKey).Set(avg.InexactFloat64())
	m.addCount.WithLabelValues(strategyKey).Set(float64(addCount))
}

func (m *Metrics) ModeChanged(strategyKey string, mode model.ExecutionMode) {
	for _, candidate := range modes {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.mode.WithLabelValues(strategyKey, string(candidate)).Set(v)
	}
}

func (m *Metrics) CycleCompleted(strategyKey string) {
	m.cycles.WithLabelValues(strategyKey).Inc()
}
