package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "grid_bot"

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	cycles          prometheus.Counter
	cycleFailures   prometheus.Counter
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	cancels         prometheus.Counter
	cancelsNotFound prometheus.Counter
	cooldownEntered prometheus.Counter
	cooldownCleared prometheus.Counter
	cooling         prometheus.Gauge
	lastCycle       prometheus.Gauge
	ladderTargets   *prometheus.GaugeVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		cycles:          newCounter("cycles_total", "Total number of trading cycles run."),
		cycleFailures:   newCounter("cycle_failures_total", "Total number of cycles that ended in an execution error."),
		ordersPlaced:    newCounter("orders_placed_total", "Total number of grid orders placed."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of grid order placement failures."),
		cancels:         newCounter("cancels_total", "Total number of far orders cancelled."),
		cancelsNotFound: newCounter("cancels_not_found_total", "Total number of cancels where the order was already gone."),
		cooldownEntered: newCounter("cooldown_entered_total", "Total number of risk cooldowns triggered."),
		cooldownCleared: newCounter("cooldown_cleared_total", "Total number of risk cooldowns that expired or were reset."),
		cooling:         newGauge("cooling", "1 while the risk cooldown is active."),
		lastCycle:       newGauge("last_cycle_seconds", "Duration of the most recent cycle."),
		ladderTargets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "ladder_targets",
			Help:      "Target order count per side from the last calculation.",
		}, []string{"side"}),
	}
	p.registry.MustRegister(
		p.cycles, p.cycleFailures, p.ordersPlaced, p.ordersFailed,
		p.cancels, p.cancelsNotFound, p.cooldownEntered, p.cooldownCleared,
		p.cooling, p.lastCycle, p.ladderTargets,
	)
	p.Metrics = &Metrics{
		Cycles:            p.cycles,
		CycleFailures:     p.cycleFailures,
		OrdersPlaced:      p.ordersPlaced,
		OrdersFailed:      p.ordersFailed,
		Cancels:           p.cancels,
		CancelsNotFound:   p.cancelsNotFound,
		CooldownEntered:   p.cooldownEntered,
		CooldownCleared:   p.cooldownCleared,
		Cooling:           p.cooling,
		LastCycleSeconds:  p.lastCycle,
		LadderSellTargets: p.ladderTargets.WithLabelValues("sell"),
		LadderBuyTargets:  p.ladderTargets.WithLabelValues("buy"),
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
