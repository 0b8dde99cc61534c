package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "lp_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promVec struct {
	vec *prometheus.CounterVec
}

func (p promVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	ticks          prometheus.Counter
	actions        *prometheus.CounterVec
	ordersPlaced   prometheus.Counter
	ordersFailed   prometheus.Counter
	oracleErrors   prometheus.Counter
	iterationPanic prometheus.Counter
	loopRunning    prometheus.Gauge
	reference      prometheus.Gauge
	baseAmount     prometheus.Gauge
	quoteAmount    prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ticks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ticks_total",
		Help:      "Total number of control loop iterations.",
	})
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "actions_total",
		Help:      "Reconciliation decisions by action kind.",
	}, []string{"kind"})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of hedge orders accepted by the venue.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of hedge order failures.",
	})
	oracleErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "oracle_errors_total",
		Help:      "Total number of failed pool position reads.",
	})
	iterationPanic := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "iteration_panics_total",
		Help:      "Total number of recovered loop iteration panics.",
	})
	loopRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "loop_running",
		Help:      "1 while the control loop is running.",
	})
	reference := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "reference_base_amount",
		Help:      "Base amount the hedge was last sized against.",
	})
	baseAmount := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "pool_base_amount",
		Help:      "Last observed base amount in the LP position.",
	})
	quoteAmount := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "pool_quote_amount",
		Help:      "Last observed quote amount in the LP position.",
	})

	registry.MustRegister(ticks, actions, ordersPlaced, ordersFailed, oracleErrors, iterationPanic, loopRunning, reference, baseAmount, quoteAmount)

	m := &Metrics{
		Ticks:          promCounter{ticks},
		Actions:        promVec{actions},
		OrdersPlaced:   promCounter{ordersPlaced},
		OrdersFailed:   promCounter{ordersFailed},
		OracleErrors:   promCounter{oracleErrors},
		IterationPanic: promCounter{iterationPanic},
		LoopRunning:    loopRunning,
		Reference:      reference,
		BaseAmount:     baseAmount,
		QuoteAmount:    quoteAmount,
	}

	return &Prometheus{
		Metrics:        m,
		registry:       registry,
		ticks:          ticks,
		actions:        actions,
		ordersPlaced:   ordersPlaced,
		ordersFailed:   ordersFailed,
		oracleErrors:   oracleErrors,
		iterationPanic: iterationPanic,
		loopRunning:    loopRunning,
		reference:      reference,
		baseAmount:     baseAmount,
		quoteAmount:    quoteAmount,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
