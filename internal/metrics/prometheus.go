package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bybit_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(counter)
		return counter
	}

	hedgesStarted := newCounter("hedges_started_total", "Total number of hedge/unhedge operations admitted.")
	hedgesCompleted := newCounter("hedges_completed_total", "Total number of operations that completed.")
	hedgesCancelled := newCounter("hedges_cancelled_total", "Total number of operations cancelled by the user.")
	hedgesFailed := newCounter("hedges_failed_total", "Total number of operations that failed.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of limit orders placed.")
	ordersRepositioned := newCounter("orders_repositioned_total", "Total number of limit order repositions.")
	reconFallbacks := newCounter("reconciliation_fallbacks_total", "Total number of balance reconciliations that fell back to computed quantities.")

	m := &Metrics{
		HedgesStarted:           promCounter{hedgesStarted},
		HedgesCompleted:         promCounter{hedgesCompleted},
		HedgesCancelled:         promCounter{hedgesCancelled},
		HedgesFailed:            promCounter{hedgesFailed},
		OrdersPlaced:            promCounter{ordersPlaced},
		OrdersRepositioned:      promCounter{ordersRepositioned},
		ReconciliationFallbacks: promCounter{reconFallbacks},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
