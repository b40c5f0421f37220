package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_arb_bot"

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
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
	}
	opportunitiesFound := newCounter("opportunities_found_total", "Total number of qualifying opportunities detected.")
	positionsOpened := newCounter("positions_opened_total", "Total number of hedged positions opened.")
	positionsClosed := newCounter("positions_closed_total", "Total number of hedged positions closed cleanly.")
	positionsFailed := newCounter("positions_failed_total", "Total number of positions that ended in failure.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order placement failures.")
	rebalances := newCounter("rebalances_total", "Total number of hedge rebalances applied.")
	emergencyCloses := newCounter("emergency_closes_total", "Total number of emergency closes triggered.")

	registry.MustRegister(opportunitiesFound, positionsOpened, positionsClosed, positionsFailed, ordersPlaced, ordersFailed, rebalances, emergencyCloses)

	return &Prometheus{
		Metrics: &Metrics{
			OpportunitiesFound: promCounter{opportunitiesFound},
			PositionsOpened:    promCounter{positionsOpened},
			PositionsClosed:    promCounter{positionsClosed},
			PositionsFailed:    promCounter{positionsFailed},
			OrdersPlaced:       promCounter{ordersPlaced},
			OrdersFailed:       promCounter{ordersFailed},
			Rebalances:         promCounter{rebalances},
			EmergencyCloses:    promCounter{emergencyCloses},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
