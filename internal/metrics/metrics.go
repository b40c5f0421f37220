package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OpportunitiesFound Counter
	PositionsOpened    Counter
	PositionsClosed    Counter
	PositionsFailed    Counter
	OrdersPlaced       Counter
	OrdersFailed       Counter
	Rebalances         Counter
	EmergencyCloses    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OpportunitiesFound: n,
		PositionsOpened:    n,
		PositionsClosed:    n,
		PositionsFailed:    n,
		OrdersPlaced:       n,
		OrdersFailed:       n,
		Rebalances:         n,
		EmergencyCloses:    n,
	}
}
