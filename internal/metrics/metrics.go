package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	HedgesStarted           Counter
	HedgesCompleted         Counter
	HedgesCancelled         Counter
	HedgesFailed            Counter
	OrdersPlaced            Counter
	OrdersRepositioned      Counter
	ReconciliationFallbacks Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		HedgesStarted:           n,
		HedgesCompleted:         n,
		HedgesCancelled:         n,
		HedgesFailed:            n,
		OrdersPlaced:            n,
		OrdersRepositioned:      n,
		ReconciliationFallbacks: n,
	}
}
