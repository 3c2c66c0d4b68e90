package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Cycles            Counter
	CycleFailures     Counter
	OrdersPlaced      Counter
	OrdersFailed      Counter
	Cancels           Counter
	CancelsNotFound   Counter
	CooldownEntered   Counter
	CooldownCleared   Counter
	Cooling           Gauge
	LastCycleSeconds  Gauge
	LadderSellTargets Gauge
	LadderBuyTargets  Gauge
}

type noop struct{}

func (noop) Inc()        {}
func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		Cycles:            n,
		CycleFailures:     n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		Cancels:           n,
		CancelsNotFound:   n,
		CooldownEntered:   n,
		CooldownCleared:   n,
		Cooling:           n,
		LastCycleSeconds:  n,
		LadderSellTargets: n,
		LadderBuyTargets:  n,
	}
}
