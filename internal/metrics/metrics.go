package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// CounterVec returns a counter for one label value.
type CounterVec interface {
	With(label string) Counter
}

type Metrics struct {
	Ticks          Counter
	Actions        CounterVec
	OrdersPlaced   Counter
	OrdersFailed   Counter
	OracleErrors   Counter
	IterationPanic Counter
	LoopRunning    Gauge
	Reference      Gauge
	BaseAmount     Gauge
	QuoteAmount    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopVec struct{}

func (noopVec) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Ticks:          n,
		Actions:        noopVec{},
		OrdersPlaced:   n,
		OrdersFailed:   n,
		OracleErrors:   n,
		IterationPanic: n,
		LoopRunning:    g,
		Reference:      g,
		BaseAmount:     g,
		QuoteAmount:    g,
	}
}
