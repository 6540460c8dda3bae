package sink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/types"
)

// Metrics counts emitted events.
type Metrics struct {
	events prometheus.Counter
}

// NewMetrics registers the event counter with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	events := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pgfault",
		Name:      "events_total",
		Help:      "Page fault events decoded and emitted.",
	})
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &Metrics{events: events}, nil
}

// Emit implements collector.Sink.
func (m *Metrics) Emit(types.PageFaultEvent) error {
	m.events.Inc()
	return nil
}

// RegisterDrops exposes the transport drop counter as pgfault_dropped_total.
// Read errors report the last value seen.
func RegisterDrops(reg prometheus.Registerer, drops collector.DropCounter) error {
	var last uint64
	var mu sync.Mutex
	return reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "pgfault",
		Name:      "dropped_total",
		Help:      "Page fault events dropped because the ring buffer was full.",
	}, func() float64 {
		mu.Lock()
		defer mu.Unlock()
		if n, err := drops.Dropped(); err == nil {
			last = n
		}
		return float64(last)
	}))
}
