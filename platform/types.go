package platform

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jnesss/pgfault-recorder/collector"
)

// DefaultSymbol is the kernel function probed for page faults.
const DefaultSymbol = "handle_mm_fault"

// DefaultRingSize is the ring buffer capacity in bytes.
const DefaultRingSize = 256 * 1024

// ErrUnsupported is returned where kernel probing is not available.
var ErrUnsupported = errors.New("eBPF page fault monitoring is only supported on Linux")

// FaultMonitor installs a page fault probe and exposes the consumer side of
// its transport.
type FaultMonitor interface {
	// Start loads and attaches the probe. Events flow until Stop.
	Start(context.Context) error
	// Stop detaches the probe and releases the transport.
	Stop() error
	// Source is the transport's consumer handle. Valid after Start.
	Source() collector.Source
	// Dropped returns the events rejected because the transport was full.
	Dropped() (uint64, error)
	// BufferSize returns the transport capacity in bytes.
	BufferSize() int
}

// MonitorConfig holds configuration for creating a new monitor
type MonitorConfig struct {
	RingSize int    // transport capacity in bytes
	Symbol   string // kernel function to probe
	Logger   *zap.Logger

	// Simulated monitors only
	SimulateRate    int // faults per second across all workers
	SimulateWorkers int // concurrent producers
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.Symbol == "" {
		c.Symbol = DefaultSymbol
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.SimulateWorkers <= 0 {
		c.SimulateWorkers = 1
	}
	return c
}
