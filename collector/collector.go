// Package collector drains page fault samples from a transport, decodes them
// and hands each event to a sink.
//
// The loop drains everything pending, then sleeps for a fixed poll interval.
// Readiness notifications are only a hint: they may coalesce many records
// into one wakeup, so the interval bounds the latency on its own.
package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/pgfault-recorder/types"
)

// DefaultPollInterval is the pause between drains when nothing is pending.
const DefaultPollInterval = 10 * time.Millisecond

// cancelCheckEvery bounds how many records are drained between cancellation
// checks under sustained load.
const cancelCheckEvery = 1024

// Source yields raw samples in commit order without blocking. ok is false
// when nothing is pending. The sample is only valid until the next call.
type Source interface {
	Next() (sample []byte, ok bool, err error)
}

// Notifier is implemented by sources that signal when data may be pending.
type Notifier interface {
	Ready() <-chan struct{}
}

// Sink receives decoded events, one call per record.
type Sink interface {
	Emit(types.PageFaultEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(types.PageFaultEvent) error

// Emit implements Sink.
func (f SinkFunc) Emit(ev types.PageFaultEvent) error {
	return f(ev)
}

// Collector is the single consumer of a Source.
type Collector struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   *zap.Logger

	emitted atomic.Uint64
}

// New creates a collector. A non-positive interval selects
// DefaultPollInterval.
func New(source Source, sink Sink, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger.Named("collector"),
	}
}

// Run polls until ctx is cancelled, which returns nil. Source, decode and
// sink errors stop the loop and are returned.
func (c *Collector) Run(ctx context.Context) error {
	var ready <-chan struct{}
	if n, ok := c.source.(Notifier); ok {
		ready = n.Ready()
	}

	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	c.logger.Debug("Collector started", zap.Duration("poll_interval", c.interval))

	for {
		if err := c.drain(ctx); err != nil {
			c.logger.Error("Collector stopped", zap.Error(err))
			return err
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.interval)

		select {
		case <-ctx.Done():
			c.logger.Debug("Collector cancelled", zap.Uint64("emitted", c.Emitted()))
			return nil
		case <-ready:
		case <-timer.C:
		}
	}
}

func (c *Collector) drain(ctx context.Context) error {
	for n := 1; ; n++ {
		sample, ok, err := c.source.Next()
		if err != nil {
			return fmt.Errorf("polling source: %w", err)
		}
		if !ok {
			return nil
		}

		ev, err := types.DecodePageFault(sample)
		if err != nil {
			return fmt.Errorf("decoding sample: %w", err)
		}
		if err := c.sink.Emit(ev); err != nil {
			return fmt.Errorf("emitting event: %w", err)
		}
		c.emitted.Add(1)

		if n%cancelCheckEvery == 0 && ctx.Err() != nil {
			return nil
		}
	}
}

// Emitted returns the number of events handed to the sink.
func (c *Collector) Emitted() uint64 {
	return c.emitted.Load()
}
