package collector

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DropCounter reports events lost at the producer because the transport
// was full.
type DropCounter interface {
	Dropped() (uint64, error)
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Emitted    uint64 `json:"emitted"`
	Dropped    uint64 `json:"dropped"`
	BufferSize int    `json:"bufferSize"`
}

// StatsReporter periodically logs pipeline counters.
type StatsReporter struct {
	collector  *Collector
	drops      DropCounter
	bufferSize int
	interval   time.Duration
	logger     *zap.Logger
}

// NewStatsReporter creates a reporter. drops may be nil.
func NewStatsReporter(c *Collector, drops DropCounter, bufferSize int, interval time.Duration, logger *zap.Logger) *StatsReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsReporter{
		collector:  c,
		drops:      drops,
		bufferSize: bufferSize,
		interval:   interval,
		logger:     logger.Named("stats"),
	}
}

// Snapshot reads the current counters.
func (r *StatsReporter) Snapshot() (Stats, error) {
	s := Stats{
		Emitted:    r.collector.Emitted(),
		BufferSize: r.bufferSize,
	}
	if r.drops == nil {
		return s, nil
	}
	dropped, err := r.drops.Dropped()
	if err != nil {
		return s, err
	}
	s.Dropped = dropped
	return s, nil
}

// Start logs a snapshot every interval until ctx is done.
func (r *StatsReporter) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Reporting pipeline stats", zap.Duration("interval", r.interval))

	var last Stats
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s, err := r.Snapshot()
			if err != nil {
				r.logger.Warn("Failed to read drop counter", zap.Error(err))
				s.Dropped = last.Dropped
			}
			r.logger.Info("Pipeline stats",
				zap.Uint64("emitted", s.Emitted),
				zap.Uint64("emitted_delta", s.Emitted-last.Emitted),
				zap.Uint64("dropped", s.Dropped),
				zap.Uint64("dropped_delta", s.Dropped-last.Dropped),
				zap.Int("buffer_size", s.BufferSize),
			)
			last = s
		}
	}
}
