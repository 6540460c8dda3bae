package platform

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/probe"
	"github.com/jnesss/pgfault-recorder/transport"
)

// Fault flag bits used when synthesising faults. Values follow
// include/linux/mm_types.h.
const (
	faultFlagWrite         = 1 << 0
	faultFlagAllowRetry    = 1 << 2
	faultFlagKillable      = 1 << 4
	faultFlagUser          = 1 << 6
	faultFlagInstruction   = 1 << 8
	faultFlagInterruptible = 1 << 9
)

const simulateTick = 10 * time.Millisecond

// SimulatedMonitor drives the probe handler from goroutines instead of the
// kernel. The pipeline downstream of the transport is the same one the
// kprobe feeds.
type SimulatedMonitor struct {
	cfg    MonitorConfig
	logger *zap.Logger
	ring   *transport.Ring

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewSimulatedMonitor returns an unstarted monitor producing cfg.SimulateRate
// faults per second.
func NewSimulatedMonitor(cfg MonitorConfig) (*SimulatedMonitor, error) {
	cfg = cfg.withDefaults()
	if cfg.SimulateRate <= 0 {
		return nil, fmt.Errorf("simulate rate must be positive, got %d", cfg.SimulateRate)
	}
	ring, err := transport.New(cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring: %w", err)
	}
	return &SimulatedMonitor{
		cfg:    cfg,
		logger: cfg.Logger.Named("simulate"),
		ring:   ring,
	}, nil
}

// Start launches the producer goroutines.
func (m *SimulatedMonitor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, m.cancel = context.WithCancel(ctx)

	workers := m.cfg.SimulateWorkers
	perTick := max(1, m.cfg.SimulateRate*int(simulateTick/time.Millisecond)/1000/workers)
	m.logger.Info("Starting simulated page faults",
		zap.Int("rate", m.cfg.SimulateRate),
		zap.Int("workers", workers),
		zap.Int("ring_size", m.ring.Size()),
	)

	for w := 0; w < workers; w++ {
		m.wg.Add(1)
		go func(seed uint64) {
			defer m.wg.Done()
			m.produce(ctx, rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano()))), perTick)
		}(uint64(w))
	}
	return nil
}

func (m *SimulatedMonitor) produce(ctx context.Context, rng *rand.Rand, perTick int) {
	ticker := time.NewTicker(simulateTick)
	defer ticker.Stop()

	tgid := uint64(os.Getpid())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < perTick; i++ {
				probe.HandleFault(randomFault(rng, tgid), m.ring)
			}
		}
	}
}

func randomFault(rng *rand.Rand, tgid uint64) probe.Call {
	// user half of a 47-bit address space, page aligned
	addr := rng.Uint64N(1<<47) &^ 0xfff
	flags := uint64(faultFlagAllowRetry | faultFlagKillable | faultFlagUser | faultFlagInterruptible)
	switch rng.IntN(4) {
	case 0:
		flags |= faultFlagWrite
	case 1:
		flags |= faultFlagInstruction
	}
	return probe.Call{
		Args:    []uint64{0, addr, flags},
		PidTgid: tgid<<32 | tgid,
	}
}

// Stop halts the producers and closes the ring. Records already committed
// stay readable until the collector drains them.
func (m *SimulatedMonitor) Stop() error {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
		m.ring.Close()
	})
	return nil
}

// Source implements FaultMonitor.
func (m *SimulatedMonitor) Source() collector.Source {
	return m.ring
}

// Dropped implements FaultMonitor.
func (m *SimulatedMonitor) Dropped() (uint64, error) {
	return m.ring.Dropped(), nil
}

// BufferSize implements FaultMonitor.
func (m *SimulatedMonitor) BufferSize() int {
	return m.ring.Size()
}
