//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/probe"
)

// LinuxBPFMonitor attaches the page fault kprobe and reads its ring buffer.
type LinuxBPFMonitor struct {
	cfg    MonitorConfig
	logger *zap.Logger

	events *ebpf.Map
	drops  *ebpf.Map
	prog   *ebpf.Program
	kprobe link.Link
	reader *ringbuf.Reader
	source *ringbufSource

	cleanupFuncs []func()
	stopOnce     sync.Once
}

// NewBPFMonitor validates cfg and returns an unstarted monitor.
func NewBPFMonitor(cfg MonitorConfig) (FaultMonitor, error) {
	cfg = cfg.withDefaults()

	page := os.Getpagesize()
	if cfg.RingSize < page || cfg.RingSize%page != 0 || cfg.RingSize&(cfg.RingSize-1) != 0 {
		return nil, fmt.Errorf("ring buffer size %d must be a power of two and a multiple of the page size %d", cfg.RingSize, page)
	}

	return &LinuxBPFMonitor{
		cfg:    cfg,
		logger: cfg.Logger.Named("bpf"),
	}, nil
}

// Start loads the probe into the kernel and attaches it to cfg.Symbol.
// On failure everything acquired so far is released.
func (m *LinuxBPFMonitor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Needed on kernels without memcg-based accounting for BPF memory
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		m.logger.Debug("Loading page fault probe",
			zap.String("kernel", unix.ByteSliceToString(uts.Release[:])),
			zap.String("symbol", m.cfg.Symbol),
			zap.Int("ring_size", m.cfg.RingSize),
		)
	}

	if err := m.load(); err != nil {
		m.cleanup()
		return err
	}
	return nil
}

func (m *LinuxBPFMonitor) load() error {
	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "events",
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(m.cfg.RingSize),
	})
	if err != nil {
		return fmt.Errorf("failed to create ring buffer map: %w", err)
	}
	m.events = events
	m.cleanupFuncs = append(m.cleanupFuncs, func() { events.Close() })

	drops, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "drops",
		Type:       ebpf.PerCPUArray,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create drop counter map: %w", err)
	}
	m.drops = drops
	m.cleanupFuncs = append(m.cleanupFuncs, func() { drops.Close() })

	spec, err := probe.ProgramSpec(events.FD(), drops.FD())
	if err != nil {
		return fmt.Errorf("failed to build probe program: %w", err)
	}

	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			m.logger.Error("Probe rejected by verifier", zap.String("log", fmt.Sprintf("%+v", ve)))
		}
		return fmt.Errorf("failed to load probe program: %w", err)
	}
	m.prog = prog
	m.cleanupFuncs = append(m.cleanupFuncs, func() { prog.Close() })

	kp, err := link.Kprobe(m.cfg.Symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("failed to attach kprobe to %s: %w", m.cfg.Symbol, err)
	}
	m.kprobe = kp
	m.cleanupFuncs = append(m.cleanupFuncs, func() { kp.Close() })

	reader, err := ringbuf.NewReader(events)
	if err != nil {
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}
	// A deadline in the past turns every read into a non-blocking poll.
	reader.SetDeadline(time.Unix(1, 0))
	m.reader = reader
	m.source = &ringbufSource{reader: reader}
	m.cleanupFuncs = append(m.cleanupFuncs, func() { reader.Close() })

	m.logger.Info("Page fault probe attached",
		zap.String("symbol", m.cfg.Symbol),
		zap.Int("ring_size", reader.BufferSize()),
	)
	return nil
}

// Stop detaches the probe and closes the maps. It is safe to call twice.
func (m *LinuxBPFMonitor) Stop() error {
	m.stopOnce.Do(m.cleanup)
	return nil
}

func (m *LinuxBPFMonitor) cleanup() {
	// Execute cleanup functions in reverse order
	for i := len(m.cleanupFuncs) - 1; i >= 0; i-- {
		m.cleanupFuncs[i]()
	}
	m.cleanupFuncs = nil
}

// Source implements FaultMonitor.
func (m *LinuxBPFMonitor) Source() collector.Source {
	return m.source
}

// Dropped sums the per-CPU drop counters.
func (m *LinuxBPFMonitor) Dropped() (uint64, error) {
	if m.drops == nil {
		return 0, nil
	}
	var perCPU []uint64
	if err := m.drops.Lookup(uint32(0), &perCPU); err != nil {
		return 0, fmt.Errorf("reading drop counter: %w", err)
	}
	var total uint64
	for _, n := range perCPU {
		total += n
	}
	return total, nil
}

// BufferSize implements FaultMonitor.
func (m *LinuxBPFMonitor) BufferSize() int {
	if m.reader == nil {
		return m.cfg.RingSize
	}
	return m.reader.BufferSize()
}

// ringbufSource adapts ringbuf.Reader to collector.Source.
type ringbufSource struct {
	reader *ringbuf.Reader
	record ringbuf.Record
}

// Next implements collector.Source. The sample aliases a buffer reused by
// the following call.
func (s *ringbufSource) Next() ([]byte, bool, error) {
	err := s.reader.ReadInto(&s.record)
	switch {
	case err == nil:
		return s.record.RawSample, true, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, false, nil
	default:
		return nil, false, err
	}
}
