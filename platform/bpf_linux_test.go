//go:build linux

package platform

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jnesss/pgfault-recorder/collector"
	"github.com/jnesss/pgfault-recorder/types"
)

func TestNewBPFMonitorRingSize(t *testing.T) {
	page := os.Getpagesize()
	for _, size := range []int{-1, page / 2, 3 * page} {
		_, err := NewBPFMonitor(MonitorConfig{RingSize: size})
		assert.Error(t, err, "size %d", size)
	}

	m, err := NewBPFMonitor(MonitorConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRingSize, m.BufferSize())
	require.NoError(t, m.Stop())
}

// Requires root and a kernel with kprobe support.
func TestBPFMonitorCapturesOwnFaults(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}

	m, err := NewBPFMonitor(MonitorConfig{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Skipf("kprobe unavailable: %v", err)
	}
	defer m.Stop()

	pid := uint32(os.Getpid())
	found := make(chan struct{})
	sink := collector.SinkFunc(func(ev types.PageFaultEvent) error {
		if ev.PID == pid {
			select {
			case <-found:
			default:
				close(found)
			}
		}
		return nil
	})
	go collector.New(m.Source(), sink, 0, zaptest.NewLogger(t)).Run(ctx)

	// touch fresh pages until one of our faults comes back
	page := os.Getpagesize()
	for {
		mem := make([]byte, 256*page)
		for i := 0; i < len(mem); i += page {
			mem[i] = 1
		}
		select {
		case <-found:
			_, err := m.Dropped()
			assert.NoError(t, err)
			return
		case <-ctx.Done():
			t.Fatal("no page fault observed for this process")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
