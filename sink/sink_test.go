package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/pgfault-recorder/process"
	"github.com/jnesss/pgfault-recorder/types"
)

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	require.NoError(t, c.Emit(types.PageFaultEvent{PID: 4242, Addr: 0x7ffee291a000, Flags: 0x4}))
	require.NoError(t, c.Emit(types.PageFaultEvent{PID: 1, Addr: 0xffffffffffffffff, Flags: 0}))

	assert.Equal(t,
		"Page fault: PID= 4242, Address=0x00007ffee291a000, Flags=0x4\n"+
			"Page fault: PID=    1, Address=0xffffffffffffffff, Flags=0x0\n",
		buf.String())
}

type staticResolver map[uint32]*process.Info

func (s staticResolver) Resolve(pid uint32) (*process.Info, bool) {
	info, ok := s[pid]
	return info, ok
}

func TestJSONEnrichment(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSON(&buf, staticResolver{
		7: {PID: 7, Comm: "nginx", ExePath: "/usr/sbin/nginx"},
	})
	fixed := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	require.NoError(t, j.Emit(types.PageFaultEvent{PID: 7, Addr: 0x1000, Flags: 0x15}))
	require.NoError(t, j.Emit(types.PageFaultEvent{PID: 8, Addr: 0x2000, Flags: 0}))

	dec := json.NewDecoder(&buf)
	var first, second JSONRecord
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))

	assert.True(t, fixed.Equal(first.Timestamp))
	first.Timestamp = time.Time{}
	assert.Equal(t, JSONRecord{
		PID:       7,
		Address:   "0x0000000000001000",
		Flags:     "0x15",
		Comm:      "nginx",
		ExePath:   "/usr/sbin/nginx",
	}, first)
	assert.Empty(t, second.Comm, "unknown processes are left unenriched")
	assert.Equal(t, uint32(8), second.PID)
}

func TestMetricsCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Emit(types.PageFaultEvent{}))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.events))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "double registration")
}

type dropCounter struct {
	n   uint64
	err error
}

func (d *dropCounter) Dropped() (uint64, error) { return d.n, d.err }

func TestRegisterDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	drops := &dropCounter{n: 5}
	require.NoError(t, RegisterDrops(reg, drops))

	const header = `
# HELP pgfault_dropped_total Page fault events dropped because the ring buffer was full.
# TYPE pgfault_dropped_total counter
`
	require.NoError(t, testutil.GatherAndCompare(reg,
		strings.NewReader(header+"pgfault_dropped_total 5\n"), "pgfault_dropped_total"))

	// a failed read keeps the previous value
	drops.n, drops.err = 9, errors.New("map gone")
	require.NoError(t, testutil.GatherAndCompare(reg,
		strings.NewReader(header+"pgfault_dropped_total 5\n"), "pgfault_dropped_total"))
}

type failing struct{ err error }

func (f failing) Emit(types.PageFaultEvent) error { return f.err }

func TestMultiStopsAtFirstError(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")

	err := Multi{NewConsole(&buf), failing{boom}, NewConsole(&buf)}.Emit(types.PageFaultEvent{PID: 2})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}
