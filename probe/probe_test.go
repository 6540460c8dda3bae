package probe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/pgfault-recorder/transport"
	"github.com/jnesss/pgfault-recorder/types"
)

type countingPublisher struct {
	*transport.Ring
	reserves int
}

func (p *countingPublisher) Reserve(size int) (transport.Reservation, bool) {
	p.reserves++
	return p.Ring.Reserve(size)
}

func newPublisher(t *testing.T, records int) *countingPublisher {
	t.Helper()
	r, err := transport.New(transport.CapacityFor(records, types.EventSize))
	require.NoError(t, err)
	return &countingPublisher{Ring: r}
}

func nextEvent(t *testing.T, r *transport.Ring) (types.PageFaultEvent, bool) {
	t.Helper()
	sample, ok, err := r.Next()
	require.NoError(t, err)
	if !ok {
		return types.PageFaultEvent{}, false
	}
	ev, err := types.DecodePageFault(sample)
	require.NoError(t, err)
	return ev, true
}

func TestHandleFaultPublishes(t *testing.T) {
	pub := newPublisher(t, 4)
	call := Call{
		Args:    []uint64{0xffff888000001000, 0x7ffee291a000, 0x4},
		PidTgid: uint64(4242)<<32 | 4250,
	}

	assert.Equal(t, StatusOK, HandleFault(call, pub))

	ev, ok := nextEvent(t, pub.Ring)
	require.True(t, ok)
	assert.Equal(t, types.PageFaultEvent{PID: 4242, Addr: 0x7ffee291a000, Flags: 0x4}, ev)
}

func TestHandleFaultMissingArgument(t *testing.T) {
	tests := []struct {
		name string
		args []uint64
	}{
		{"no args", nil},
		{"address only", []uint64{0, 0x1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := newPublisher(t, 4)
			status := HandleFault(Call{Args: tt.args, PidTgid: 1 << 32}, pub)

			assert.Equal(t, StatusFailed, status)
			assert.Zero(t, pub.reserves, "nothing may be reserved for a failed capture")
			_, ok := nextEvent(t, pub.Ring)
			assert.False(t, ok)
		})
	}
}

func TestHandleFaultDropsWhenFull(t *testing.T) {
	pub := newPublisher(t, 2)
	for i := uint64(1); i <= 3; i++ {
		status := HandleFault(Call{Args: []uint64{0, i * 0x1000, 0}, PidTgid: i << 32}, pub)
		assert.Equal(t, StatusOK, status, "drops are silent")
	}
	assert.Equal(t, uint64(1), pub.Dropped())

	for i := uint64(1); i <= 2; i++ {
		ev, ok := nextEvent(t, pub.Ring)
		require.True(t, ok)
		assert.Equal(t, uint32(i), ev.PID)
		assert.Equal(t, i*0x1000, ev.Addr)
	}
	_, ok := nextEvent(t, pub.Ring)
	assert.False(t, ok)
}

func TestHandleFaultTruncatesFlags(t *testing.T) {
	pub := newPublisher(t, 1)
	HandleFault(Call{Args: []uint64{0, 1, 0xffffffff00000255}}, pub)

	ev, ok := nextEvent(t, pub.Ring)
	require.True(t, ok)
	assert.Equal(t, uint32(0x255), ev.Flags)
}

func builtinCalls(insns asm.Instructions) []asm.BuiltinFunc {
	var fns []asm.BuiltinFunc
	for _, ins := range insns {
		if ins.IsBuiltinCall() {
			fns = append(fns, asm.BuiltinFunc(ins.Constant))
		}
	}
	return fns
}

func TestInstructionsCallSequence(t *testing.T) {
	if len(argOffsets) == 0 {
		_, err := Instructions(3, NoDropCounter)
		assert.ErrorIs(t, err, ErrUnsupportedArch)
		return
	}

	insns, err := Instructions(3, 4)
	require.NoError(t, err)
	assert.Equal(t, []asm.BuiltinFunc{
		asm.FnGetCurrentPidTgid,
		asm.FnRingbufReserve,
		asm.FnRingbufSubmit,
		asm.FnMapLookupElem,
	}, builtinCalls(insns))

	insns, err = Instructions(3, NoDropCounter)
	require.NoError(t, err)
	assert.Equal(t, []asm.BuiltinFunc{
		asm.FnGetCurrentPidTgid,
		asm.FnRingbufReserve,
		asm.FnRingbufSubmit,
	}, builtinCalls(insns))
}

func TestInstructionsReadArgumentRegisters(t *testing.T) {
	if len(argOffsets) == 0 {
		t.Skip("no pt_regs layout for this architecture")
	}
	insns, err := Instructions(3, NoDropCounter)
	require.NoError(t, err)

	var ctxReads []int16
	for _, ins := range insns {
		if ins.OpCode == asm.LoadMemOp(asm.DWord) && ins.Src == asm.R6 {
			ctxReads = append(ctxReads, ins.Offset)
		}
	}
	assert.Equal(t, []int16{argOffsets[ArgAddress], argOffsets[ArgFlags]}, ctxReads)

	last := insns[len(insns)-1]
	assert.Equal(t, asm.Exit, last.OpCode.JumpOp())
}

func TestInstructionsMarshal(t *testing.T) {
	if len(argOffsets) == 0 {
		t.Skip("no pt_regs layout for this architecture")
	}
	insns, err := Instructions(3, 4)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, insns.Marshal(&buf, binary.LittleEndian))
	assert.NotZero(t, buf.Len())
}

func TestProgramSpec(t *testing.T) {
	if len(argOffsets) == 0 {
		t.Skip("no pt_regs layout for this architecture")
	}
	spec, err := ProgramSpec(3, NoDropCounter)
	require.NoError(t, err)
	assert.Equal(t, ProgramName, spec.Name)
	assert.Equal(t, "GPL", spec.License)
	assert.NotEmpty(t, spec.Instructions)
}
