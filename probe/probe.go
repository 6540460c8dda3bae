// Package probe holds the capture logic run at handle_mm_fault entry.
//
// The kernel half is the BPF program built by Instructions. HandleFault is
// the same logic as a Go handler over a transport.Ring, used by the
// simulated monitor and by tests. Both follow the constraints of kernel
// context: no allocation, no waiting, no loops, and every failure is a
// silent drop.
package probe

import (
	"github.com/jnesss/pgfault-recorder/transport"
	"github.com/jnesss/pgfault-recorder/types"
)

// Status codes reported to the attachment layer.
const (
	StatusOK     uint32 = 0
	StatusFailed uint32 = 1
)

// Argument positions of handle_mm_fault(vma, address, flags, regs).
const (
	ArgVMA     = 0 // unused
	ArgAddress = 1
	ArgFlags   = 2
)

// Context is the read-only view a handler gets of the probed call.
type Context interface {
	// Arg returns positional argument n, or false when it is not readable.
	Arg(n int) (uint64, bool)
	// CurrentPidTgid returns tgid<<32 | tid of the running task.
	CurrentPidTgid() uint64
}

// Publisher is the producer side of the transport.
type Publisher interface {
	Reserve(size int) (transport.Reservation, bool)
}

// Handler is a capture function. It gets nothing but the call context and
// the transport.
type Handler func(Context, Publisher) uint32

var _ Handler = HandleFault

// HandleFault captures one page fault and publishes it. A missing argument
// fails with StatusFailed before anything is reserved; a full transport
// drops the event and still reports StatusOK.
func HandleFault(ctx Context, out Publisher) uint32 {
	pid := uint32(ctx.CurrentPidTgid() >> 32)

	addr, ok := ctx.Arg(ArgAddress)
	if !ok {
		return StatusFailed
	}
	flags, ok := ctx.Arg(ArgFlags)
	if !ok {
		return StatusFailed
	}

	res, ok := out.Reserve(types.EventSize)
	if !ok {
		return StatusOK
	}

	var rec [types.EventSize]byte
	types.PageFaultEvent{PID: pid, Addr: addr, Flags: uint32(flags)}.PutBinary(rec[:])
	res.Write(rec[:])
	res.Commit(0)
	return StatusOK
}

// Call is a Context backed by values captured elsewhere.
type Call struct {
	Args    []uint64
	PidTgid uint64
}

// Arg implements Context.
func (c Call) Arg(n int) (uint64, bool) {
	if n < 0 || n >= len(c.Args) {
		return 0, false
	}
	return c.Args[n], true
}

// CurrentPidTgid implements Context.
func (c Call) CurrentPidTgid() uint64 {
	return c.PidTgid
}
