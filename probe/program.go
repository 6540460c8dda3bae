package probe

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/jnesss/pgfault-recorder/types"
)

// ErrUnsupportedArch is returned when the pt_regs layout of the running
// architecture is unknown.
var ErrUnsupportedArch = errors.New("unsupported architecture for kprobe arguments")

// ProgramName is the name the program is loaded under.
const ProgramName = "pgfault_kprobe"

// NoDropCounter disables drop counting in Instructions.
const NoDropCounter = -1

// argOffset returns the pt_regs offset of positional argument n.
func argOffset(n int) (int16, error) {
	if n < 0 || n >= len(argOffsets) {
		return 0, fmt.Errorf("%w: %s arg %d", ErrUnsupportedArch, runtime.GOARCH, n)
	}
	return argOffsets[n], nil
}

// Instructions builds the kprobe program. eventsFD is the ring buffer map.
// dropsFD is a single-entry per-CPU array of u64 incremented whenever a
// reservation fails, or NoDropCounter.
//
// Register use: R6 ctx, R7 pid, R8 address, R9 flags. All four survive
// helper calls.
func Instructions(eventsFD, dropsFD int) (asm.Instructions, error) {
	addrOff, err := argOffset(ArgAddress)
	if err != nil {
		return nil, err
	}
	flagsOff, err := argOffset(ArgFlags)
	if err != nil {
		return nil, err
	}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.RSh.Imm(asm.R7, 32),

		asm.LoadMem(asm.R8, asm.R6, addrOff, asm.DWord),
		asm.LoadMem(asm.R9, asm.R6, flagsOff, asm.DWord),

		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, types.EventSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, "drop"),

		asm.StoreMem(asm.R0, types.OffsetPID, asm.R7, asm.Word),
		asm.StoreImm(asm.R0, types.OffsetPID+4, 0, asm.Word),
		asm.StoreMem(asm.R0, types.OffsetAddr, asm.R8, asm.DWord),
		asm.StoreMem(asm.R0, types.OffsetFlags, asm.R9, asm.Word),
		asm.StoreImm(asm.R0, types.OffsetFlags+4, 0, asm.Word),

		asm.Mov.Reg(asm.R1, asm.R0),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
		asm.Ja.Label("exit"),
	}

	if dropsFD == NoDropCounter {
		insns = append(insns, asm.Ja.Label("exit").WithSymbol("drop"))
	} else {
		insns = append(insns,
			// key 0 at FP-4
			asm.StoreImm(asm.RFP, -4, 0, asm.Word).WithSymbol("drop"),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, -4),
			asm.LoadMapPtr(asm.R1, dropsFD),
			asm.FnMapLookupElem.Call(),
			asm.JEq.Imm(asm.R0, 0, "exit"),
			// per-CPU slot, no atomic needed
			asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
			asm.Add.Imm(asm.R1, 1),
			asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		)
	}

	insns = append(insns,
		asm.Mov.Imm(asm.R0, int32(StatusOK)).WithSymbol("exit"),
		asm.Return(),
	)
	return insns, nil
}

// ProgramSpec wraps Instructions in a kprobe program spec.
func ProgramSpec(eventsFD, dropsFD int) (*ebpf.ProgramSpec, error) {
	insns, err := Instructions(eventsFD, dropsFD)
	if err != nil {
		return nil, err
	}
	return &ebpf.ProgramSpec{
		Name:         ProgramName,
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: insns,
	}, nil
}
