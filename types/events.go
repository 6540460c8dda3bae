// Package types defines the page fault record shared by the kernel probe and
// the userspace collector.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Event type constants
const (
	EventPageFault = 1 // Page fault serviced by handle_mm_fault
)

// Byte layout of a PageFaultEvent on the ring buffer. The record follows C
// struct layout rules: addr is 8-byte aligned, so pid and flags are each
// followed by 4 bytes of padding.
const (
	OffsetPID   = 0
	OffsetAddr  = 8
	OffsetFlags = 16

	// EventSize is the length of one serialized PageFaultEvent.
	EventSize = 24
)

// ErrShortSample is returned when a ring buffer sample cannot hold a full event.
var ErrShortSample = errors.New("short page fault sample")

// PageFaultEvent is one fault captured at handle_mm_fault entry.
type PageFaultEvent struct {
	PID   uint32 // tgid of the faulting task
	Addr  uint64 // faulting virtual address
	Flags uint32 // FAULT_FLAG_* bits, not interpreted
}

// DecodePageFault reads an event from a raw sample. The sample may start at
// any alignment and is read in host byte order, as written by the kernel.
func DecodePageFault(raw []byte) (PageFaultEvent, error) {
	if len(raw) < EventSize {
		return PageFaultEvent{}, fmt.Errorf("%w: got=%d want>=%d", ErrShortSample, len(raw), EventSize)
	}
	return PageFaultEvent{
		PID:   binary.NativeEndian.Uint32(raw[OffsetPID:]),
		Addr:  binary.NativeEndian.Uint64(raw[OffsetAddr:]),
		Flags: binary.NativeEndian.Uint32(raw[OffsetFlags:]),
	}, nil
}

// AppendBinary appends the wire form of e to b, padding included.
func (e PageFaultEvent) AppendBinary(b []byte) []byte {
	b = binary.NativeEndian.AppendUint32(b, e.PID)
	b = append(b, 0, 0, 0, 0)
	b = binary.NativeEndian.AppendUint64(b, e.Addr)
	b = binary.NativeEndian.AppendUint32(b, e.Flags)
	return append(b, 0, 0, 0, 0)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e PageFaultEvent) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, EventSize)), nil
}

// PutBinary writes the wire form of e into dst, which must hold EventSize
// bytes. It does not allocate.
func (e PageFaultEvent) PutBinary(dst []byte) {
	_ = dst[EventSize-1]
	binary.NativeEndian.PutUint32(dst[OffsetPID:], e.PID)
	binary.NativeEndian.PutUint32(dst[OffsetPID+4:], 0)
	binary.NativeEndian.PutUint64(dst[OffsetAddr:], e.Addr)
	binary.NativeEndian.PutUint32(dst[OffsetFlags:], e.Flags)
	binary.NativeEndian.PutUint32(dst[OffsetFlags+4:], 0)
}

// String renders the event as a console line.
func (e PageFaultEvent) String() string {
	return fmt.Sprintf("Page fault: PID=%5d, Address=0x%016x, Flags=0x%x", e.PID, e.Addr, e.Flags)
}
