// Package transport implements the userspace model of the BPF ring buffer:
// a bounded byte ring with reserve/commit on the producer side and ordered
// polling on the consumer side.
//
// Any number of goroutines may reserve and commit concurrently. Exactly one
// goroutine may consume. Reservation is a compare-and-swap on the producer
// position, so a full ring rejects the reservation immediately instead of
// waiting for space. Unread data is never overwritten.
//
// Each record occupies an 8-byte header followed by its payload rounded up
// to 8 bytes, the same accounting the kernel uses. Use CapacityFor to size a
// ring for a given number of records.
package transport

import (
	"errors"
	"fmt"
	"sync/atomic"
)

const (
	headerSize = 8

	busyBit    uint32 = 1 << 31
	discardBit uint32 = 1 << 30
	lenMask           = discardBit - 1
)

// Commit flags, matching BPF_RB_NO_WAKEUP and BPF_RB_FORCE_WAKEUP.
const (
	NoWakeup    uint64 = 1
	ForceWakeup uint64 = 2
)

var (
	// ErrClosed is returned by Next once the ring is closed and drained.
	ErrClosed = errors.New("ring closed")
	// ErrInvalidCapacity is returned by New for unusable capacities.
	ErrInvalidCapacity = errors.New("invalid ring capacity")
)

// Ring is a fixed-capacity multi-producer, single-consumer byte ring.
type Ring struct {
	data     []byte
	headers  []atomic.Uint32 // one per 8-byte position, zero when free
	capacity uint64

	producer atomic.Uint64
	consumer atomic.Uint64
	dropped  atomic.Uint64
	closed   atomic.Bool

	ready chan struct{}
	buf   []byte // consumer scratch
}

// New creates a ring of capacity bytes. The capacity must be a positive
// multiple of 8.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity%headerSize != 0 || uint64(capacity) > uint64(lenMask) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	return &Ring{
		data:     make([]byte, capacity),
		headers:  make([]atomic.Uint32, capacity/headerSize),
		capacity: uint64(capacity),
		ready:    make(chan struct{}, 1),
	}, nil
}

// SlotSize returns the ring bytes consumed by one record of size bytes.
func SlotSize(size int) int {
	return headerSize + (size+7)&^7
}

// CapacityFor returns the capacity that holds exactly n records of size bytes.
func CapacityFor(n, size int) int {
	return n * SlotSize(size)
}

// Reservation is a writable region obtained from Reserve. It must be
// finished with exactly one Commit or Discard.
type Reservation struct {
	ring *Ring
	pos  uint64
	size int
}

// Reserve claims size bytes for writing. It returns false without waiting
// when the ring lacks room, when size is not usable, or when the ring is
// closed. Every failed reservation is counted in Dropped.
func (r *Ring) Reserve(size int) (Reservation, bool) {
	if size <= 0 || uint64(size) > uint64(lenMask) || r.closed.Load() {
		r.dropped.Add(1)
		return Reservation{}, false
	}
	need := uint64(SlotSize(size))
	for {
		// consumer first: it can only trail the producer value read after it.
		cons := r.consumer.Load()
		prod := r.producer.Load()
		if prod+need-cons > r.capacity {
			r.dropped.Add(1)
			return Reservation{}, false
		}
		if r.producer.CompareAndSwap(prod, prod+need) {
			r.header(prod).Store(busyBit | uint32(size))
			return Reservation{ring: r, pos: prod, size: size}, true
		}
	}
}

// Len returns the reserved payload size.
func (res *Reservation) Len() int {
	return res.size
}

// Write copies p into the reserved region and returns the bytes copied.
func (res *Reservation) Write(p []byte) int {
	if res.ring == nil {
		return 0
	}
	if len(p) > res.size {
		p = p[:res.size]
	}
	res.ring.copyIn(res.pos+headerSize, p)
	return len(p)
}

// Commit publishes the record to the consumer.
func (res *Reservation) Commit(flags uint64) {
	res.finish(0, flags)
}

// Discard releases the region without publishing it.
func (res *Reservation) Discard(flags uint64) {
	res.finish(discardBit, flags)
}

func (res *Reservation) finish(bits uint32, flags uint64) {
	r := res.ring
	if r == nil {
		return
	}
	res.ring = nil
	r.header(res.pos).Store(bits | uint32(res.size))
	if bits&discardBit == 0 && flags&NoWakeup == 0 {
		r.notify()
	}
}

// Next returns the oldest committed record, or false when the record at the
// head is still being written or nothing is pending. The returned slice is
// only valid until the following call. Next must not be called concurrently.
func (r *Ring) Next() ([]byte, bool, error) {
	for {
		cons := r.consumer.Load()
		if cons == r.producer.Load() {
			if r.closed.Load() {
				return nil, false, ErrClosed
			}
			return nil, false, nil
		}

		hdr := r.header(cons)
		word := hdr.Load()
		if word == 0 || word&busyBit != 0 {
			return nil, false, nil
		}

		size := int(word & lenMask)
		discarded := word&discardBit != 0
		if !discarded {
			r.buf = r.copyOut(r.buf[:0], cons+headerSize, size)
		}
		hdr.Store(0)
		r.consumer.Store(cons + uint64(SlotSize(size)))

		if discarded {
			continue
		}
		return r.buf, true, nil
	}
}

// Ready is signalled after commits. Signals coalesce, so one receive may
// stand for many records.
func (r *Ring) Ready() <-chan struct{} {
	return r.ready
}

// Dropped returns the number of rejected reservations.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Size returns the ring capacity in bytes.
func (r *Ring) Size() int {
	return int(r.capacity)
}

// Pending returns the bytes reserved but not yet consumed.
func (r *Ring) Pending() int {
	return int(r.producer.Load() - r.consumer.Load())
}

// Close rejects further reservations. Records already committed can still
// be read; Next reports ErrClosed once they are drained.
func (r *Ring) Close() error {
	r.closed.Store(true)
	r.notify()
	return nil
}

func (r *Ring) notify() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *Ring) header(pos uint64) *atomic.Uint32 {
	return &r.headers[(pos%r.capacity)/headerSize]
}

func (r *Ring) copyIn(pos uint64, p []byte) {
	off := pos % r.capacity
	n := copy(r.data[off:], p)
	copy(r.data, p[n:])
}

func (r *Ring) copyOut(dst []byte, pos uint64, size int) []byte {
	off := pos % r.capacity
	end := off + uint64(size)
	if end <= r.capacity {
		return append(dst, r.data[off:end]...)
	}
	dst = append(dst, r.data[off:]...)
	return append(dst, r.data[:end-r.capacity]...)
}
