package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is written by the driver to advise the host
	// not to send an interrupt when it adds a used entry. It is only consulted
	// by the host when EVENT_IDX has not been negotiated; with EVENT_IDX, the
	// usedEvent word is used instead. It's unreliable, so it's simply an
	// optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory. The wire format defined by the virtio
// spec needs 6+2*queueSize bytes (flags, idx, the ring itself, used_event);
// this reserves 2 more past that so usedEvent's atomic.Uint32 always has a
// real 4-byte word to land in that belongs to this allocation alone, rather
// than borrowing padding from whatever memory happens to follow it. Those 2
// extra bytes are never part of the wire format and the host never reads or
// writes them.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize + 2
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each ring entry refers to the head of a descriptor chain. The
// region is driver-written and host-read; the host never writes to it, but
// the published index still needs the ordering the virtio spec demands so
// the host observes a consistent chain once it sees the new value.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type AvailableRing struct {
	initialized bool

	// header packs flags (low 16 bits) and idx (high 16 bits) into a single
	// native word on little-endian hosts, which is what every virtio-capable
	// target here is. They're adjacent in the wire layout with no padding
	// between them, so this is the only way to get a lock-free atomic view
	// onto either field without the two accesses aliasing the same bytes;
	// Go has no portable 16-bit atomic primitive.
	header *atomic.Uint32
	// ring references buffers using the index of the head of the descriptor
	// chain in the [DescriptorTable]. It wraps around at queue size.
	ring []uint16
	// usedEvent is written by the driver to tell the host the used index at
	// which it wants the next interrupt, when EVENT_IDX has been negotiated.
	// It is the last field in the wire format, with no neighbor to pack with
	// the way header shares a word with idx, so it's backed by an
	// atomic.Uint32 read from its own 2 bytes plus 2 bytes of padding that
	// [availableRingSize] reserves past the wire format just for this; only
	// the low 16 bits are ever meaningful, and nothing but this field ever
	// touches the high 16. This gives the interrupt re-arm race in
	// enableInterruptsLocked an actual atomic store-then-load ordering to
	// rely on, rather than resting on a particular architecture's plain
	// store/load ordering.
	usedEvent *atomic.Uint32
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	// usedEvent's atomic.Uint32 starts 2 bytes before the end of this slice,
	// covering the wire field itself plus the 2 bytes of padding
	// availableRingSize reserves past it. CheckQueueSize requires a
	// power-of-2 queue size of at least 2, which keeps this offset
	// four-byte aligned.
	usedEventOffset := ringSize - 4
	if usedEventOffset%4 != 0 {
		panic(fmt.Sprintf("available ring size %d misaligns used_event for an atomic word", ringSize))
	}

	return &AvailableRing{
		initialized: true,
		header:      (*atomic.Uint32)(unsafe.Pointer(&mem[0])),
		ring:        unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent:   (*atomic.Uint32)(unsafe.Pointer(&mem[usedEventOffset])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *AvailableRing) Address() uintptr {
	if !r.initialized {
		panic("available ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.header))
}

// setNoInterrupt sets or clears the NO_INTERRUPT bit. It is only meaningful
// when EVENT_IDX has not been negotiated.
func (r *AvailableRing) setNoInterrupt(set bool) {
	for {
		old := r.header.Load()
		idx := old >> 16
		var flags uint32
		if set {
			flags = uint32(availableRingFlagNoInterrupt)
		}
		if r.header.CompareAndSwap(old, flags|(idx<<16)) {
			return
		}
	}
}

// setUsedEvent publishes the used-ring index at which the driver wants its
// next interrupt, with a release-ordered atomic store so the immediately
// following load of used.idx in enableInterruptsLocked is guaranteed to
// observe it having happened first.
func (r *AvailableRing) setUsedEvent(tail uint16) {
	r.usedEvent.Store(uint32(tail))
}

// index returns the current avail.idx with a plain load. Callers that need
// release-ordered visibility to the host use publishIndex instead.
func (r *AvailableRing) index() uint16 {
	return uint16(r.header.Load() >> 16)
}

// offer writes the given chain heads into the ring starting at the given base
// index (mod ring length). It does not publish the new index; call
// publishIndex once all heads for a batch have been written.
func (r *AvailableRing) offer(base uint16, heads []uint16) {
	for offset, head := range heads {
		insertIndex := int(base+uint16(offset)) % len(r.ring)
		r.ring[insertIndex] = head
	}
}

// publishIndex advances and releases avail.idx so the host can observe the
// newly offered entries. count is the number of entries added since the last
// publish.
func (r *AvailableRing) publishIndex(count uint16) uint16 {
	for {
		old := r.header.Load()
		flags := old & 0xffff
		newIdx := uint16(old>>16) + count
		// Release ordering: every plain write to r.ring above must be
		// visible to the host once it observes this store.
		if r.header.CompareAndSwap(old, flags|(uint32(newIdx)<<16)) {
			return newIdx
		}
	}
}
