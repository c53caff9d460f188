package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the host to advise the driver to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. The driver still kicks once kickLatencyBound entries have
	// been added since its last kick.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the host returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is written by the host and
// read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	initialized bool

	// header packs flags (low 16 bits) and idx (high 16 bits), the same way
	// [AvailableRing.header] does, so that reading idx can use an atomic
	// load instead of a plain one: idx is how the driver learns that the
	// host has finished writing a [UsedElement] into ring, and a plain load
	// gives no guarantee the element write is visible yet.
	header *atomic.Uint32
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is written by the host to tell the driver the avail
	// index below which it doesn't need to be kicked, when EVENT_IDX has
	// been negotiated. It has no neighboring field to pack with, so it
	// stays a plain pointer; a kick decided on a stale value only costs an
	// extra, unnecessary notification, never correctness.
	availableEvent *uint16

	// lastIndex is the internal ringIndex up to which all [UsedElement]s
	// were processed.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		initialized:    true,
		header:         (*atomic.Uint32)(unsafe.Pointer(&mem[0])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = r.index()
	return &r
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.header))
}

// index returns the host's used.idx with an acquire load: every
// [UsedElement] write the host made before publishing this value must be
// visible to the driver once it observes the new value.
func (r *UsedRing) index() uint16 {
	return uint16(r.header.Load() >> 16)
}

// noNotify reports the current state of the NO_NOTIFY bit, which the host
// sets to advise the driver not to kick it. Only meaningful when EVENT_IDX
// has not been negotiated.
func (r *UsedRing) noNotify() bool {
	return usedRingFlag(r.header.Load()&0xffff)&usedRingFlagNoNotify != 0
}

// tail returns the driver's local cursor: the used index up to which all
// entries have already been taken.
func (r *UsedRing) tail() uint16 {
	return r.lastIndex
}

// availableEventValue reads the host-written avail_event hint used for kick
// suppression when EVENT_IDX has been negotiated.
func (r *UsedRing) availableEventValue() uint16 {
	return *r.availableEvent
}

func (r *UsedRing) availableToTake() int {
	ringIndex := r.index()
	if ringIndex == r.lastIndex {
		// Nothing new.
		return 0
	}

	// Calculate the number of new used elements that we can read from the
	// ring. The ring index may wrap, so special handling for that case is
	// needed: ringIndex and lastIndex are both free-running 16-bit counters,
	// so the true element count is their difference modulo 2^16.
	count := int(ringIndex) - int(r.lastIndex)
	if count < 0 {
		count += 0x10000
	}
	return count
}

// take returns all new [UsedElement]s that the host put into the ring and
// that weren't already returned by a previous call to this method.
func (r *UsedRing) take(maxToTake int) (int, []UsedElement) {
	count := r.availableToTake()
	if count == 0 {
		return 0, nil
	}

	stillNeedToTake := 0

	if maxToTake > 0 {
		stillNeedToTake = count - maxToTake
		if stillNeedToTake < 0 {
			stillNeedToTake = 0
		}
		count = min(count, maxToTake)
	}

	// The number of new elements can never exceed the queue size.
	if count > len(r.ring) {
		panic("used ring contains more new elements than the ring is long")
	}

	elems := make([]UsedElement, count)
	for i := 0; i < count; i++ {
		elems[i] = r.ring[r.lastIndex%uint16(len(r.ring))]
		r.lastIndex++
	}

	return stillNeedToTake, elems
}

func (r *UsedRing) takeOne() (UsedElement, bool) {
	count := r.availableToTake()
	if count == 0 {
		return UsedElement{}, false
	}

	// The number of new elements can never exceed the queue size.
	if count > len(r.ring) {
		panic("used ring contains more new elements than the ring is long")
	}

	out := r.ring[r.lastIndex%uint16(len(r.ring))]
	r.lastIndex++

	return out, true
}

// InitOfferSingle is only used to pre-fill the used queue in tests, and must
// not be used while the device is running.
func (r *UsedRing) InitOfferSingle(x uint16, size uint32) {
	idx := r.index()
	insertIndex := int(idx) % len(r.ring)
	r.ring[insertIndex].DescriptorIndex = uint32(x)
	r.ring[insertIndex].Length = size

	for {
		old := r.header.Load()
		flags := old & 0xffff
		if r.header.CompareAndSwap(old, flags|(uint32(idx+1)<<16)) {
			return
		}
	}
}
