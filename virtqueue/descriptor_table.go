package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice. Descriptors carry no buffer memory of their own; every
// chain posted through [DescriptorTable.AllocateChain] points at memory the
// caller supplies and owns (a [qp] buffer pool or a frame the driver was
// handed), which keeps the table itself a pure bookkeeping structure over
// memory it does not allocate.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the last descriptor of the circular chain
	// which contains all currently unused descriptors: popFree takes the
	// descriptor right after it, and freeDescriptorChain appends returned
	// chains behind it. When all descriptors are in use, this has the special
	// value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
// Every descriptor starts out free, linked into a circular free chain.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	dt := &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
	}
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{
			flags: descriptorFlagHasNext,
			next:  uint16((i + 1) % len(dt.descriptors)),
		}
	}
	// popFree takes the descriptor after freeHeadIndex, so pointing it at the
	// last descriptor makes allocation start at descriptor 0.
	dt.freeHeadIndex = uint16(len(dt.descriptors) - 1)
	dt.freeNum = uint16(len(dt.descriptors))

	return dt
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// popFree removes and returns the index of one descriptor from the free
// chain, without touching its flags, length, address or next fields; the
// caller owns all of those once this returns. It does not clear the
// descriptor's length for the caller to assert via [checkUnusedDescriptorLength].
//
// To avoid having to iterate over the whole table to find the descriptor
// pointing to the head just to replace the free head, we instead always take
// descriptors from right after the head. This way we only have to touch the
// head itself as a last resort, when all other descriptors are already used.
func (dt *DescriptorTable) popFree() (uint16, error) {
	if dt.freeNum < 1 {
		return 0, ErrNotEnoughFreeDescriptors
	}

	// Above validation ensured that there is at least one free descriptor, so
	// the free descriptor chain head should be valid.
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	head := dt.descriptors[dt.freeHeadIndex].next
	desc := &dt.descriptors[head]
	next := desc.next

	dt.freeNum -= 1

	if dt.freeNum == 0 {
		// The last descriptor in the chain should be the free chain head
		// itself.
		if next != dt.freeHeadIndex {
			panic("descriptor chain takes up all free descriptors but does not end with the free chain head")
		}

		// When this takes up all remaining descriptors, we no longer have a
		// free chain.
		dt.freeHeadIndex = noFreeHead
	} else {
		// We took a descriptor out of the free chain, so make sure to close
		// the circle again.
		dt.descriptors[dt.freeHeadIndex].next = next
	}

	return head, nil
}

// ChainBuffer describes one buffer to place into a descriptor chain handed
// to [DescriptorTable.AllocateChain]. Addr and Len must describe memory
// outside the Go heap (e.g. from a [qp] buffer pool, or from a separate
// mmap'd region owned by the caller), since the host accesses it directly
// without going through the Go runtime.
type ChainBuffer struct {
	Addr      uintptr
	Len       uint32
	Writeable bool
}

// AllocateChain pops len(bufs) descriptors from the free chain and links them
// together in order, one per entry in bufs. It returns the head index of the
// resulting chain, or [ErrNotEnoughFreeDescriptors] if the free chain does
// not hold enough descriptors. This is the only way chains are built: a tx
// queue uses it for a header descriptor followed by one or more payload
// descriptors, and a rx queue uses it for its device-writable buffers.
func (dt *DescriptorTable) AllocateChain(bufs []ChainBuffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, ErrDescriptorChainEmpty
	}
	if uint16(len(bufs)) > dt.freeNum {
		return 0, ErrNotEnoughFreeDescriptors
	}

	indices := make([]uint16, len(bufs))
	for i := range bufs {
		idx, err := dt.popFree()
		if err != nil {
			// We already checked freeNum above, so this should not happen.
			panic(fmt.Sprintf("ran out of free descriptors after checking freeNum: %v", err))
		}
		indices[i] = idx
	}

	for i, buf := range bufs {
		desc := &dt.descriptors[indices[i]]
		checkUnusedDescriptorLength(indices[i], desc)

		desc.address = buf.Addr
		desc.length = buf.Len
		desc.flags = 0
		if buf.Writeable {
			desc.flags |= descriptorFlagWritable
		}
		if i < len(bufs)-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = indices[i+1]
		} else {
			desc.next = 0
		}
	}

	return indices[0], nil
}

// freeDescriptorChain can be used to free a descriptor chain when it is no
// longer in use. The descriptor chain that starts with the given index will be
// put back into the free chain, so the descriptors can be used for later calls
// of [DescriptorTable.AllocateChain].
// The descriptor chain must have been created using [DescriptorTable.AllocateChain] and
// must not have been freed yet (meaning that the head index must not be
// contained in the free chain).
func (dt *DescriptorTable) freeDescriptorChain(head uint16) (int, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index out of range", ErrInvalidDescriptorChain)
	}

	// Iterate over the chain. The iteration is limited to the queue size to
	// avoid ending up in an endless loop when things go very wrong.
	next := head
	var tailDesc *Descriptor
	var chainLen uint16
	for i := 0; i < len(dt.descriptors); i++ {
		if next == dt.freeHeadIndex {
			return 0, fmt.Errorf("%w: must not be part of the free chain", ErrInvalidDescriptorChain)
		}

		desc := &dt.descriptors[next]
		chainLen++

		// Set the length of all unused descriptors back to zero.
		desc.length = 0

		// Unset all flags except the next flag.
		desc.flags &= descriptorFlagHasNext

		// Is this the tail of the chain?
		if desc.flags&descriptorFlagHasNext == 0 {
			tailDesc = desc
			break
		}

		// Detect loops.
		if desc.next == head {
			return 0, fmt.Errorf("%w: contains a loop", ErrInvalidDescriptorChain)
		}

		next = desc.next
	}
	if tailDesc == nil {
		// A descriptor chain longer than the queue size but without loops
		// should be impossible.
		panic(fmt.Sprintf("could not find a tail for descriptor chain starting at %d", head))
	}

	// The tail descriptor does not have the next flag set, but when it comes
	// back into the free chain, it should have.
	tailDesc.flags = descriptorFlagHasNext

	if dt.freeHeadIndex == noFreeHead {
		// The whole free chain was used up, so we turn this returned descriptor
		// chain into the new free chain by completing the circle and using its
		// tail as the free chain head, so its head is allocated first.
		tailDesc.next = head
		dt.freeHeadIndex = next
	} else {
		// Splice the returned chain onto the end of the free chain: insert it
		// right after the free chain head and make its tail the new head, so
		// the descriptors that were already free are allocated first.
		freeHeadDesc := &dt.descriptors[dt.freeHeadIndex]
		tailDesc.next = freeHeadDesc.next
		freeHeadDesc.next = head
		dt.freeHeadIndex = next
	}

	dt.freeNum += chainLen

	return int(chainLen), nil
}

// checkUnusedDescriptorLength asserts that the length of an unused descriptor
// is zero, as it should be.
// This is not a requirement by the virtio spec but rather a thing we do to
// notice when our algorithm goes sideways.
func checkUnusedDescriptorLength(index uint16, desc *Descriptor) {
	if desc.length != 0 {
		panic(fmt.Sprintf("descriptor %d should be unused but has a non-zero length", index))
	}
}
