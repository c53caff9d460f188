package vhost

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// identityMappedSize is (1<<47)-4096: the largest region vhost-net will
// accept as covering the whole of a 47-bit userspace virtual address space,
// per the ioctl sequence's single-region memory table (§6 step 5 of this
// driver's transport setup). Registering one region this large, rather than
// one region per buffer, means virt_to_phys for this transport is the
// identity function: any userspace address the driver hands the host is
// already its own "guest-physical" address.
const identityMappedSize = (uint64(1) << 47) - 4096

// MemoryRegion describes a region of userspace memory which is being made
// accessible to a vhost device.
//
// Kernel name: vhost_memory_region
type MemoryRegion struct {
	// GuestPhysicalAddress is the physical address of the memory region within
	// the guest, when virtualization is used. When no virtualization is used,
	// this should be the same as UserspaceAddress.
	GuestPhysicalAddress uintptr
	// Size is the size of the memory region.
	Size uint64
	// UserspaceAddress is the virtual address in the userspace of the host
	// where the memory region can be found.
	UserspaceAddress uintptr
	// Padding and room for flags. Currently unused.
	_ uint64
}

// MemoryLayout is a list of [MemoryRegion]s.
type MemoryLayout []MemoryRegion

// IdentityMemoryLayout returns the single-region memory table this driver
// always registers: guest_phys_addr=0, size=(1<<47)-4096, userspace_addr=0,
// covering the entire process address space 1:1. This lets every buffer
// this driver ever posts - ring storage, tx header slots, rx receive
// buffers, all mmap'd independently - be addressed by the host without any
// per-allocation bookkeeping on this side.
func IdentityMemoryLayout() MemoryLayout {
	return MemoryLayout{{
		GuestPhysicalAddress: 0,
		Size:                 identityMappedSize,
		UserspaceAddress:     0,
	}}
}

// serializePayload serializes the list of memory regions into a format that is
// compatible to the vhost_memory kernel struct. The returned byte slice can be
// used as a payload for the vhostIoctlSetMemoryLayout ioctl.
func (regions MemoryLayout) serializePayload() []byte {
	regionCount := len(regions)
	regionSize := int(unsafe.Sizeof(MemoryRegion{}))
	payload := make([]byte, 8+regionCount*regionSize)

	// The first 32 bits contain the number of memory regions. The following 32
	// bits are padding.
	binary.LittleEndian.PutUint32(payload[0:4], uint32(regionCount))

	if regionCount > 0 {
		// The underlying byte array of the slice should already have the correct
		// format, so just copy that.
		copied := copy(payload[8:], unsafe.Slice((*byte)(unsafe.Pointer(&regions[0])), regionCount*regionSize))
		if copied != regionCount*regionSize {
			panic(fmt.Sprintf("copied only %d bytes of the memory regions, but expected %d",
				copied, regionCount*regionSize))
		}
	}

	return payload
}
