package virtqueue

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is the allocation granularity the virtio spec requires for the
// used ring's alignment, and the size of the fixed RX buffers this driver
// posts.
const pageSize = 4096

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// RingStorage owns the single physically-contiguous, page-aligned memory
// block backing one split virtqueue's descriptor table, available ring, and
// used ring, laid out exactly as required by the virtio spec:
//
//	descs  at offset 0
//	avail  at offset N*16
//	used   at align_up(avail_end, 4096)
//
// The block is allocated larger than strictly necessary so that an
// off-by-one in the layout math can never corrupt an adjacent region; this
// mirrors the overestimate the teacher's transport setup already used for
// tap/vhost memory regions.
type RingStorage struct {
	mem       []byte
	queueSize int

	Descriptors *DescriptorTable
	Available   *AvailableRing
	Used        *UsedRing
}

// NewRingStorage allocates and lays out a ring for the given queue size.
// Descriptor chains are posted via [DescriptorTable.AllocateChain] against
// externally-addressed memory the caller owns (a [qp] buffer pool, or a
// frame handed in for transmission); the table itself preallocates no
// buffer memory of its own.
func NewRingStorage(queueSize int) (*RingStorage, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	descSize := descriptorTableSize(queueSize)
	availSize := availableRingSize(queueSize)
	usedSize := usedRingSize(queueSize)

	availOffset := descSize
	usedOffset := alignUp(availOffset+availSize, pageSize)
	total := usedOffset + usedSize
	// Overestimate to guarantee room, matching the layout note in the
	// shared-ring-layout section: the whole block is at least three pages
	// plus the per-descriptor overhead.
	if minTotal := 3*pageSize + queueSize*26; total < minTotal {
		total = minTotal
	}

	basePtr, err := unix.MmapPtr(-1, 0, nil, uintptr(total),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate ring storage: %w", err)
	}

	// The pointer points to memory not managed by Go, so this conversion is
	// safe. See https://github.com/golang/go/issues/58625
	//goland:noinspection GoVetUnsafePointer
	mem := unsafe.Slice((*byte)(basePtr), total)

	rs := &RingStorage{
		mem:         mem,
		queueSize:   queueSize,
		Descriptors: newDescriptorTable(queueSize, mem[0:descSize]),
		Available:   newAvailableRing(queueSize, mem[availOffset:availOffset+availSize]),
		Used:        newUsedRing(queueSize, mem[usedOffset:usedOffset+usedSize]),
	}

	return rs, nil
}

// QueueSize returns the number of descriptors in this ring.
func (rs *RingStorage) QueueSize() int {
	return rs.queueSize
}

// Close releases the ring storage's memory. The storage must not be used
// after this returns.
func (rs *RingStorage) Close() error {
	if rs.mem == nil {
		return nil
	}

	base := unsafe.Pointer(&rs.mem[0])
	size := uintptr(len(rs.mem))
	rs.mem = nil
	if err := unix.MunmapPtr(base, size); err != nil {
		return fmt.Errorf("release ring storage: %w", err)
	}

	return nil
}
