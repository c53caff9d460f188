package qp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bufferPool preallocates a fixed number of fixed-size, externally-addressed
// buffer slots in one mmap'd region. Descriptor chains handed to a
// [virtqueue.Vring] must reference memory outside the Go heap, since the
// host reads and writes it directly without the Go runtime's knowledge (the
// constraint [virtqueue.ChainBuffer] documents). The same pool type backs
// virtio-net headers (txq) and full receive buffers (rxq).
type bufferPool struct {
	base     uintptr
	size     int
	slotSize int
	free     chan int
}

func newBufferPool(slots, slotSize int) (*bufferPool, error) {
	size := slots * slotSize
	basePtr, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer pool: %w", err)
	}

	free := make(chan int, slots)
	for i := range slots {
		free <- i
	}

	return &bufferPool{base: uintptr(basePtr), size: size, slotSize: slotSize, free: free}, nil
}

// acquire blocks until a slot is free and returns its index.
func (p *bufferPool) acquire() int {
	return <-p.free
}

// release returns a slot to the pool.
func (p *bufferPool) release(slot int) {
	p.free <- slot
}

func (p *bufferPool) addr(slot int) uintptr {
	return p.base + uintptr(slot*p.slotSize)
}

func (p *bufferPool) bytes(slot int) []byte {
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(p.addr(slot))), p.slotSize)
}

func (p *bufferPool) close() error {
	if p.base == 0 {
		return nil
	}
	base := p.base
	size := p.size
	p.base = 0
	//goland:noinspection GoVetUnsafePointer
	return unix.MunmapPtr(unsafe.Pointer(base), uintptr(size))
}
