package qp

import "unsafe"

// Fragment is one contiguous, externally-addressed region of memory making
// up part of a [Packet].
type Fragment struct {
	Addr uintptr
	Len  uint32
}

// Bytes views the fragment's memory as a byte slice. The memory is not
// managed by Go, so the slice must not outlive whatever released it via the
// packet's [Deleter].
func (f Fragment) Bytes() []byte {
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(f.Addr)), f.Len)
}

// Deleter releases the backing memory of every fragment in a [Packet]
// exactly once.
type Deleter func()

// Packet is an externally owned list of fragments plus a deleter that
// releases their backing memory once the packet is done with. A Packet
// received from an [Rxq] points into the buffers posted to the host, with
// its first fragment starting just past the virtio-net header; a Packet
// handed to [Txq.Post] holds only the caller's payload fragments — Post
// prepends its own header fragment from its internal pool, which is not
// part of pkt and is released independently of pkt.Release.
type Packet struct {
	Fragments []Fragment
	release   Deleter
}

// NewPacket creates a packet from the given fragments, to be released via
// release exactly once.
func NewPacket(fragments []Fragment, release Deleter) *Packet {
	return &Packet{Fragments: fragments, release: release}
}

// Release frees the packet's backing memory. Safe to call more than once;
// only the first call has an effect.
func (p *Packet) Release() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Len returns the total byte length across all fragments.
func (p *Packet) Len() int {
	total := 0
	for _, f := range p.Fragments {
		total += int(f.Len)
	}
	return total
}

// Bytes copies every fragment into one contiguous buffer. Prefer operating
// on Fragments directly on any hot path; this exists for diagnostics and
// tests.
func (p *Packet) Bytes() []byte {
	out := make([]byte, 0, p.Len())
	for _, f := range p.Fragments {
		out = append(out, f.Bytes()...)
	}
	return out
}
