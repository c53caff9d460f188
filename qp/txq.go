package qp

import (
	"context"
	"fmt"

	"github.com/run2c/vnet/virtio"
	"github.com/run2c/vnet/virtqueue"
)

// txHeaderSlotSize is large enough for the widest virtio-net header this
// driver ever encodes (the 12-byte mergeable form).
const txHeaderSlotSize = virtio.NetHdrSize

// Txq posts outgoing Ethernet frames to the host, prepending a virtio-net
// header computed from the negotiated offload features to each.
type Txq struct {
	ring      *virtqueue.Vring
	headers   *bufferPool
	mergeable bool
	hw        HardwareFeatures
	mtu       int
	metrics   MetricsSink
}

// NewTxq wraps ring as a transmit queue. hw and mtu drive the offload
// fields computed for each posted frame; mergeable must match the
// NET_F_MRG_RXBUF negotiation outcome (TX headers never actually carry a
// meaningful num_buffers, but the wire size still depends on it). metrics
// may be nil.
func NewTxq(ring *virtqueue.Vring, hw HardwareFeatures, mtu int, mergeable bool, metrics MetricsSink) (*Txq, error) {
	headers, err := newBufferPool(ring.QueueSize(), txHeaderSlotSize)
	if err != nil {
		return nil, fmt.Errorf("allocate tx header pool: %w", err)
	}
	return &Txq{ring: ring, headers: headers, mergeable: mergeable, hw: hw, mtu: mtu, metrics: metrics}, nil
}

// Post prepends a virtio-net header to pkt's fragments and hands the
// resulting K+1-buffer chain to the host, one header descriptor followed by
// exactly one descriptor per fragment of pkt, in order. pkt's fragments must
// be backed by externally-addressed memory (not plain Go heap slices),
// since the host may read them at any point until the chain completes, at
// which point Post releases pkt; pkt must have at least one fragment, and its headers (Ethernet,
// and IP/TCP/UDP if offload classification is to succeed) must be contained
// within the first fragment. Post itself returns as soon as the descriptors
// are reserved and the chain is posted, not once the host has consumed it;
// this is what gives callers pipelined throughput instead of one-in-flight
// stop-and-wait.
func (q *Txq) Post(ctx context.Context, pkt *Packet) error {
	frags := pkt.Fragments
	if len(frags) == 0 {
		return fmt.Errorf("post tx packet: no fragments")
	}

	hdr := BuildNetHdr(frags[0].Bytes(), q.hw, q.mtu)

	nrFrags := len(frags) + 1
	if err := q.ring.ReserveDescriptors(ctx, nrFrags); err != nil {
		return fmt.Errorf("reserve tx descriptors: %w", err)
	}

	slot := q.headers.acquire()
	headerBuf := q.headers.bytes(slot)[:virtio.HeaderSize(q.mergeable)]
	if err := hdr.EncodeSized(headerBuf, q.mergeable); err != nil {
		q.headers.release(slot)
		return fmt.Errorf("encode virtio-net header: %w", err)
	}

	buffers := make([]virtqueue.ChainBuffer, nrFrags)
	buffers[0] = virtqueue.ChainBuffer{Addr: q.headers.addr(slot), Len: uint32(len(headerBuf))}
	for i, f := range frags {
		buffers[i+1] = virtqueue.ChainBuffer{Addr: f.Addr, Len: f.Len}
	}

	completion := virtqueue.NewCompletion()
	chain := virtqueue.Chain{Buffers: buffers, Completion: completion}

	if err := q.ring.Post([]virtqueue.Chain{chain}); err != nil {
		q.headers.release(slot)
		return fmt.Errorf("post tx chain: %w", err)
	}

	// The byte count the host reports back for a TX chain carries no useful
	// information (the driver already knows what it sent); the completion
	// only exists to learn when it is safe to reuse the header slot and
	// release pkt.
	go func() {
		_, err := completion.Wait(context.Background())
		q.headers.release(slot)
		pkt.Release()
		if err == nil && q.metrics != nil {
			q.metrics.TxPacketCompleted()
		}
	}()

	return nil
}

// Close releases the txq's header buffer pool. The underlying ring is
// owned by the caller and is not touched here.
func (q *Txq) Close() error {
	return q.headers.close()
}
