package qp

import (
	"context"
	"fmt"

	"github.com/run2c/vnet/virtio"
	"github.com/run2c/vnet/virtqueue"
)

// rxBufferSize is the size of every buffer this driver posts to the host
// for receiving packets into.
const rxBufferSize = 4096

// maxRefillBatch bounds how many rx buffers are posted in a single
// opportunistic batch, so a sudden burst of free descriptors cannot make
// the refill loop reserve an unbounded number of buffers at once.
const maxRefillBatch = 64

type pendingRxBuffer struct {
	slot       int
	completion *virtqueue.Completion
}

// Rxq keeps a receive vring continuously supplied with fresh device-writable
// buffers and reassembles the mergeable buffer chains the host fills into
// whole packets.
//
// Packet delivery is serialized: completions are processed by a single
// goroutine in the order their buffers were posted, matching the ordering
// guarantee that packets reach deliver in the host's arrival order.
type Rxq struct {
	ring      *virtqueue.Vring
	buffers   *bufferPool
	mergeable bool
	deliver   func(*Packet)
	metrics   MetricsSink

	pending chan pendingRxBuffer

	// Reassembly state, touched only by the single consumer goroutine.
	remainingBuffers int
	fragments        []Fragment
	released         []int
}

// NewRxq wraps ring as a receive queue. deliver is called with each
// reassembled packet; it must call Packet.Release once done with it.
// metrics may be nil.
func NewRxq(ring *virtqueue.Vring, mergeable bool, metrics MetricsSink, deliver func(*Packet)) (*Rxq, error) {
	buffers, err := newBufferPool(ring.QueueSize(), rxBufferSize)
	if err != nil {
		return nil, fmt.Errorf("allocate rx buffer pool: %w", err)
	}
	return &Rxq{
		ring:      ring,
		buffers:   buffers,
		mergeable: mergeable,
		deliver:   deliver,
		metrics:   metrics,
		pending:   make(chan pendingRxBuffer, ring.QueueSize()),
	}, nil
}

// Run drives the refill loop and the reassembly consumer until ctx is done
// or posting fails. It blocks; callers should run it in its own goroutine.
// The underlying ring's own completion engine (Vring.Run) must be driven
// separately — Run here only produces buffers and consumes completions.
func (q *Rxq) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- q.consume(ctx)
	}()

	err := q.refill(ctx)
	cancel()
	<-done
	return err
}

func (q *Rxq) refill(ctx context.Context) error {
	err := q.refillLoop(ctx)
	if err != nil && ctx.Err() == nil && q.metrics != nil {
		q.metrics.RxRefillFailure()
	}
	return err
}

func (q *Rxq) refillLoop(ctx context.Context) error {
	for {
		if err := q.ring.ReserveDescriptors(ctx, 1); err != nil {
			return err
		}
		n := 1
		// AvailableDescriptors still counts the descriptor reserved above,
		// so at most avail-1 more can be reserved without waiting.
		if avail := q.ring.AvailableDescriptors(); avail > 1 {
			extra := min(avail-1, maxRefillBatch-1)
			if extra > 0 {
				if err := q.ring.ReserveDescriptors(ctx, extra); err == nil {
					n += extra
				}
			}
		}

		chains := make([]virtqueue.Chain, n)
		buffers := make([]pendingRxBuffer, n)
		for i := range n {
			slot := q.buffers.acquire()
			completion := virtqueue.NewCompletion()
			chains[i] = virtqueue.Chain{
				Buffers:    []virtqueue.ChainBuffer{{Addr: q.buffers.addr(slot), Len: rxBufferSize, Writeable: true}},
				Completion: completion,
			}
			buffers[i] = pendingRxBuffer{slot: slot, completion: completion}
		}

		if err := q.ring.Post(chains); err != nil {
			for _, b := range buffers {
				q.buffers.release(b.slot)
			}
			return fmt.Errorf("post rx buffers: %w", err)
		}

		for _, b := range buffers {
			select {
			case q.pending <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (q *Rxq) consume(ctx context.Context) error {
	for {
		var b pendingRxBuffer
		select {
		case b = <-q.pending:
		case <-ctx.Done():
			return ctx.Err()
		}

		length, err := b.completion.Wait(ctx)
		if err != nil {
			q.buffers.release(b.slot)
			return err
		}

		q.onBufferComplete(b.slot, length)
	}
}

// onBufferComplete implements the rxq reassembly state machine: the first
// buffer of a packet carries a virtio-net header whose num_buffers field
// says how many more buffers to expect; every following buffer is a raw
// continuation fragment.
func (q *Rxq) onBufferComplete(slot int, length uint32) {
	addr := q.buffers.addr(slot)
	q.released = append(q.released, slot)

	if q.remainingBuffers == 0 {
		var hdr virtio.NetHdr
		full := q.buffers.bytes(slot)[:length]
		if err := hdr.DecodeSized(full, q.mergeable); err != nil {
			// The device violated the protocol by handing back a buffer too
			// short to hold a header; there is nothing to reassemble it
			// into, so drop it and wait for the next packet to start clean.
			q.releaseAll()
			return
		}

		numBuffers := int(hdr.NumBuffers)
		if !q.mergeable || numBuffers < 1 {
			numBuffers = 1
		}
		q.remainingBuffers = numBuffers

		headerLen := virtio.HeaderSize(q.mergeable)
		q.fragments = append(q.fragments[:0], Fragment{
			Addr: addr + uintptr(headerLen),
			Len:  length - uint32(headerLen),
		})
	} else {
		q.fragments = append(q.fragments, Fragment{Addr: addr, Len: length})
	}

	q.remainingBuffers--
	if q.remainingBuffers > 0 {
		return
	}

	released := q.released
	q.released = nil
	pkt := NewPacket(q.fragments, func() {
		for _, s := range released {
			q.buffers.release(s)
		}
	})
	q.fragments = nil
	if q.metrics != nil {
		q.metrics.RxPacketDelivered()
	}
	q.deliver(pkt)
}

// releaseAll drops whatever partial packet is in progress and returns all
// of its buffers to the pool; used when the device sends something this
// driver cannot interpret.
func (q *Rxq) releaseAll() {
	for _, s := range q.released {
		q.buffers.release(s)
	}
	q.released = nil
	q.fragments = nil
	q.remainingBuffers = 0
}

// Close releases the rxq's receive buffer pool.
func (q *Rxq) Close() error {
	return q.buffers.close()
}
