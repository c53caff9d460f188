package qp

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/run2c/vnet/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipv4Frame(payload []byte) []byte {
	frame := ipv4TCPFrame(len(payload))
	copy(frame[14+20+20:], payload)
	return frame
}

func TestTxq_PostAcquiresAHeaderSlot(t *testing.T) {
	ring, storage, err := newTestRing(4, virtqueue.Config{PollMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, storage.Close()) })

	txq, err := NewTxq(ring, HardwareFeatures{TxChecksumOffload: true}, 1500, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, txq.Close()) })

	freeBefore := len(txq.headers.free)

	frame := ipv4Frame([]byte("payload"))
	pkt := NewPacket([]Fragment{{
		Addr: uintptr(unsafe.Pointer(&frame[0])),
		Len:  uint32(len(frame)),
	}}, nil)
	err = txq.Post(context.Background(), pkt)
	require.NoError(t, err)

	assert.Equal(t, freeBefore-1, len(txq.headers.free),
		"a posted chain must hold its header slot until the host completes it")
}

func TestTxq_PostFailsWhenQueueIsFullAndContextIsCancelled(t *testing.T) {
	ring, storage, err := newTestRing(2, virtqueue.Config{PollMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, storage.Close()) })

	txq, err := NewTxq(ring, HardwareFeatures{}, 1500, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, txq.Close()) })

	// Drain the only capacity there is.
	require.NoError(t, ring.ReserveDescriptors(context.Background(), 2))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	freeBefore := len(txq.headers.free)
	frame := ipv4Frame([]byte("x"))
	pkt := NewPacket([]Fragment{{Addr: uintptr(unsafe.Pointer(&frame[0])), Len: uint32(len(frame))}}, nil)
	err = txq.Post(ctx, pkt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, freeBefore, len(txq.headers.free), "a failed reservation must never acquire a header slot")
}

func TestTxq_PostMapsMultiFragmentPacketToOneChain(t *testing.T) {
	ring, storage, err := newTestRing(4, virtqueue.Config{PollMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, storage.Close()) })

	txq, err := NewTxq(ring, HardwareFeatures{}, 1500, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, txq.Close()) })

	frame := ipv4Frame([]byte("payload"))
	mid := len(frame) / 2
	first, second := frame[:mid], frame[mid:]
	pkt := NewPacket([]Fragment{
		{Addr: uintptr(unsafe.Pointer(&first[0])), Len: uint32(len(first))},
		{Addr: uintptr(unsafe.Pointer(&second[0])), Len: uint32(len(second))},
	}, nil)

	freeDescsBefore := ring.AvailableDescriptors()
	err = txq.Post(context.Background(), pkt)
	require.NoError(t, err)

	// header + 2 fragments = 3 descriptors reserved for this chain.
	assert.Equal(t, freeDescsBefore-3, ring.AvailableDescriptors())
}

func TestTxq_PostRejectsAnEmptyPacket(t *testing.T) {
	ring, storage, err := newTestRing(4, virtqueue.Config{PollMode: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, storage.Close()) })

	txq, err := NewTxq(ring, HardwareFeatures{}, 1500, false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, txq.Close()) })

	err = txq.Post(context.Background(), NewPacket(nil, nil))
	assert.Error(t, err)
}
