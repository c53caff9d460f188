package qp

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestPacket_LenAndBytesAcrossFragments(t *testing.T) {
	a := []byte("hello ")
	b := []byte("world")

	pkt := NewPacket([]Fragment{
		{Addr: uintptr(unsafe.Pointer(&a[0])), Len: uint32(len(a))},
		{Addr: uintptr(unsafe.Pointer(&b[0])), Len: uint32(len(b))},
	}, nil)

	assert.Equal(t, len(a)+len(b), pkt.Len())
	assert.Equal(t, "hello world", string(pkt.Bytes()))
}

func TestPacket_ReleaseIsIdempotent(t *testing.T) {
	calls := 0
	pkt := NewPacket(nil, func() { calls++ })

	pkt.Release()
	pkt.Release()

	assert.Equal(t, 1, calls)
}

func TestPacket_ReleaseWithNilDeleterIsSafe(t *testing.T) {
	pkt := NewPacket(nil, nil)
	pkt.Release()
}
