package qp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_AcquireReleaseRoundTrip(t *testing.T) {
	p, err := newBufferPool(4, 128)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.close()) })

	slot := p.acquire()
	buf := p.bytes(slot)
	assert.Len(t, buf, 128)

	buf[0] = 0xAB
	assert.Equal(t, byte(0xAB), p.bytes(slot)[0])

	p.release(slot)
	reacquired := p.acquire()
	assert.Equal(t, slot, reacquired, "only one slot was ever released, so it must be the one handed back")
}

func TestBufferPool_SlotsAreDistinctRegions(t *testing.T) {
	p, err := newBufferPool(3, 64)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.close()) })

	a := p.acquire()
	b := p.acquire()
	assert.NotEqual(t, p.addr(a), p.addr(b))
	assert.GreaterOrEqual(t, int(p.addr(b))-int(p.addr(a)), 64)
}

func TestBufferPool_CloseIsIdempotent(t *testing.T) {
	p, err := newBufferPool(2, 64)
	require.NoError(t, err)
	require.NoError(t, p.close())
	require.NoError(t, p.close())
}
