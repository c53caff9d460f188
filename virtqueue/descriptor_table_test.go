package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDescriptorTable(t *testing.T, queueSize int) *DescriptorTable {
	t.Helper()
	mem := make([]byte, descriptorTableSize(queueSize))
	return newDescriptorTable(queueSize, mem)
}

func TestDescriptorTable_AllocateChainLinksDescriptorsInOrder(t *testing.T) {
	dt := newTestDescriptorTable(t, 8)

	bufs := []ChainBuffer{
		{Addr: 0x1000, Len: 10, Writeable: false},
		{Addr: 0x2000, Len: 1400, Writeable: true},
	}

	head, err := dt.AllocateChain(bufs)
	require.NoError(t, err)
	require.EqualValues(t, 6, dt.freeNum)

	first := &dt.descriptors[head]
	assert.Equal(t, uintptr(0x1000), first.address)
	assert.EqualValues(t, 10, first.length)
	assert.Zero(t, first.flags&descriptorFlagWritable)
	assert.NotZero(t, first.flags&descriptorFlagHasNext)

	second := &dt.descriptors[first.next]
	assert.Equal(t, uintptr(0x2000), second.address)
	assert.EqualValues(t, 1400, second.length)
	assert.NotZero(t, second.flags&descriptorFlagWritable)
	assert.Zero(t, second.flags&descriptorFlagHasNext)

	length, err := dt.freeDescriptorChain(head)
	require.NoError(t, err)
	assert.Equal(t, 2, length)
	assert.EqualValues(t, 8, dt.freeNum)
}

func TestDescriptorTable_AllocateChainRejectsEmptyChain(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	_, err := dt.AllocateChain(nil)
	assert.ErrorIs(t, err, ErrDescriptorChainEmpty)
}

func TestDescriptorTable_AllocateChainRejectsTooFewFreeDescriptors(t *testing.T) {
	dt := newTestDescriptorTable(t, 2)

	bufs := []ChainBuffer{{Addr: 1, Len: 1}, {Addr: 2, Len: 2}, {Addr: 3, Len: 3}}
	_, err := dt.AllocateChain(bufs)
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)
	assert.EqualValues(t, 2, dt.freeNum, "a rejected allocation must not consume any free descriptors")
}

func TestDescriptorTable_ExhaustsFreeList(t *testing.T) {
	dt := newTestDescriptorTable(t, 2)

	_, err := dt.AllocateChain([]ChainBuffer{{Addr: 1, Len: 1}})
	require.NoError(t, err)
	_, err = dt.AllocateChain([]ChainBuffer{{Addr: 2, Len: 1}})
	require.NoError(t, err)

	_, err = dt.AllocateChain([]ChainBuffer{{Addr: 3, Len: 1}})
	assert.ErrorIs(t, err, ErrNotEnoughFreeDescriptors)
}

func TestDescriptorTable_FreeDescriptorChainReturnsLengthAndRestoresCapacity(t *testing.T) {
	dt := newTestDescriptorTable(t, 4)

	head, err := dt.AllocateChain([]ChainBuffer{{Addr: 1, Len: 4096}})
	require.NoError(t, err)
	require.EqualValues(t, 3, dt.freeNum)

	length, err := dt.freeDescriptorChain(head)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
	assert.EqualValues(t, 4, dt.freeNum)
	assert.Zero(t, dt.descriptors[head].length)
}
