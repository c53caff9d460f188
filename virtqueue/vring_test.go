package virtqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotifier counts kicks and lets a test simulate the host waking the
// driver up, without needing any real eventfd/epoll transport.
type fakeNotifier struct {
	mu    sync.Mutex
	kicks int
	wake  chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{wake: make(chan struct{}, 1)}
}

func (f *fakeNotifier) Notify() {
	f.mu.Lock()
	f.kicks++
	f.mu.Unlock()
}

func (f *fakeNotifier) Wait(ctx context.Context) error {
	select {
	case <-f.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeNotifier) wakeUp() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeNotifier) kickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks
}

func newTestVring(t *testing.T, queueSize int, cfg Config) (*Vring, *fakeNotifier) {
	t.Helper()
	storage, err := NewRingStorage(queueSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, storage.Close())
	})

	notifier := newFakeNotifier()
	return NewVring(storage, cfg, notifier), notifier
}

func TestVring_PostWithoutEventIndexAlwaysKicksWhenHostWantsIt(t *testing.T) {
	v, notifier := newTestVring(t, 8, Config{})

	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	c := NewCompletion()
	err := v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: c}})
	require.NoError(t, err)

	assert.Equal(t, 1, notifier.kickCount())
}

func TestVring_PostWithoutEventIndexSkipsKickWhenNoNotifySet(t *testing.T) {
	v, notifier := newTestVring(t, 8, Config{})
	v.storage.Used.header.Store(uint32(usedRingFlagNoNotify))

	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	c := NewCompletion()
	err := v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: c}})
	require.NoError(t, err)

	assert.Equal(t, 0, notifier.kickCount())
}

func TestVring_PostWithEventIndexKicksOnlyWhenAvailEventIsCrossed(t *testing.T) {
	v, notifier := newTestVring(t, 8, Config{EventIndex: true})

	// avail_event == 0 means "kick me once idx passes 0", so the very first
	// post (idx 0 -> 1) must kick.
	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	err := v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: NewCompletion()}})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.kickCount())

	// Advance avail_event far ahead (simulating the host arming for a later
	// index), then post once more: this post must not cross avail_event, so
	// it must not kick.
	v.storage.Available.setUsedEvent(0) // unrelated field, no-op here
	*v.storage.Used.availableEvent = 100
	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	err = v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 2, Len: 1}}, Completion: NewCompletion()}})
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.kickCount(), "a post that does not cross avail_event must not kick")
}

func TestVring_DoCompleteFiresCompletionsAndFreesDescriptors(t *testing.T) {
	v, _ := newTestVring(t, 8, Config{})

	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	completion := NewCompletion()
	require.NoError(t, v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: completion}}))

	before := v.AvailableDescriptors()

	// Simulate the host consuming the posted chain: it returns the head
	// index (0, the only chain posted so far) via the used ring.
	v.storage.Used.InitOfferSingle(0, 42)

	v.mu.Lock()
	v.doCompleteLocked()
	v.mu.Unlock()

	n, err := completion.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	assert.Equal(t, before+1, v.AvailableDescriptors())
}

func TestVring_EnableInterruptsDetectsRaceAgainstConcurrentUsedEntry(t *testing.T) {
	v, _ := newTestVring(t, 8, Config{})

	// Simulate a used entry that was produced by the host right in the
	// window between disabling and re-enabling interrupts.
	v.storage.Used.InitOfferSingle(0, 7)

	raced := v.enableInterruptsLocked()
	assert.True(t, raced, "enableInterruptsLocked must detect a used entry produced during the window")
}

func TestVring_EnableInterruptsReportsNoRaceWhenNothingPending(t *testing.T) {
	v, _ := newTestVring(t, 8, Config{})

	raced := v.enableInterruptsLocked()
	assert.False(t, raced)
}

func TestVring_PollModeBatchesUntilFlush(t *testing.T) {
	v, notifier := newTestVring(t, 8, Config{PollMode: true})

	require.NoError(t, v.ReserveDescriptors(context.Background(), 1))
	require.NoError(t, v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: NewCompletion()}}))

	assert.EqualValues(t, 0, v.storage.Available.index(), "poll mode must not publish until flushed")
	assert.Equal(t, 0, notifier.kickCount())

	v.Flush()

	assert.EqualValues(t, 1, v.storage.Available.index())
	assert.Equal(t, 1, notifier.kickCount())
}

func TestVring_PollModeForcesFlushAtBatchSize(t *testing.T) {
	v, _ := newTestVring(t, 32, Config{PollMode: true})

	require.NoError(t, v.ReserveDescriptors(context.Background(), pollBatchSize))
	for range pollBatchSize {
		require.NoError(t, v.Post([]Chain{{Buffers: []ChainBuffer{{Addr: 1, Len: 1}}, Completion: NewCompletion()}}))
	}

	assert.EqualValues(t, pollBatchSize, v.storage.Available.index(),
		"reaching the batch size must force a publish without an explicit Flush")
}

func TestVring_RunStopsWhenContextIsCancelled(t *testing.T) {
	v, _ := newTestVring(t, 8, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := v.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVring_ReserveDescriptorsRollsBackOnCancellation(t *testing.T) {
	v, _ := newTestVring(t, 4, Config{})

	// Drain the semaphore down to zero free tokens.
	require.NoError(t, v.ReserveDescriptors(context.Background(), 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := v.ReserveDescriptors(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)

	v.releaseDescriptors(4)
	assert.Equal(t, 4, v.AvailableDescriptors())
}
