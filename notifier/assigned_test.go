package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKicker struct {
	kicked []int
}

func (k *fakeKicker) KickQueue(queueIndex int) {
	k.kicked = append(k.kicked, queueIndex)
}

func TestAssigned_NotifyKicksTheRightQueue(t *testing.T) {
	kicker := &fakeKicker{}
	a := NewAssigned(kicker, 3)

	a.Notify()
	a.Notify()

	assert.Equal(t, []int{3, 3}, kicker.kicked)
}

func TestAssigned_WaitBlocksUntilWakeWait(t *testing.T) {
	a := NewAssigned(&fakeKicker{}, 0)

	done := make(chan error, 1)
	go func() {
		done <- a.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before WakeWait was called")
	case <-time.After(20 * time.Millisecond):
	}

	a.WakeWait()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after WakeWait")
	}
}

func TestAssigned_WakeWaitCoalescesWithoutBlocking(t *testing.T) {
	a := NewAssigned(&fakeKicker{}, 0)

	// Calling WakeWait repeatedly with nobody waiting must never block.
	a.WakeWait()
	a.WakeWait()
	a.WakeWait()

	err := a.Wait(context.Background())
	assert.NoError(t, err)
}

func TestAssigned_WaitReturnsOnContextCancellation(t *testing.T) {
	a := NewAssigned(&fakeKicker{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
