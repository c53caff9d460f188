package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventfdPair_CallFDWakesWait(t *testing.T) {
	p, err := NewEventfdPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	// Notify rings the kick fd, which only the host side (never this type)
	// reads, so it does not by itself unblock Wait. Simulate the host by
	// writing directly to the call fd this pair listens on.
	done := make(chan error, 1)
	go func() {
		done <- p.Wait(context.Background())
	}()

	// Give the goroutine a moment to start waiting before signalling.
	time.Sleep(10 * time.Millisecond)

	ring := eventFD{fd: p.CallFD()}
	require.NoError(t, ring.ring())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the call eventfd was rung")
	}
}

func TestEventfdPair_WaitReturnsOnContextCancellation(t *testing.T) {
	p, err := NewEventfdPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}

func TestEventfdPair_WakeWaitWithoutACallKeepsWaiting(t *testing.T) {
	p, err := NewEventfdPair()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	p.WakeWait()

	// A bare wake with no call pending must not make Wait return nil; it
	// should keep waiting until ctx expires.
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return once the context deadline passed")
	}
}

func TestEventFD_RingAndDrainRoundTrip(t *testing.T) {
	fd, err := newEventFD()
	require.NoError(t, err)
	t.Cleanup(func() { _ = fd.close() })

	require.NoError(t, fd.ring())
	require.NoError(t, fd.drain())

	// Draining an already-empty eventfd in non-blocking mode must not error.
	require.NoError(t, fd.drain())
}

func TestEpoll_WaitReturnsAllReadyFds(t *testing.T) {
	a, err := newEventFD()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	b, err := newEventFD()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.close() })

	ep, err := newEpoll()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.close() })

	require.NoError(t, ep.add(a.fd))
	require.NoError(t, ep.add(b.fd))

	require.NoError(t, a.ring())
	require.NoError(t, b.ring())

	ready, err := ep.wait()
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{int32(a.fd), int32(b.fd)}, ready)
}
