package qp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePair_NewAndClose(t *testing.T) {
	cfg := Config{QueueSize: 8, PollMode: true, MTU: 1500}
	qp, err := New(cfg, fakeNotifier{}, fakeNotifier{}, func(p *Packet) { p.Release() })
	require.NoError(t, err)

	assert.Equal(t, 8, qp.RxRing.QueueSize())
	assert.Equal(t, 8, qp.TxRing.QueueSize())

	require.NoError(t, qp.Close())
}

func TestQueuePair_NewRejectsInvalidQueueSize(t *testing.T) {
	cfg := Config{QueueSize: 3, MTU: 1500}
	_, err := New(cfg, fakeNotifier{}, fakeNotifier{}, func(p *Packet) {})
	assert.Error(t, err)
}

func TestQueuePair_StartStopsOnContextCancellationInPollMode(t *testing.T) {
	cfg := Config{QueueSize: 8, PollMode: true, MTU: 1500}
	qp, err := New(cfg, fakeNotifier{}, fakeNotifier{}, func(p *Packet) { p.Release() })
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, qp.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = qp.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueuePair_StartRunsRingEnginesInInterruptMode(t *testing.T) {
	cfg := Config{QueueSize: 8, MTU: 1500}
	qp, err := New(cfg, fakeNotifier{}, fakeNotifier{}, func(p *Packet) { p.Release() })
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, qp.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = qp.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
