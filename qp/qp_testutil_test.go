package qp

import (
	"context"

	"github.com/run2c/vnet/virtqueue"
)

// fakeNotifier is a minimal no-op [virtqueue.Notifier] for constructing rings
// in tests that never drive the real completion engine or notifier transport.
type fakeNotifier struct{}

func (fakeNotifier) Notify() {}
func (fakeNotifier) Wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestRing(queueSize int, cfg virtqueue.Config) (*virtqueue.Vring, *virtqueue.RingStorage, error) {
	storage, err := virtqueue.NewRingStorage(queueSize)
	if err != nil {
		return nil, nil, err
	}
	return virtqueue.NewVring(storage, cfg, fakeNotifier{}), storage, nil
}
