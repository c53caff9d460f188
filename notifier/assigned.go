package notifier

import "context"

// AssignedDeviceKicker rings a queue's doorbell on an assigned (passthrough)
// device, as opposed to vhost-net's eventfd-based kick.
type AssignedDeviceKicker interface {
	KickQueue(queueIndex int)
}

// Assigned is the assigned-device notifier variant: Notify goes through a
// device-specific doorbell write, and Wait resolves via a local signal that
// the device's interrupt handler fires via WakeWait, not this goroutine.
type Assigned struct {
	kicker     AssignedDeviceKicker
	queueIndex int
	signal     chan struct{}
}

// NewAssigned creates a notifier for one queue of an assigned device.
func NewAssigned(kicker AssignedDeviceKicker, queueIndex int) *Assigned {
	return &Assigned{
		kicker:     kicker,
		queueIndex: queueIndex,
		signal:     make(chan struct{}, 1),
	}
}

// Notify rings the device's doorbell for this queue.
func (a *Assigned) Notify() {
	a.kicker.KickQueue(a.queueIndex)
}

// WakeWait wakes a goroutine blocked in Wait. Call this from the device's
// interrupt handler once it has recorded new completions for this queue.
func (a *Assigned) WakeWait() {
	select {
	case a.signal <- struct{}{}:
	default:
		// Already signalled and not yet consumed; coalescing is fine since
		// Wait only needs to know "something happened", not how many times.
	}
}

// Wait blocks until WakeWait is called, or ctx is done.
func (a *Assigned) Wait(ctx context.Context) error {
	select {
	case <-a.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
