package notifier

import (
	"context"
	"errors"
	"fmt"
)

// EventfdPair is the vhost-net notifier variant: a kick eventfd the driver
// writes to wake the host, and a call eventfd the host writes to wake the
// driver. Both fds are handed to the kernel via VHOST_SET_VRING_KICK and
// VHOST_SET_VRING_CALL; this type only uses its own ends of them.
type EventfdPair struct {
	kick eventFD
	call eventFD
	wake eventFD
	poll epoll
}

// NewEventfdPair creates a fresh kick/call eventfd pair and the epoll
// instance used to wait on the call side. A third, internal eventfd is
// registered alongside the call fd so that Wait can be interrupted by a
// context cancellation even though epoll_wait itself has no timeout here.
func NewEventfdPair() (*EventfdPair, error) {
	kick, err := newEventFD()
	if err != nil {
		return nil, fmt.Errorf("create kick eventfd: %w", err)
	}
	call, err := newEventFD()
	if err != nil {
		return nil, fmt.Errorf("create call eventfd: %w", err)
	}
	wake, err := newEventFD()
	if err != nil {
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	poll, err := newEpoll()
	if err != nil {
		return nil, fmt.Errorf("create epoll instance: %w", err)
	}
	if err := poll.add(call.fd); err != nil {
		return nil, fmt.Errorf("register call eventfd with epoll: %w", err)
	}
	if err := poll.add(wake.fd); err != nil {
		return nil, fmt.Errorf("register wake eventfd with epoll: %w", err)
	}

	return &EventfdPair{kick: kick, call: call, wake: wake, poll: poll}, nil
}

// KickFD is the read end the kernel should wait on for new available
// entries, passed to VHOST_SET_VRING_KICK.
func (p *EventfdPair) KickFD() int { return p.kick.fd }

// CallFD is the write end the kernel signals on new used entries, passed to
// VHOST_SET_VRING_CALL.
func (p *EventfdPair) CallFD() int { return p.call.fd }

// Notify signals the host that new avail entries are ready to be consumed.
func (p *EventfdPair) Notify() {
	// The kick is an optimization hint; a failed write here (e.g. the host
	// side already closed it during shutdown) is not something the caller
	// can act on.
	_ = p.kick.ring()
}

// WakeWait wakes the epoll wait inside any goroutine currently blocked in
// Wait, without the host having signalled anything. Wait then returns only if
// its ctx is done; otherwise it goes back to waiting for the call eventfd.
// Wait uses this itself to react to ctx cancellation.
func (p *EventfdPair) WakeWait() {
	_ = p.wake.ring()
}

// Wait blocks until the host writes to the call eventfd, or ctx is done.
func (p *EventfdPair) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.WakeWait()
		case <-done:
		}
	}()

	for {
		ready, err := p.poll.wait()
		if err != nil {
			return fmt.Errorf("wait for call eventfd: %w", err)
		}

		sawCall := false
		for _, fd := range ready {
			switch fd {
			case int32(p.call.fd):
				_ = p.call.drain()
				sawCall = true
			case int32(p.wake.fd):
				_ = p.wake.drain()
			}
		}

		if sawCall {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A bare wake with no call fd ready: either a spurious wakeup or a
		// real EINTR from epoll_wait; loop and check ctx again.
	}
}

// Close releases all three eventfds and the epoll instance. The kernel keeps
// its own reference to the kick/call fds once VHOST_SET_VRING_KICK/CALL have
// been issued, so closing them here only drops this process's reference.
func (p *EventfdPair) Close() error {
	return errors.Join(p.kick.close(), p.call.close(), p.wake.close(), p.poll.close())
}
