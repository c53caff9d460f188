// Package notifier implements the host-notification side of a virtqueue: how
// the driver tells the host there is new work, and how it learns the host
// has produced completions. [Vring] only depends on the small interface
// defined there; the concrete transports live here.
package notifier

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// eventFD wraps a Linux eventfd used as a one-directional doorbell: writing
// a u64 to it adds that value to an internal counter, and reading resets the
// counter to zero and returns its prior value.
type eventFD struct {
	fd int
}

func newEventFD() (eventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return eventFD{}, fmt.Errorf("create eventfd: %w", err)
	}
	return eventFD{fd: fd}, nil
}

// ring adds 1 to the eventfd's counter, waking anyone blocked reading it.
func (e eventFD) ring() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := syscall.Write(e.fd, buf[:])
	return err
}

// drain resets the eventfd's counter to zero.
func (e eventFD) drain() error {
	var buf [8]byte
	_, err := syscall.Read(e.fd, buf[:])
	if err == syscall.EAGAIN {
		// Another drain (or a spurious epoll wakeup) already reset it.
		return nil
	}
	return err
}

func (e eventFD) close() error {
	if e.fd < 0 {
		return nil
	}
	return unix.Close(e.fd)
}

// epoll wraps an epoll instance monitoring a fixed, small set of eventfds
// for readability.
type epoll struct {
	fd     int
	events []syscall.EpollEvent
}

func newEpoll() (epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return epoll{}, fmt.Errorf("create epoll instance: %w", err)
	}
	return epoll{fd: fd, events: make([]syscall.EpollEvent, 8)}, nil
}

func (ep *epoll) add(fd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fd, &event)
}

// wait blocks until at least one monitored fd is readable and returns which
// ones fired. It returns (nil, nil) on a signal interruption, which the
// caller should treat the same as a spurious empty wakeup.
func (ep *epoll) wait() ([]int32, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, err
	}

	ready := make([]int32, n)
	for i := 0; i < n; i++ {
		ready[i] = ep.events[i].Fd
	}
	return ready, nil
}

func (ep *epoll) close() error {
	if ep.fd < 0 {
		return nil
	}
	return unix.Close(ep.fd)
}
