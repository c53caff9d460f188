package vhost

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tapFlags are passed to TUNSETIFF when creating the tap interface this
// driver hands to vhost-net as its backend: a plain L2 tap (no packet-info
// prefix, single queue, with a virtio-net header prepended to every frame).
const tapFlags = unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_ONE_QUEUE | unix.IFF_VNET_HDR

// OpenTap opens /dev/net/tun non-blocking and attaches it to the named tap
// interface, requesting the virtio-net header framing vhost-net expects on
// both sides of the ring. offloadFlags and headerLen are pushed into the tap
// device so its own checksum/segmentation offload understanding matches
// what was just negotiated over the vhost control file descriptor.
func OpenTap(name string, offloadFlags uint32, headerLen uint32) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("build tap interface request for %q: %w", name, err)
	}
	ifr.SetUint16(tapFlags)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("attach tap device %q: %w", name, err)
	}

	if offloadFlags != 0 {
		if err := unix.IoctlSetInt(fd, unix.TUNSETOFFLOAD, int(offloadFlags)); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("set tap offload flags: %w", err)
		}
	}

	if err := unix.IoctlSetInt(fd, unix.TUNSETVNETHDRSZ, int(headerLen)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set tap virtio-net header size: %w", err)
	}

	return fd, nil
}

// BringTapUp sets the tap interface's MTU and administrative state. It runs
// after OpenTap so the interface the kernel handed back from TUNSETIFF is
// resolvable by name over netlink.
func BringTapUp(name string, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("look up tap link %q: %w", name, err)
	}

	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set tap link %q mtu: %w", name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring tap link %q up: %w", name, err)
	}

	return nil
}
