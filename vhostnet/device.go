// Package vhostnet drives the vhost-net ioctl sequence documented in this
// driver's external-interfaces section: feature negotiation, tap device
// bring-up, memory-table registration, and per-queue wiring of a
// github.com/run2c/vnet/qp.QueuePair over a pair of notifier.EventfdPair
// transports.
package vhostnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"github.com/run2c/vnet/notifier"
	"github.com/run2c/vnet/qp"
	"github.com/run2c/vnet/vhost"
	"github.com/run2c/vnet/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// The indexes vhost-net expects for the receive and transmit queues.
const (
	receiveQueueIndex  = 0
	transmitQueueIndex = 1
)

// fakeMAC is the fixed address handed out for the vhost-net path, which has
// no device config space to read a real one from. An assigned-device
// transport would instead read the negotiated MAC out of its config space.
var fakeMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// Device represents one vhost-net networking device: a tap backend plus a
// queue pair whose two virtqueues are registered with the kernel.
type Device struct {
	log *logrus.Logger

	controlFD int
	tapFD     int

	negotiated virtio.Feature
	mergeable  bool
	headerLen  int

	rxNotifier *notifier.EventfdPair
	txNotifier *notifier.EventfdPair

	QP *qp.QueuePair
}

// NewDevice runs the full vhost-net bring-up sequence and returns a ready
// [Device]. mtu governs the TSO/UFO GSO size computed for outgoing packets;
// deliver is called with every reassembled received packet, in arrival
// order, and must call Packet.Release once done with it.
func NewDevice(log *logrus.Logger, mtu int, deliver func(*qp.Packet), opts ...Option) (*Device, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid vhost-net options: %w", err)
	}

	dev := &Device{log: log, controlFD: -1, tapFD: -1}
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	// 1. Open the vhost-net control file descriptor.
	dev.controlFD, err = unix.Open("/dev/vhost-net", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/vhost-net: %w", err)
	}

	// 2. Negotiate features: intersect what we'd like to offer with what
	// the host actually supports.
	hostFeatures, err := vhost.GetFeatures(dev.controlFD)
	if err != nil {
		return nil, fmt.Errorf("get vhost features: %w", err)
	}
	desired := desiredFeatures(o)
	dev.negotiated = desired & hostFeatures
	if err = vhost.SetFeatures(dev.controlFD, dev.negotiated); err != nil {
		return nil, fmt.Errorf("set vhost features: %w", err)
	}

	dev.mergeable = dev.negotiated&virtio.FeatureNetMergeRXBuffers != 0
	dev.headerLen = virtio.HeaderSize(dev.mergeable)
	eventIdx := dev.negotiated&virtio.FeatureEventIdx != 0
	csum := dev.negotiated&virtio.FeatureNetDeviceCsum != 0
	tso4 := dev.negotiated&virtio.FeatureNetDeviceTSO4 != 0
	ufo := dev.negotiated&virtio.FeatureNetDeviceUFO != 0

	log.WithFields(logrus.Fields{
		"features":   dev.negotiated,
		"mergeable":  dev.mergeable,
		"event_idx":  eventIdx,
		"csum":       csum,
		"tso4":       tso4,
		"ufo":        ufo,
		"ring_size":  o.ringSize,
		"poll_mode":  o.pollMode,
		"header_len": dev.headerLen,
	}).Info("negotiated virtio-net features")

	// 3. Open and configure the tap backend.
	dev.tapFD, err = vhost.OpenTap(o.tapDevice, tapOffloadFlags(csum, tso4, ufo), uint32(dev.headerLen))
	if err != nil {
		return nil, fmt.Errorf("open tap device %q: %w", o.tapDevice, err)
	}
	if err = vhost.BringTapUp(o.tapDevice, mtu); err != nil {
		return nil, fmt.Errorf("bring up tap device %q: %w", o.tapDevice, err)
	}

	// 4. Take exclusive ownership of the control file descriptor.
	if err = vhost.OwnControlFD(dev.controlFD); err != nil {
		return nil, fmt.Errorf("own control file descriptor: %w", err)
	}

	// Build the notifiers and the queue pair before touching the kernel's
	// per-queue state, since registering a queue needs the ring addresses
	// and eventfds the queue pair owns.
	dev.rxNotifier, err = notifier.NewEventfdPair()
	if err != nil {
		return nil, fmt.Errorf("create rx notifier: %w", err)
	}
	dev.txNotifier, err = notifier.NewEventfdPair()
	if err != nil {
		return nil, fmt.Errorf("create tx notifier: %w", err)
	}

	cfg := qp.Config{
		QueueSize:  o.ringSize,
		EventIndex: eventIdx,
		PollMode:   o.pollMode,
		Mergeable:  dev.mergeable,
		Hardware: qp.HardwareFeatures{
			TxChecksumOffload: csum,
			TxTSO4:            tso4,
			TxUFO:             ufo,
		},
		MTU:       mtu,
		MAC:       fakeMAC,
		RxMetrics: o.rxMetrics,
		TxMetrics: o.txMetrics,
	}
	dev.QP, err = qp.New(cfg, dev.rxNotifier, dev.txNotifier, deliver)
	if err != nil {
		return nil, fmt.Errorf("construct queue pair: %w", err)
	}

	// 5. Register the identity-mapped memory table. Every buffer this
	// driver ever posts - ring storage, header slots, rx buffers - lives
	// somewhere in this process's own address space, so one region
	// covering that whole space is all the host ever needs.
	if err = vhost.SetMemoryLayout(dev.controlFD, vhost.IdentityMemoryLayout()); err != nil {
		return nil, fmt.Errorf("set memory layout: %w", err)
	}

	// 6. Register both queues: size, addresses, kick/call eventfds.
	rxAddrs := dev.QP.RxAddresses()
	if err = vhost.RegisterQueue(dev.controlFD, receiveQueueIndex, vhost.QueueAttachment{
		Size:           o.ringSize,
		DescriptorAddr: rxAddrs.DescriptorTable,
		AvailAddr:      rxAddrs.Available,
		UsedAddr:       rxAddrs.Used,
		KickFD:         dev.rxNotifier.KickFD(),
		CallFD:         dev.rxNotifier.CallFD(),
	}); err != nil {
		return nil, fmt.Errorf("register rx queue: %w", err)
	}

	txAddrs := dev.QP.TxAddresses()
	if err = vhost.RegisterQueue(dev.controlFD, transmitQueueIndex, vhost.QueueAttachment{
		Size:           o.ringSize,
		DescriptorAddr: txAddrs.DescriptorTable,
		AvailAddr:      txAddrs.Available,
		UsedAddr:       txAddrs.Used,
		KickFD:         dev.txNotifier.KickFD(),
		CallFD:         dev.txNotifier.CallFD(),
	}); err != nil {
		return nil, fmt.Errorf("register tx queue: %w", err)
	}

	// 7. Attach the tap device as the backend for both queues. The kernel
	// keeps its own reference, so the local fd can be closed afterward.
	if err = vhost.SetQueueBackend(dev.controlFD, receiveQueueIndex, dev.tapFD); err != nil {
		return nil, fmt.Errorf("set rx queue backend: %w", err)
	}
	if err = vhost.SetQueueBackend(dev.controlFD, transmitQueueIndex, dev.tapFD); err != nil {
		return nil, fmt.Errorf("set tx queue backend: %w", err)
	}
	if err = unix.Close(dev.tapFD); err != nil {
		return nil, fmt.Errorf("close local tap file descriptor: %w", err)
	}
	dev.tapFD = -1

	// Clean up even if the caller forgets to call Close.
	runtime.SetFinalizer(dev, (*Device).Close)

	return dev, nil
}

// MACAddress returns the MAC address this device advertises to the network
// stack above it.
func (dev *Device) MACAddress() net.HardwareAddr {
	return fakeMAC
}

// Start runs the queue pair's refill loop and, in interrupt mode, its
// completion loops until ctx is done. In poll mode no completion loop runs
// here; see [qp.QueuePair.Start]. It blocks; run it in its own goroutine (or under an errgroup, as
// cmd/vnetd does).
func (dev *Device) Start(ctx context.Context) error {
	return dev.QP.Start(ctx)
}

// Close tears down the queue pair and releases the vhost-net and tap file
// descriptors. Safe to call more than once.
func (dev *Device) Close() error {
	var errs []error

	if dev.QP != nil {
		errs = append(errs, dev.QP.Close())
		dev.QP = nil
	}
	if dev.rxNotifier != nil {
		errs = append(errs, dev.rxNotifier.Close())
		dev.rxNotifier = nil
	}
	if dev.txNotifier != nil {
		errs = append(errs, dev.txNotifier.Close())
		dev.txNotifier = nil
	}
	if dev.tapFD >= 0 {
		errs = append(errs, unix.Close(dev.tapFD))
		dev.tapFD = -1
	}
	if dev.controlFD >= 0 {
		errs = append(errs, unix.Close(dev.controlFD))
		dev.controlFD = -1
	}

	runtime.SetFinalizer(dev, nil)
	return errors.Join(errs...)
}

func desiredFeatures(o deviceOptions) virtio.Feature {
	f := virtio.FeatureIndirectDescriptors | virtio.FeatureNetMAC | virtio.FeatureNetMergeRXBuffers
	if o.eventIdx {
		f |= virtio.FeatureEventIdx
	}
	if o.csum {
		f |= virtio.FeatureNetDeviceCsum | virtio.FeatureNetDriverCsum
	}
	if o.tso {
		f |= virtio.FeatureNetDeviceTSO4 | virtio.FeatureNetDriverTSO4
	}
	if o.ufo {
		f |= virtio.FeatureNetDeviceUFO | virtio.FeatureNetDriverUFO
	}
	return f
}

func tapOffloadFlags(csum, tso4, ufo bool) uint32 {
	var flags uint32
	if csum {
		flags |= unix.TUN_F_CSUM
	}
	if tso4 {
		flags |= unix.TUN_F_TSO4
	}
	if ufo {
		flags |= unix.TUN_F_UFO
	}
	return flags
}
