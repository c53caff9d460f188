package vhostnet

import (
	"errors"
	"fmt"

	"github.com/run2c/vnet/qp"
	"github.com/run2c/vnet/virtqueue"
)

// deviceOptions holds the resolved value of every [Option], mirroring the
// CLI surface this driver exposes (§6): ring size, event-index, offload
// negotiation, poll mode and the tap interface name.
type deviceOptions struct {
	ringSize  int
	eventIdx  bool
	csum      bool
	tso       bool
	ufo       bool
	pollMode  bool
	tapDevice string

	rxMetrics qp.MetricsSink
	txMetrics qp.MetricsSink
}

var defaultOptions = deviceOptions{
	ringSize:  256,
	eventIdx:  true,
	csum:      true,
	tso:       true,
	ufo:       true,
	pollMode:  false,
	tapDevice: "",
}

// Option configures a [Device] created by [NewDevice]. Each flag in §6's
// CLI surface has a corresponding constructor here; the config-driven
// loader in cmd/vnetd translates the same flag names into these options
// rather than duplicating validation.
type Option func(*deviceOptions)

// WithRingSize sets the size of both the rx and tx virtqueues. Must be a
// power of two, >0 and <=32768; validated once in [virtqueue.CheckQueueSize]
// rather than here. Default 256.
func WithRingSize(n int) Option {
	return func(o *deviceOptions) { o.ringSize = n }
}

// WithEventIndex enables or disables offering RING_F_EVENT_IDX. Default on.
func WithEventIndex(enabled bool) Option {
	return func(o *deviceOptions) { o.eventIdx = enabled }
}

// WithChecksumOffload enables or disables offering NET_F_CSUM/NET_F_GUEST_CSUM
// and the corresponding hardware checksum offload on tx. Default on.
func WithChecksumOffload(enabled bool) Option {
	return func(o *deviceOptions) { o.csum = enabled }
}

// WithTSO enables or disables offering NET_F_HOST_TSO4/NET_F_GUEST_TSO4 and
// TCP segmentation offload on tx. Default on.
func WithTSO(enabled bool) Option {
	return func(o *deviceOptions) { o.tso = enabled }
}

// WithUFO enables or disables offering NET_F_HOST_UFO/NET_F_GUEST_UFO and UDP
// fragmentation offload on tx. Default on.
func WithUFO(enabled bool) Option {
	return func(o *deviceOptions) { o.ufo = enabled }
}

// WithPollMode enables poll mode: the vring engines never arm host
// notifications and must be ticked by the caller instead. Default off
// (interrupt mode).
func WithPollMode(enabled bool) Option {
	return func(o *deviceOptions) { o.pollMode = enabled }
}

// WithTapDevice sets the name passed to TUNSETIFF when creating the tap
// backend. Required.
func WithTapDevice(name string) Option {
	return func(o *deviceOptions) { o.tapDevice = name }
}

// WithMetrics wires rx and tx observability sinks (for instance, from
// github.com/run2c/vnet/metrics) into the queue pair and its two vrings.
// Either may be nil to leave that queue unobserved. Never affects device
// behavior.
func WithMetrics(rx, tx qp.MetricsSink) Option {
	return func(o *deviceOptions) { o.rxMetrics, o.txMetrics = rx, tx }
}

func resolveOptions(opts []Option) (deviceOptions, error) {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return deviceOptions{}, err
	}
	return o, nil
}

func (o *deviceOptions) validate() error {
	if err := virtqueue.CheckQueueSize(o.ringSize); err != nil {
		return fmt.Errorf("virtio-ring-size: %w", err)
	}
	if o.tapDevice == "" {
		return errors.New("tap-device is required")
	}
	return nil
}
