// Package qp wires a [virtqueue.Vring] pair (one rx, one tx) into a queue
// pair that moves whole Ethernet frames instead of raw descriptor chains:
// it prepends/strips the virtio-net header, computes TX offload fields,
// reassembles mergeable RX buffers into full packets, and keeps the RX
// refill loop fed.
package qp
