// Package virtqueue implements the driver side of a virtio split virtqueue,
// as described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// It owns three things: the shared-memory layout (descriptor table, available
// ring, used ring), the free-descriptor pool threaded through the descriptor
// table itself, and the post/complete/kick protocol that drives them. It does
// not know anything about packets, headers, or the transport used to notify
// the other side; that lives in the notifier and qp packages.
package virtqueue
