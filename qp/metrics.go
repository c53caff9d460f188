package qp

import "github.com/run2c/vnet/virtqueue"

// MetricsSink receives additive packet- and ring-level observability events
// from a [QueuePair]. It embeds [virtqueue.MetricsSink] so a single
// implementation can be handed to both the queue pair and the two vrings
// underneath it. A nil MetricsSink is valid and means nothing is observed.
type MetricsSink interface {
	virtqueue.MetricsSink

	// RxPacketDelivered is called once per packet handed to the rxq's
	// deliver callback, after full mergeable-buffer reassembly.
	RxPacketDelivered()
	// TxPacketCompleted is called once per tx chain the host has consumed.
	TxPacketCompleted()
	// RxRefillFailure is called when the rx refill loop fails to keep the
	// receive ring supplied with buffers, other than by graceful shutdown.
	RxRefillFailure()
}
