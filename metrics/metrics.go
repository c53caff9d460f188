// Package metrics exposes the queue pair's observability events as
// Prometheus collectors. It never influences driver behavior: every method
// here is called from a hook that would be a no-op with a nil sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueLabel identifies which of a device's two virtqueues an event
// belongs to.
type QueueLabel string

const (
	QueueRx QueueLabel = "rx"
	QueueTx QueueLabel = "tx"
)

// Collector implements both virtqueue.MetricsSink and qp.MetricsSink (via
// qp's embedding of the former) for one virtqueue, whose ring-level series
// carry its rx or tx label. It only feeds this package's own collectors,
// which are registered once via [MustRegister].
type Collector struct {
	freeDescriptors prometheus.Gauge
	kicksTotal      prometheus.Counter
	interruptsTotal prometheus.Counter
	rxPacketsTotal  prometheus.Counter
	txPacketsTotal  prometheus.Counter
	rxRefillFailure prometheus.Counter
}

var (
	freeDescriptorsVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vnet_ring_free_descriptors",
		Help: "Number of free descriptors currently available on a virtqueue.",
	}, []string{"queue"})

	kicksTotalVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_kicks_total",
		Help: "Number of times a virtqueue has notified the host backend.",
	}, []string{"queue"})

	interruptsTotalVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vnet_interrupts_total",
		Help: "Number of times a virtqueue's notifier wait has resolved in interrupt mode.",
	}, []string{"queue"})

	rxPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vnet_rx_packets_total",
		Help: "Number of packets delivered from the receive queue.",
	})

	txPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vnet_tx_packets_total",
		Help: "Number of packets completed on the transmit queue.",
	})

	rxRefillFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vnet_rx_refill_failures_total",
		Help: "Number of times the receive queue's refill loop failed to keep the ring supplied with buffers.",
	})
)

// MustRegister registers every collector this package defines with reg. It
// panics on a duplicate registration, matching the package-level
// MustRegister convention used throughout client_golang.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(freeDescriptorsVec, kicksTotalVec, interruptsTotalVec,
		rxPacketsTotal, txPacketsTotal, rxRefillFailuresTotal)
}

// NewCollector returns a sink for the given queue label. Call MustRegister
// once per process, and NewCollector once per queue.
func NewCollector(queue QueueLabel) *Collector {
	label := prometheus.Labels{"queue": string(queue)}
	return &Collector{
		freeDescriptors: freeDescriptorsVec.With(label),
		kicksTotal:      kicksTotalVec.With(label),
		interruptsTotal: interruptsTotalVec.With(label),
		rxPacketsTotal:  rxPacketsTotal,
		txPacketsTotal:  txPacketsTotal,
		rxRefillFailure: rxRefillFailuresTotal,
	}
}

func (c *Collector) FreeDescriptors(n int) { c.freeDescriptors.Set(float64(n)) }
func (c *Collector) Kicked()               { c.kicksTotal.Inc() }
func (c *Collector) WaitResolved()         { c.interruptsTotal.Inc() }
func (c *Collector) RxPacketDelivered()    { c.rxPacketsTotal.Inc() }
func (c *Collector) TxPacketCompleted()    { c.txPacketsTotal.Inc() }
func (c *Collector) RxRefillFailure()      { c.rxRefillFailure.Inc() }
