package qp

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/run2c/vnet/virtqueue"
)

// Config configures a [QueuePair].
type Config struct {
	QueueSize  int
	EventIndex bool
	PollMode   bool
	Mergeable  bool
	Hardware   HardwareFeatures
	MTU        int
	MAC        net.HardwareAddr
	// RxMetrics and TxMetrics, if non-nil, observe ring-level and
	// packet-level events for the receive and transmit queue respectively.
	// Kept separate rather than shared so a queue-labeled Prometheus
	// collector can be constructed once per queue. Neither affects
	// queue-pair behavior.
	RxMetrics MetricsSink
	TxMetrics MetricsSink
}

// QueuePair wires one receive and one transmit [virtqueue.Vring] into a
// usable packet-level interface. For the vhost-net transport, the
// guest-physical identity used by virt_to_phys is just the process's own
// virtual address, because the memory table is registered 1:1 over the
// entire userspace address range (see vhostnet's transport setup); there is
// nothing for QueuePair itself to translate.
type QueuePair struct {
	cfg Config

	rxStorage *virtqueue.RingStorage
	txStorage *virtqueue.RingStorage

	RxRing *virtqueue.Vring
	TxRing *virtqueue.Vring

	Rx *Rxq
	Tx *Txq
}

// New constructs the ring storages, the two vring engines, and the rx/tx
// queue wrappers. Notifiers are supplied by the transport (vhost-net or an
// assigned device), since only it knows how the host signals this queue
// pair. No I/O happens until Start is called.
func New(cfg Config, rxNotifier, txNotifier virtqueue.Notifier, deliver func(*Packet)) (*QueuePair, error) {
	if err := virtqueue.CheckQueueSize(cfg.QueueSize); err != nil {
		return nil, fmt.Errorf("queue pair: %w", err)
	}

	rxStorage, err := virtqueue.NewRingStorage(cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("allocate rx ring storage: %w", err)
	}
	txStorage, err := virtqueue.NewRingStorage(cfg.QueueSize)
	if err != nil {
		_ = rxStorage.Close()
		return nil, fmt.Errorf("allocate tx ring storage: %w", err)
	}

	baseRingCfg := virtqueue.Config{EventIndex: cfg.EventIndex, PollMode: cfg.PollMode}
	rxRingCfg, txRingCfg := baseRingCfg, baseRingCfg
	rxRingCfg.Metrics, txRingCfg.Metrics = cfg.RxMetrics, cfg.TxMetrics
	rxRing := virtqueue.NewVring(rxStorage, rxRingCfg, rxNotifier)
	txRing := virtqueue.NewVring(txStorage, txRingCfg, txNotifier)

	rxq, err := NewRxq(rxRing, cfg.Mergeable, cfg.RxMetrics, deliver)
	if err != nil {
		_ = rxStorage.Close()
		_ = txStorage.Close()
		return nil, fmt.Errorf("construct rxq: %w", err)
	}
	// TX never uses mergeable reassembly, but the header wire size is still
	// governed by whether NET_F_MRG_RXBUF was negotiated overall.
	txq, err := NewTxq(txRing, cfg.Hardware, cfg.MTU, cfg.Mergeable, cfg.TxMetrics)
	if err != nil {
		_ = rxq.Close()
		_ = rxStorage.Close()
		_ = txStorage.Close()
		return nil, fmt.Errorf("construct txq: %w", err)
	}

	return &QueuePair{
		cfg:       cfg,
		rxStorage: rxStorage,
		txStorage: txStorage,
		RxRing:    rxRing,
		TxRing:    txRing,
		Rx:        rxq,
		Tx:        txq,
	}, nil
}

// RingAddresses describes the three shared-memory addresses a transport
// needs to register one ring with a host backend.
type RingAddresses struct {
	DescriptorTable uintptr
	Available       uintptr
	Used            uintptr
}

// RxAddresses returns the shared-memory addresses of the receive ring, for
// a transport (e.g. vhostnet) to register with the host via its own setup
// ioctls.
func (qp *QueuePair) RxAddresses() RingAddresses {
	return ringAddresses(qp.rxStorage)
}

// TxAddresses returns the shared-memory addresses of the transmit ring.
func (qp *QueuePair) TxAddresses() RingAddresses {
	return ringAddresses(qp.txStorage)
}

func ringAddresses(rs *virtqueue.RingStorage) RingAddresses {
	return RingAddresses{
		DescriptorTable: rs.Descriptors.Address(),
		Available:       rs.Available.Address(),
		Used:            rs.Used.Address(),
	}
}

// Start runs the rx refill/reassembly loop and, in interrupt mode, both
// vring completion engines, until ctx is done. It blocks; run it in its own
// goroutine. In poll mode, the caller is expected to tick
// RxRing.Poll()/TxRing.Poll() itself; Start only drives the refill loop.
func (qp *QueuePair) Start(ctx context.Context) error {
	workers := 1
	if !qp.cfg.PollMode {
		workers = 3
	}

	errs := make(chan error, workers)
	go func() { errs <- qp.Rx.Run(ctx) }()
	if !qp.cfg.PollMode {
		go func() { errs <- qp.RxRing.Run(ctx) }()
		go func() { errs <- qp.TxRing.Run(ctx) }()
	}

	var firstErr error
	for range workers {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases both ring storages and the rx/tx buffer pools. The queue
// pair must not be used after this returns.
func (qp *QueuePair) Close() error {
	return errors.Join(qp.Tx.Close(), qp.Rx.Close(), qp.txStorage.Close(), qp.rxStorage.Close())
}
