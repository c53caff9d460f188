package virtqueue

import (
	"context"
	"fmt"
	"sync"
)

// pollBatchSize is how many chains accumulate in poll mode before a flush is
// forced, bounding worst-case latency between posting and the host seeing
// new entries.
const pollBatchSize = 16

// kickLatencyBound is the largest avail_added_since_kick is ever allowed to
// grow to before a kick is forced regardless of policy, bounding latency
// against the 16-bit avail.idx wrapping around.
const kickLatencyBound = 1 << 15

// Notifier lets a [Vring] signal the host that new work is available and
// learn when the host has produced completions. Implementations live in the
// notifier package; Vring only depends on this narrow contract so it never
// needs to know whether the transport is vhost-net eventfds or an assigned
// device's interrupt.
type Notifier interface {
	Notify()
	Wait(ctx context.Context) error
}

// Config configures a [Vring].
type Config struct {
	// EventIndex enables RING_F_EVENT_IDX kick/interrupt suppression. When
	// false, the driver falls back to the NO_INTERRUPT/NO_NOTIFY flag bits.
	EventIndex bool
	// PollMode disables interrupt arming entirely; the caller is expected to
	// call Poll() on a tight loop instead of letting Run block in Wait.
	PollMode bool
	// Metrics, if non-nil, observes kicks, interrupt-wait resolutions, and
	// free-descriptor counts. Never affects ring behavior.
	Metrics MetricsSink
}

// Completion is a single-shot result slot for one posted descriptor chain,
// fulfilled with the byte count the host reported once it has consumed the
// chain.
type Completion struct {
	ch chan uint32
}

// NewCompletion creates an unfulfilled completion.
func NewCompletion() *Completion {
	return &Completion{ch: make(chan uint32, 1)}
}

// Wait blocks until the host has consumed the chain this completion was
// attached to, or ctx is done.
func (c *Completion) Wait(ctx context.Context) (uint32, error) {
	select {
	case n := <-c.ch:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Completion) fire(length uint32) {
	c.ch <- length
}

// Chain is one descriptor chain to post: an ordered list of buffers and the
// completion that will be fulfilled once the host has consumed them.
type Chain struct {
	Buffers    []ChainBuffer
	Completion *Completion
}

// Vring drives the post/kick/complete protocol over a [RingStorage]. Unlike
// the ring types themselves, which only know how to read and write their
// own memory, Vring owns the free-descriptor semaphore, the completion
// table, the kick policy, and interrupt arming — the full engine described
// for a single split virtqueue.
//
// All of Vring's exported methods are safe to call from multiple goroutines;
// everything is serialized internally. This stands in for the single
// cooperative reactor thread a queue pair would otherwise run on.
type Vring struct {
	mu       sync.Mutex
	storage  *RingStorage
	cfg      Config
	notifier Notifier

	completions []*Completion
	batch       []uint16

	availAddedSinceKick uint32

	free chan struct{}
}

// NewVring constructs a Vring over the given storage. No I/O happens until
// Run is called.
func NewVring(storage *RingStorage, cfg Config, notifier Notifier) *Vring {
	n := storage.QueueSize()
	free := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		free <- struct{}{}
	}

	return &Vring{
		storage:     storage,
		cfg:         cfg,
		notifier:    notifier,
		completions: make([]*Completion, n),
		free:        free,
	}
}

// ReserveDescriptors blocks until n descriptors are available, or ctx is
// done. Callers must reserve capacity this way before calling Post with
// chains holding a matching number of buffers; Post itself does not block.
func (v *Vring) ReserveDescriptors(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		select {
		case <-v.free:
		case <-ctx.Done():
			for j := 0; j < i; j++ {
				v.free <- struct{}{}
			}
			return ctx.Err()
		}
	}
	return nil
}

// releaseDescriptors returns n previously-reserved descriptors to the
// semaphore. Called after a chain of that length has been freed.
func (v *Vring) releaseDescriptors(n int) {
	for i := 0; i < n; i++ {
		v.free <- struct{}{}
	}
}

// Post offers the given chains to the host. Capacity for every buffer across
// all chains must already have been reserved via ReserveDescriptors.
//
// In interrupt mode, Post publishes avail.idx, runs the kick policy, and
// drains any completions that are already available before returning. In
// poll mode, chains are appended to an in-memory batch and only published
// once the batch reaches [pollBatchSize]; call Flush to force a publish
// sooner.
func (v *Vring) Post(chains []Chain) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	heads := make([]uint16, len(chains))
	for i, c := range chains {
		head, err := v.storage.Descriptors.AllocateChain(c.Buffers)
		if err != nil {
			return fmt.Errorf("post chain %d: %w", i, err)
		}
		v.completions[head] = c.Completion
		heads[i] = head
	}

	if v.cfg.PollMode {
		v.batch = append(v.batch, heads...)
		if len(v.batch) >= pollBatchSize {
			v.flushBatchLocked()
		}
		v.sampleFreeLocked()
		return nil
	}

	v.publishLocked(heads)
	v.kickLocked()
	v.doCompleteLocked()
	v.sampleFreeLocked()
	return nil
}

// sampleFreeLocked reports the current free-descriptor count to the
// configured metrics sink, if any.
func (v *Vring) sampleFreeLocked() {
	if v.cfg.Metrics != nil {
		v.cfg.Metrics.FreeDescriptors(len(v.free))
	}
}

// Flush force-publishes any batched chains in poll mode. It is a no-op in
// interrupt mode, where Post already publishes immediately.
func (v *Vring) Flush() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flushBatchLocked()
}

func (v *Vring) flushBatchLocked() {
	if len(v.batch) == 0 {
		return
	}
	heads := v.batch
	v.batch = nil
	v.publishLocked(heads)
	v.kickLocked()
}

func (v *Vring) publishLocked(heads []uint16) {
	base := v.storage.Available.index()
	v.storage.Available.offer(base, heads)
	v.storage.Available.publishIndex(uint16(len(heads)))
	v.availAddedSinceKick += uint32(len(heads))
}

// kickLocked runs the kick policy and notifies the host if it decides to.
func (v *Vring) kickLocked() {
	shouldKick := v.availAddedSinceKick >= kickLatencyBound

	if !shouldKick {
		if v.cfg.EventIndex {
			availIdx := v.storage.Available.index()
			availEvent := v.storage.Used.availableEventValue()
			diff := uint32(uint16(availIdx - availEvent - 1))
			shouldKick = diff < v.availAddedSinceKick
		} else {
			shouldKick = !v.storage.Used.noNotify()
		}
	}

	if shouldKick {
		v.availAddedSinceKick = 0
		v.notifier.Notify()
		if v.cfg.Metrics != nil {
			v.cfg.Metrics.Kicked()
		}
	}
}

// doCompleteLocked drains every used entry currently visible, fires its
// completion, and frees its descriptor chain, then arms for the next
// interrupt (unless in poll mode) and re-checks for a race against the host
// producing one more entry between the arm and the recheck.
func (v *Vring) doCompleteLocked() {
	for {
		v.disableInterruptsLocked()

		for {
			elem, ok := v.storage.Used.takeOne()
			if !ok {
				break
			}

			id := uint16(elem.DescriptorIndex)
			length := elem.Length

			comp := v.completions[id]
			v.completions[id] = nil
			if comp != nil {
				comp.fire(length)
			}

			chainLen, err := v.storage.Descriptors.freeDescriptorChain(id)
			if err != nil {
				panic(fmt.Sprintf("free completed descriptor chain %d: %v", id, err))
			}
			v.releaseDescriptors(chainLen)
		}

		if !v.enableInterruptsLocked() {
			return
		}
	}
}

func (v *Vring) disableInterruptsLocked() {
	if v.cfg.PollMode {
		return
	}
	if !v.cfg.EventIndex {
		v.storage.Available.setNoInterrupt(true)
	}
	// With event-index negotiated, there is nothing to do here: we arm by
	// publishing used_event on the way out instead.
}

// enableInterruptsLocked arms for the next interrupt and reports whether the
// host produced another used entry in the window between arming and this
// check, in which case the caller must drain again without waiting on the
// notifier.
func (v *Vring) enableInterruptsLocked() bool {
	if v.cfg.PollMode {
		return false
	}

	if v.cfg.EventIndex {
		v.storage.Available.setUsedEvent(v.storage.Used.tail())
	} else {
		v.storage.Available.setNoInterrupt(false)
	}

	// Both the arm word and used.idx go through sync/atomic now, so this
	// load is guaranteed to observe the store above having happened first:
	// the race the spec calls out (a used entry landing in the window
	// between arming and this check) is caught rather than raced.
	return v.storage.Used.index() != v.storage.Used.tail()
}

// Run drives this ring's completion loop until ctx is done or the notifier
// returns an error. In poll mode, call Poll instead from your own loop;
// Run's interrupt-mode behavior does not apply.
func (v *Vring) Run(ctx context.Context) error {
	if v.cfg.PollMode {
		return fmt.Errorf("virtqueue: Run is not valid in poll mode, call Poll instead")
	}

	v.mu.Lock()
	v.doCompleteLocked()
	v.sampleFreeLocked()
	v.mu.Unlock()

	for {
		if err := v.notifier.Wait(ctx); err != nil {
			return err
		}
		if v.cfg.Metrics != nil {
			v.cfg.Metrics.WaitResolved()
		}

		v.mu.Lock()
		v.doCompleteLocked()
		v.sampleFreeLocked()
		v.mu.Unlock()
	}
}

// Poll runs one iteration of the poll-mode tick: flush any batched posts,
// then drain completions. It never blocks.
func (v *Vring) Poll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.flushBatchLocked()
	v.doCompleteLocked()
	v.sampleFreeLocked()
}

// QueueSize returns the number of descriptors this ring was constructed
// with.
func (v *Vring) QueueSize() int {
	return len(v.completions)
}

// AvailableDescriptors returns the number of descriptors currently free.
// Exposed for metrics; callers that need to reserve capacity should use
// ReserveDescriptors instead of polling this.
func (v *Vring) AvailableDescriptors() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return int(v.storage.Descriptors.freeNum)
}
