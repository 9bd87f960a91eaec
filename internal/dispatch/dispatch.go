// Package dispatch coalesces concurrent single-item requests arriving
// within one scheduling tick into a single batched callback invocation —
// the SFU accepts a tracks[] array per signaling call, and reactive
// pipelines commonly subscribe to many tracks at once.
package dispatch

import (
	"sync"
	"time"
)

// Dispatcher batches calls to Do into single invocations of a batch
// function. Capacity bounds how many items a single batch may hold; once
// reached the batch flushes immediately instead of waiting for the tick
// to close.
type Dispatcher[I, O any] struct {
	capacity int

	mu    sync.Mutex
	batch *pendingBatch[I, O]
}

type pendingBatch[I, O any] struct {
	items    []I
	awaiters []chan result[O]
	timer    *time.Timer
	flushed  bool
}

type result[O any] struct {
	val O
	err error
}

// batchWindow is how long a newly opened batch stays open for further
// items before it flushes on its own.
const batchWindow = time.Millisecond

// New returns a Dispatcher that flushes a batch once it holds capacity
// items, or once batchWindow has passed since it opened, whichever comes first. A
// non-positive capacity is treated as unbounded within a tick.
func New[I, O any](capacity int) *Dispatcher[I, O] {
	return &Dispatcher[I, O]{capacity: capacity}
}

// Do enqueues item into the currently open batch (opening one if none is
// open) and blocks until that batch's batchFn has run. Every caller whose
// item landed in the same batch receives the identical O value, or the
// identical error if batchFn failed.
//
// batchFn is taken per-call rather than fixed at construction so that
// call sites needn't plumb side-channel state through the Dispatcher —
// the same pattern the SFU push/pull/close engines each use with their
// own Dispatcher instance.
func (d *Dispatcher[I, O]) Do(item I, batchFn func([]I) (O, error)) (O, error) {
	awaiter := make(chan result[O], 1)

	d.mu.Lock()
	if d.batch == nil {
		d.batch = &pendingBatch[I, O]{}
		batch := d.batch
		// The "microtask window": Go has no microtask queue, so a short
		// timer stands in for "flush after every concurrent caller in
		// this tick has had a chance to enqueue". A zero-delay timer
		// would fire before goroutines started alongside this one reach
		// Do, leaving each of them in a batch of its own.
		batch.timer = time.AfterFunc(batchWindow, func() {
			d.flush(batch, batchFn)
		})
	}
	d.batch.items = append(d.batch.items, item)
	d.batch.awaiters = append(d.batch.awaiters, awaiter)
	full := d.capacity > 0 && len(d.batch.items) >= d.capacity
	var toFlush *pendingBatch[I, O]
	if full {
		toFlush = d.batch
		d.batch = nil
	}
	d.mu.Unlock()

	if toFlush != nil {
		toFlush.timer.Stop()
		go d.flush(toFlush, batchFn)
	}

	r := <-awaiter
	return r.val, r.err
}

func (d *Dispatcher[I, O]) flush(batch *pendingBatch[I, O], batchFn func([]I) (O, error)) {
	d.mu.Lock()
	if batch.flushed {
		d.mu.Unlock()
		return
	}
	batch.flushed = true
	if d.batch == batch {
		d.batch = nil
	}
	d.mu.Unlock()

	val, err := batchFn(batch.items)
	for _, a := range batch.awaiters {
		a <- result[O]{val: val, err: err}
	}
}
