// Package queue implements the bounded single-producer/single-consumer FIFO
// with backpressure described in spec §4.1 (component C1). Codec push-mode
// edges and the muxer's optional write worker move items through a
// *queue.Queue; the filter graphs and the pipeline package do not use it
// (pipeline stages are connected by plain channels).
//
// Go already gives buffered channels most of this for free, but a plain
// channel cannot distinguish "closed cleanly" from "closed with error" (spec
// §4.1's close vs close_with_error), which every component in this module
// needs in order to propagate a fatal error to a downstream consumer instead
// of silently looking like EOF. Queue is therefore hand-rolled on top of a
// mutex and two FIFO wait lists of one-shot completion channels, the way
// spec §9's Design Notes describe it, rather than reused from a library —
// nothing in the retrieval pack provides a channel with a distinct
// error-close state.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Receive once the queue has been closed
// cleanly and, for Receive, once the buffered backlog has been drained.
var ErrClosed = errors.New("queue: closed")

// waiter is a one-shot completion cell: exactly one of ready/ctx.Done()
// fires, and the waiter checks q's state again under the lock once woken.
type waiter struct {
	ready chan struct{}
}

func newWaiter() *waiter { return &waiter{ready: make(chan struct{})} }

func (w *waiter) wake() {
	select {
	case <-w.ready:
		// already woken (can happen if Close wakes everyone then a racing
		// notify also fires); idempotent.
	default:
		close(w.ready)
	}
}

// Queue is a bounded FIFO of items of type T.
type Queue[T any] struct {
	capacity int

	mu       chan struct{} // binary semaphore used as a cheap non-reentrant mutex
	items    []T
	closed   bool
	closeErr error

	sendWaiters []*waiter
	recvWaiters []*waiter
}

// New creates a Queue with the given capacity. Capacity < 1 is clamped to 1
// (a capacity-1 queue is itself a useful building block: spec §4.5 uses one
// to serialize the muxer's optional write worker).
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		capacity: capacity,
		mu:       make(chan struct{}, 1),
	}
	q.mu <- struct{}{}
	return q
}

func (q *Queue[T]) lock()   { <-q.mu }
func (q *Queue[T]) unlock() { q.mu <- struct{}{} }

// Send appends item to the queue, suspending the caller (via ctx, not an OS
// thread block) if the queue is at capacity, per spec §4.1. It returns
// ErrClosed or the close-with-error cause if the queue is closed, and
// ctx.Err() if ctx is cancelled while parked.
func (q *Queue[T]) Send(ctx context.Context, item T) error {
	for {
		q.lock()
		if q.closed {
			err := q.closeErr
			q.unlock()
			if err != nil {
				return err
			}
			return ErrClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.wakeOneReceiverLocked()
			q.unlock()
			return nil
		}
		w := newWaiter()
		q.sendWaiters = append(q.sendWaiters, w)
		q.unlock()

		select {
		case <-w.ready:
			// loop back and retry the append; the waker guaranteed a slot
			// (or a concurrent closer guaranteed closed==true) is visible.
		case <-ctx.Done():
			q.removeSendWaiter(w)
			return ctx.Err()
		}
	}
}

// Receive pops the oldest item. If the queue is empty and closed, it returns
// ErrClosed (or the close-with-error cause); if empty and open, it suspends
// the caller until an item arrives or the queue closes.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		q.lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.wakeOneSenderLocked()
			q.unlock()
			return item, nil
		}
		if q.closed {
			err := q.closeErr
			q.unlock()
			if err != nil {
				return zero, err
			}
			return zero, ErrClosed
		}
		w := newWaiter()
		q.recvWaiters = append(q.recvWaiters, w)
		q.unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			q.removeRecvWaiter(w)
			return zero, ctx.Err()
		}
	}
}

// Close marks the queue closed: pending and future Sends fail with
// ErrClosed, and Receive continues to drain any already-buffered items
// before also failing with ErrClosed. Idempotent.
func (q *Queue[T]) Close() {
	q.closeWith(nil)
}

// CloseWithError is like Close but once the buffered backlog is drained,
// Send/Receive fail with err instead of ErrClosed. Used by the codec push
// workers to propagate a fatal upstream error to whatever reads the
// output queue, without discarding data that was already produced.
func (q *Queue[T]) CloseWithError(err error) {
	if err == nil {
		q.Close()
		return
	}
	q.closeWith(err)
}

func (q *Queue[T]) closeWith(err error) {
	q.lock()
	if q.closed {
		q.unlock()
		return
	}
	q.closed = true
	q.closeErr = err
	// Buffered items are left intact: Receive's non-empty check runs before
	// its closed check, so already-queued items still drain before the error
	// surfaces, whether the queue was closed cleanly or with an error.
	senders := q.sendWaiters
	receivers := q.recvWaiters
	q.sendWaiters = nil
	q.recvWaiters = nil
	q.unlock()

	for _, w := range senders {
		w.wake()
	}
	for _, w := range receivers {
		w.wake()
	}
}

// Len returns the number of buffered items, for diagnostics. Nothing in this
// module calls it; mux.Stats and pipeline.ResourceMonitor do not report it.
func (q *Queue[T]) Len() int {
	q.lock()
	n := len(q.items)
	q.unlock()
	return n
}

func (q *Queue[T]) wakeOneReceiverLocked() {
	if len(q.recvWaiters) == 0 {
		return
	}
	w := q.recvWaiters[0]
	q.recvWaiters = q.recvWaiters[1:]
	w.wake()
}

func (q *Queue[T]) wakeOneSenderLocked() {
	if len(q.sendWaiters) == 0 {
		return
	}
	w := q.sendWaiters[0]
	q.sendWaiters = q.sendWaiters[1:]
	w.wake()
}

func (q *Queue[T]) removeSendWaiter(target *waiter) {
	q.lock()
	defer q.unlock()
	for i, w := range q.sendWaiters {
		if w == target {
			q.sendWaiters = append(q.sendWaiters[:i], q.sendWaiters[i+1:]...)
			return
		}
	}
}

func (q *Queue[T]) removeRecvWaiter(target *waiter) {
	q.lock()
	defer q.unlock()
	for i, w := range q.recvWaiters {
		if w == target {
			q.recvWaiters = append(q.recvWaiters[:i], q.recvWaiters[i+1:]...)
			return
		}
	}
}
