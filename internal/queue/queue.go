// Package queue implements the Downstream Queue (C6): a bounded,
// blocking hand-off between the dispatcher (producer) and an external
// poller (consumer). Internally synchronized — this is the one piece of
// dispatcher-adjacent state that is NOT single-writer.
package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/atomic"

	"mysql-cdc-reader/internal/record"
)

var errClosed = errors.New("queue: closed")

// Queue is a bounded FIFO of ChangeRecords.
type Queue struct {
	items  chan record.ChangeRecord
	closed atomic.Bool
	done   chan struct{}
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{
		items: make(chan record.ChangeRecord, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue blocks while the queue is full — normal backpressure, not an
// error (spec §5, §7's QueueFull disposition) — until space frees up, ctx
// is cancelled, or the queue is closed. A cancelled ctx or a closed queue
// both return a non-nil error so the receiver can unwind cleanly without
// treating it as a transport failure.
func (q *Queue) Enqueue(ctx context.Context, rec record.ChangeRecord) error {
	select {
	case q.items <- rec:
		return nil
	case <-q.done:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainBatch returns up to max already-enqueued records, waiting up to
// timeout for at least one if the queue is currently empty. It never
// blocks past timeout, and returns a shorter-than-max batch rather than
// waiting for more once any records are available. Buffered records are
// always drained before a close is observed, so a stopped reader's
// already-enqueued records are never dropped (spec §5's drains-allowed
// cancellation rule).
func (q *Queue) DrainBatch(max int, timeout time.Duration) []record.ChangeRecord {
	if max <= 0 {
		max = 1
	}
	batch := make([]record.ChangeRecord, 0, max)

	for len(batch) < max {
		select {
		case rec := <-q.items:
			batch = append(batch, rec)
			continue
		default:
		}
		break
	}
	if len(batch) > 0 {
		return batch
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec := <-q.items:
		batch = append(batch, rec)
	case <-q.done:
		return batch
	case <-timer.C:
		return batch
	}

	for len(batch) < max {
		select {
		case rec := <-q.items:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
	return batch
}

// Close unblocks both sides. The items channel itself is never closed —
// doing so would race a concurrent blocking Enqueue into a send-on-closed
// panic — so already-enqueued records remain drainable via DrainBatch
// until the queue is empty, after which DrainBatch consistently returns
// empty batches (end-of-stream, spec §5).
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}
