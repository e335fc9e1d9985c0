package tasks

import (
	"errors"
	"sync"

	"tributary.dev/tributary/streams"
)

// defaultQueueLimit bounds how many records a pump can stage per input
// before it blocks, which is the engine's backpressure.
const defaultQueueLimit = 1024

var errQueueClosed = errors.New("input queue closed")

// An inputQueue carries batches from a pump goroutine to the task loop.
// Batches are pushed whole, each with the cursor that covers it, so that a
// checkpoint taken at a batch boundary names exactly the records the task
// has processed.
type inputQueue struct {
	mu       sync.Mutex
	hasSpace sync.Cond
	wake     chan<- struct{}

	batches  []queuedBatch
	headIdx  int // consumed records of batches[0]
	size     int
	limit    int
	finished bool
	closed   bool
}

type queuedBatch struct {
	records []streams.Record
	cursor  []byte
}

// newInputQueue wires the queue to the task's shared wake channel.
func newInputQueue(limit int, wake chan<- struct{}) *inputQueue {
	q := &inputQueue{wake: wake, limit: limit}
	q.hasSpace.L = &q.mu
	return q
}

// PushBatch stages a batch and its end cursor, blocking while the queue is
// full. A full queue admits one more whole batch once space frees up, so a
// batch larger than the limit still fits. Returns errQueueClosed after
// Close, which pumps treat as shutdown.
func (q *inputQueue) PushBatch(records []streams.Record, cursor []byte) error {
	if len(records) == 0 {
		return nil
	}

	q.mu.Lock()
	for q.size >= q.limit && !q.closed {
		q.hasSpace.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.batches = append(q.batches, queuedBatch{records: records, cursor: cursor})
	q.size += len(records)
	q.mu.Unlock()

	q.notify()
	return nil
}

// Finish marks the end of input. The queue drains normally; Finished turns
// true once the last staged record is popped.
func (q *inputQueue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.notify()
}

// Close unblocks pushers permanently. Only the task loop calls it, on the
// way out.
func (q *inputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.hasSpace.Broadcast()
}

// Peek returns the next record without consuming it.
func (q *inputQueue) Peek() (streams.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return streams.Record{}, false
	}
	return q.batches[0].records[q.headIdx], true
}

// Pop consumes the next record. When the pop empties a batch, endOfBatch is
// true and cursor is that batch's end cursor.
func (q *inputQueue) Pop() (rec streams.Record, cursor []byte, endOfBatch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return streams.Record{}, nil, false, false
	}

	head := &q.batches[0]
	rec = head.records[q.headIdx]
	q.headIdx++
	q.size--
	if q.headIdx == len(head.records) {
		cursor = head.cursor
		endOfBatch = true
		q.batches = q.batches[1:]
		q.headIdx = 0
	}
	q.hasSpace.Signal()
	return rec, cursor, endOfBatch, true
}

// MidBatch reports whether the head batch is partially consumed. Checkpoints
// drain mid-batch inputs to their boundary first so every staged cursor
// covers only processed records.
func (q *inputQueue) MidBatch() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headIdx > 0
}

// Finished reports end of input: the pump called Finish and every staged
// record has been popped.
func (q *inputQueue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished && len(q.batches) == 0
}

func (q *inputQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
