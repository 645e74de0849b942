package eval

import (
	"sync/atomic"
)

// Queue is a single-producer single-consumer ring buffer over a plain
// in-process slice: this evaluator never shares memory across a
// process boundary, so there's no SharedArrayBuffer-style raw pointer
// indexing here, just a power-of-two capacity and an atomic head/tail
// protocol that's safe for one reader and one writer to run
// concurrently without a lock. Used by ChannelBoard, and so by
// RunPipeline, to connect synthesized
// pipeline stage functions the way internal/pipeline.ChannelSpec
// describes.
type Queue struct {
	buf      []int64
	capacity uint32
	head     atomic.Uint32
	tail     atomic.Uint32
	stats    QueueStats
}

// QueueStats tracks queue performance: enqueue/dequeue counts and, in
// Dropped, how often a producer found the queue full.
type QueueStats struct {
	Enqueued atomic.Uint64
	Dequeued atomic.Uint64
	Dropped  atomic.Uint64
}

// NewQueue creates a queue of the given capacity, rounded up to the
// next power of two (the ring-buffer wrap arithmetic requires it).
func NewQueue(capacity uint32) *Queue {
	c := uint32(1)
	for c < capacity {
		c <<= 1
	}
	return &Queue{buf: make([]int64, c), capacity: c}
}

// TryEnqueue attempts a non-blocking push; ok is false if the queue is
// full.
func (q *Queue) TryEnqueue(v int64) (ok bool) {
	tail := q.tail.Load()
	nextTail := (tail + 1) & (q.capacity - 1)
	head := q.head.Load()
	if nextTail == head {
		q.stats.Dropped.Add(1)
		return false
	}
	q.buf[tail] = v
	q.tail.Store(nextTail)
	q.stats.Enqueued.Add(1)
	return true
}

// TryDequeue attempts a non-blocking pop; ok is false if the queue is
// empty.
func (q *Queue) TryDequeue() (v int64, ok bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return 0, false
	}
	v = q.buf[head]
	q.head.Store((head + 1) & (q.capacity - 1))
	q.stats.Dequeued.Add(1)
	return v, true
}
