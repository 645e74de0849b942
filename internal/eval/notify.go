package eval

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notifier implements the wait/wake side of a Queue's non-blocking
// try-read: a generation counter plus a set of waiter channels. Unlike
// a SharedArrayBuffer-backed epoch, this evaluator's generation counter
// is a plain atomic field, not a byte offset into shared memory, and
// there's no spin-then-park fast path — an in-process goroutine has no
// sub-microsecond polling budget to protect. Used to implement the
// `thread_wait` call BuildStageFunc synthesizes: a stage goroutine
// parks here after a failed try-read until the upstream stage's next
// enqueue.
type Notifier struct {
	gen       atomic.Uint32
	mu        sync.Mutex
	waiters   []chan struct{}
}

// NewNotifier returns a ready-to-use Notifier.
func NewNotifier() *Notifier { return &Notifier{} }

// Wait blocks until the next Notify call or timeout elapses, whichever
// comes first. It returns false on timeout.
func (n *Notifier) Wait(timeout time.Duration) bool {
	before := n.gen.Load()

	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.waiters = append(n.waiters, ch)
	n.mu.Unlock()
	defer n.removeWaiter(ch)

	if n.gen.Load() != before {
		return true
	}

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Notify bumps the generation and wakes every current waiter.
func (n *Notifier) Notify() {
	n.gen.Add(1)

	n.mu.Lock()
	waiters := append([]chan struct{}(nil), n.waiters...)
	n.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *Notifier) removeWaiter(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, w := range n.waiters {
		if w == ch {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			break
		}
	}
}
