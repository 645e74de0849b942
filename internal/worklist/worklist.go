// Package worklist provides a generic worklist over a DAG of items,
// each associated with a pending-dependency count, that processes an
// item only once every dependency it was inserted with has been
// satisfied.
//
// Built on an explicit queue rather than recursive depth-first
// callbacks, which removes any stack-depth concern on deep CFGs.
package worklist

import (
	"github.com/bits-and-blooms/bloom/v3"
)

// Worklist processes items of type T only once every dependency they
// were inserted with has reported ready via MarkDepReady.
//
// Ordering contract: items become ready only after all dependencies; the
// within-ready order is unspecified and callers must not assume
// stability.
type Worklist[T comparable] struct {
	pending map[T]int
	ready   []T
	seen    *bloom.BloomFilter // fast "have we ever inserted this" pre-filter
	seenSet map[T]bool         // exact membership, backing the bloom pre-filter
}

// New creates an empty worklist sized for an expected item count n (used
// to size the bloom pre-filter; 0 is fine and just means more
// collisions before the exact fallback kicks in).
func New[T comparable](n int) *Worklist[T] {
	if n <= 0 {
		n = 64
	}
	return &Worklist[T]{
		pending: make(map[T]int),
		seen:    bloom.NewWithEstimates(uint(n), 0.01),
		seenSet: make(map[T]bool, n),
	}
}

func (w *Worklist[T]) mark(item T, key []byte) {
	w.seen.Add(key)
	w.seenSet[item] = true
}

// maybeInserted reports whether item was possibly inserted before. A
// bloom filter can only have false positives, never false negatives, so
// a "false" answer always means "definitely not inserted" and a "true"
// answer falls through to the exact seenSet check — this mirrors the
// teacher's BloomFilter.Contains pre-filter used ahead of an exact
// lookup (kernel/threads/pattern/bloom.go in the reference corpus).
func (w *Worklist[T]) maybeInserted(item T, key []byte) bool {
	if !w.seen.Test(key) {
		return false
	}
	return w.seenSet[item]
}

// Insert adds item to the worklist waiting on nDeps notifications. If
// nDeps is 0 it is immediately ready.
func (w *Worklist[T]) Insert(item T, key []byte, nDeps int) {
	if w.maybeInserted(item, key) {
		return
	}
	w.mark(item, key)
	if nDeps <= 0 {
		w.ready = append(w.ready, item)
		return
	}
	w.pending[item] = nDeps
}

// InsertReady adds item with zero pending dependencies.
func (w *Worklist[T]) InsertReady(item T, key []byte) { w.Insert(item, key, 0) }

// MarkDepReady decrements item's pending count; once it reaches zero the
// item is promoted to the ready set.
func (w *Worklist[T]) MarkDepReady(item T) {
	n, ok := w.pending[item]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(w.pending, item)
		w.ready = append(w.ready, item)
		return
	}
	w.pending[item] = n
}

// Empty reports whether there is no more ready or pending work.
func (w *Worklist[T]) Empty() bool { return len(w.ready) == 0 && len(w.pending) == 0 }

// ExecuteSimple processes one ready item per call to fn until the
// worklist is drained. fn returns the items whose dependency on item is
// now satisfied (to be passed to MarkDepReady).
func (w *Worklist[T]) ExecuteSimple(fn func(item T) (readyNow []T)) {
	for len(w.ready) > 0 {
		item := w.ready[0]
		w.ready = w.ready[1:]
		for _, next := range fn(item) {
			w.MarkDepReady(next)
		}
	}
}

// ExecuteFrontier processes the current ready set as one batch per call
// to fn, which returns the items whose dependency is now satisfied. It
// returns once no more items ever become ready.
func (w *Worklist[T]) ExecuteFrontier(fn func(frontier []T) (readyNow []T)) {
	for len(w.ready) > 0 {
		frontier := w.ready
		w.ready = nil
		for _, next := range fn(frontier) {
			w.MarkDepReady(next)
		}
	}
}
