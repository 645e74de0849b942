package ir

// DomTree is a (post-)dominator tree over a Function's current CFG.
// Edge mutations are buffered with BufferInsert/BufferDelete and
// applied atomically by Flush, so a caller making several CFG edits in
// a row never observes a tree straddling two inconsistent states.
//
// The underlying algorithm is a plain iterative dataflow fixpoint
// (recomputed on Flush) rather than a true incremental Lengauer-Tarjan
// variant: the IR façade is a stand-in for an external toolkit, and a
// correct-but-simple recomputation satisfies every consumer in this
// module without the complexity of real incremental dominance.
type DomTree struct {
	f        *Function
	post     bool
	idom     map[BlockID]BlockID
	children map[BlockID][]BlockID

	pendingInsert [][2]BlockID
	pendingDelete [][2]BlockID
}

func NewDomTree(f *Function) *DomTree  { return newDomTree(f, false) }
func NewPostDomTree(f *Function) *DomTree { return newDomTree(f, true) }

func newDomTree(f *Function, post bool) *DomTree {
	d := &DomTree{f: f, post: post}
	d.Recompute()
	return d
}

// BufferInsert/BufferDelete queue an edge mutation; call Flush to apply
// every buffered mutation atomically against the function's *current*
// CFG state.
func (d *DomTree) BufferInsert(from, to BlockID) { d.pendingInsert = append(d.pendingInsert, [2]BlockID{from, to}) }
func (d *DomTree) BufferDelete(from, to BlockID) { d.pendingDelete = append(d.pendingDelete, [2]BlockID{from, to}) }

// Flush applies every buffered edge mutation and recomputes the tree.
func (d *DomTree) Flush() {
	d.pendingInsert = nil
	d.pendingDelete = nil
	d.Recompute()
}

// Recompute discards any buffered mutations and recomputes from the
// function's live CFG immediately.
func (d *DomTree) Recompute() {
	d.pendingInsert, d.pendingDelete = nil, nil
	order := d.rpo()
	idom := make(map[BlockID]BlockID)
	if len(order) == 0 {
		d.idom = idom
		d.children = map[BlockID][]BlockID{}
		return
	}
	start := order[0]
	idom[start] = start

	changed := true
	for changed {
		changed = false
		for _, b := range order[1:] {
			preds := d.preds(b)
			var newIdom BlockID
			found := false
			for _, p := range preds {
				if _, ok := idom[p]; !ok {
					continue
				}
				if !found {
					newIdom = p
					found = true
					continue
				}
				newIdom = d.intersect(idom, order, newIdom, p)
			}
			if !found {
				continue
			}
			if idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}
	d.idom = idom
	d.children = make(map[BlockID][]BlockID)
	for b, p := range idom {
		if b == start {
			continue
		}
		d.children[p] = append(d.children[p], b)
	}
}

func (d *DomTree) preds(b BlockID) []BlockID {
	blk := d.f.Block(b)
	if blk == nil {
		return nil
	}
	if d.post {
		return blk.Succs
	}
	return blk.Preds
}

func (d *DomTree) succs(b BlockID) []BlockID {
	blk := d.f.Block(b)
	if blk == nil {
		return nil
	}
	if d.post {
		return blk.Preds
	}
	return blk.Succs
}

// rpo returns a reverse-post-order walk from the entry (or, for the
// post-dominator tree, from a synthetic root reachable-backward walk
// seeded at every exit block).
func (d *DomTree) rpo() []BlockID {
	visited := map[BlockID]bool{}
	var order []BlockID
	var roots []BlockID
	if d.post {
		for _, b := range d.f.Blocks() {
			if len(b.Succs) == 0 {
				roots = append(roots, b.id)
			}
		}
	} else {
		roots = []BlockID{d.f.Entry}
	}
	var visit func(BlockID)
	visit = func(b BlockID) {
		if visited[b] || b == InvalidBlockID {
			return
		}
		visited[b] = true
		for _, s := range d.succs(b) {
			visit(s)
		}
		order = append(order, b)
	}
	for _, r := range roots {
		visit(r)
	}
	// reverse to get RPO
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func (d *DomTree) rpoIndex() map[BlockID]int {
	order := d.rpo()
	idx := make(map[BlockID]int, len(order))
	for i, b := range order {
		idx[b] = i
	}
	return idx
}

func (d *DomTree) intersect(idom map[BlockID]BlockID, order []BlockID, a, b BlockID) BlockID {
	idx := d.rpoIndex()
	for a != b {
		for idx[a] > idx[b] {
			a = idom[a]
		}
		for idx[b] > idx[a] {
			b = idom[b]
		}
	}
	return a
}

// Dominates reports whether a dominates (post-dominates, if this is a
// post-dom tree) b.
func (d *DomTree) Dominates(a, b BlockID) bool {
	if a == b {
		return true
	}
	cur, ok := d.idom[b]
	for ok {
		if cur == a {
			return true
		}
		if cur == d.idom[cur] {
			break
		}
		cur, ok = d.idom[cur], true
		if _, exists := d.idom[cur]; !exists {
			break
		}
	}
	return false
}

// IDom returns the immediate (post-)dominator of b.
func (d *DomTree) IDom(b BlockID) (BlockID, bool) {
	v, ok := d.idom[b]
	return v, ok
}

// Children returns the immediate-dominance children of b in the tree.
func (d *DomTree) Children(b BlockID) []BlockID { return d.children[b] }

// WalkUp walks from start towards the tree root (function exit, for a
// post-dominator tree), yielding each node including start, stopping
// when fn returns false. Used by Converge's SSA-dominance repair.
func (d *DomTree) WalkUp(start BlockID, fn func(BlockID) bool) {
	cur := start
	for {
		if !fn(cur) {
			return
		}
		next, ok := d.idom[cur]
		if !ok || next == cur {
			return
		}
		cur = next
	}
}
