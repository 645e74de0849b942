package ir

// MemoryAccess is either a MemoryDef (a store/call that may clobber
// memory) or a MemoryPhi (a merge point at a block with multiple
// predecessors). Instr is nil for the synthetic "live on entry" def.
type MemoryAccess struct {
	IsPhi   bool
	Block   BlockID
	Instr   *Instr          // defining instruction, nil for live-on-entry / phi
	Defs    []*MemoryAccess // MemoryPhi: one incoming def per predecessor, in Preds order
	Clobber *MemoryAccess   // MemoryDef: the nearest preceding clobbering access
}

// MemorySSA maps every memory-touching instruction to its MemoryAccess
// and supports a clobber walk.
type MemorySSA struct {
	f           *Function
	byInstr     map[ValueID]*MemoryAccess
	liveOnEntry *MemoryAccess
	ignore      func(callee string) bool
}

// BuildMemorySSA walks f in CFG order and assigns a MemoryAccess to
// every load/store/call/memcpy, inserting a MemoryPhi at every block
// with more than one predecessor. ignore reports intrinsics to skip when computing
// effects (lifetime markers, stacksave/stackrestore, printf,
// assert_fail).
func BuildMemorySSA(f *Function, writes func(i *Instr) bool, ignore func(callee string) bool) *MemorySSA {
	m := &MemorySSA{f: f, byInstr: make(map[ValueID]*MemoryAccess), ignore: ignore}
	m.liveOnEntry = &MemoryAccess{Block: f.Entry}

	atBlockEnd := make(map[BlockID]*MemoryAccess)
	var visited map[BlockID]bool
	var visit func(b *BasicBlock) *MemoryAccess
	visited = map[BlockID]bool{}
	visit = func(b *BasicBlock) *MemoryAccess {
		if cur, ok := atBlockEnd[b.id]; ok {
			return cur
		}
		if visited[b.id] {
			return m.liveOnEntry // cycle guard: treat as live-on-entry
		}
		visited[b.id] = true

		var cur *MemoryAccess
		if len(b.Preds) == 0 {
			cur = m.liveOnEntry
		} else if len(b.Preds) == 1 {
			predBlk := f.Block(b.Preds[0])
			cur = visit(predBlk)
		} else {
			phi := &MemoryAccess{IsPhi: true, Block: b.id}
			for _, p := range b.Preds {
				phi.Defs = append(phi.Defs, visit(f.Block(p)))
			}
			cur = phi
		}

		for _, instr := range b.Instrs {
			if instr.Op == OpCall && ignore != nil && ignore(instr.Callee) {
				continue
			}
			if writes(instr) {
				def := &MemoryAccess{Block: b.id, Instr: instr, Clobber: cur}
				m.byInstr[instr.ID()] = def
				cur = def
			} else if instr.Op == OpLoad || (instr.Op == OpCall && instr.Op.IsTerminator() == false) {
				m.byInstr[instr.ID()] = cur
			}
		}
		atBlockEnd[b.id] = cur
		return cur
	}

	for _, b := range f.Blocks() {
		visit(b)
	}
	return m
}

// AccessFor returns the MemoryAccess associated with instr, if any.
func (m *MemorySSA) AccessFor(instr *Instr) (*MemoryAccess, bool) {
	a, ok := m.byInstr[instr.ID()]
	return a, ok
}

// WalkClobbers yields, in order starting from start, each clobbering
// MemoryDef reachable by following Clobber links (splitting at a
// MemoryPhi into each incoming branch). It stops calling visit once
// visit returns false, or once every branch reaches live-on-entry.
func (m *MemorySSA) WalkClobbers(start *MemoryAccess, visit func(*MemoryAccess) bool) {
	var walk func(a *MemoryAccess) bool
	walk = func(a *MemoryAccess) bool {
		if a == nil || a == m.liveOnEntry {
			return true
		}
		if a.IsPhi {
			for _, d := range a.Defs {
				if !walk(d) {
					return false
				}
			}
			return true
		}
		if !visit(a) {
			return false
		}
		return walk(a.Clobber)
	}
	walk(start)
}

func (m *MemorySSA) LiveOnEntry() *MemoryAccess { return m.liveOnEntry }
