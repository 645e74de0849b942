package ir

// Function is a set of basic blocks with a designated entry. A
// Function tagged IsKernel accepts a context pointer and a packet
// pointer and is what the five passes operate on.
type Function struct {
	Name      string
	Args      []*Argument
	RetType   *Type
	Entry     BlockID
	blocks    map[BlockID]*BasicBlock
	order     []BlockID // insertion / RPO order for stable output
	nextValue ValueID
	nextBlock BlockID

	IsKernel bool // true for a packet-processing kernel entry point
}

func NewFunction(name string) *Function {
	return &Function{
		Name:      name,
		blocks:    make(map[BlockID]*BasicBlock),
		nextValue: 1,
		nextBlock: 1,
	}
}

func (f *Function) NewValueID() ValueID {
	id := f.nextValue
	f.nextValue++
	return id
}

// AddArg appends a formal parameter.
func (f *Function) AddArg(name string, typ *Type) *Argument {
	a := &Argument{ValueBase: ValueBase{id: f.NewValueID(), typ: typ, name: name}, Index: len(f.Args)}
	f.Args = append(f.Args, a)
	return a
}

// NewBlock creates and registers a new, empty basic block.
func (f *Function) NewBlock(name string) *BasicBlock {
	id := f.nextBlock
	f.nextBlock++
	b := &BasicBlock{id: id, Name: name}
	f.blocks[id] = b
	f.order = append(f.order, id)
	if f.Entry == InvalidBlockID {
		f.Entry = id
	}
	return b
}

func (f *Function) Block(id BlockID) *BasicBlock { return f.blocks[id] }

// Blocks returns blocks in their current stable order (reverse-post-order
// after Converge's exit unification; insertion order otherwise).
func (f *Function) Blocks() []*BasicBlock {
	out := make([]*BasicBlock, 0, len(f.order))
	for _, id := range f.order {
		if b, ok := f.blocks[id]; ok {
			out = append(out, b)
		}
	}
	return out
}

// DeleteBlock removes a block entirely; callers must already have
// rerouted its edges.
func (f *Function) DeleteBlock(id BlockID) {
	delete(f.blocks, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Reorder replaces the output order of blocks, e.g. after computing a
// reverse-post-order.
func (f *Function) Reorder(ids []BlockID) { f.order = ids }

// AddEdge / RemoveEdge maintain Preds/Succs consistently; callers are
// responsible for also updating the block terminator.
func (f *Function) AddEdge(from, to BlockID) {
	fb, tb := f.blocks[from], f.blocks[to]
	if fb == nil || tb == nil {
		return
	}
	fb.Succs = append(fb.Succs, to)
	tb.Preds = append(tb.Preds, from)
}

func (f *Function) RemoveEdge(from, to BlockID) {
	if fb := f.blocks[from]; fb != nil {
		fb.Succs = removeOne(fb.Succs, to)
	}
	if tb := f.blocks[to]; tb != nil {
		tb.Preds = removeOne(tb.Preds, from)
	}
}

func removeOne(ids []BlockID, target BlockID) []BlockID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// AllInstrs iterates every instruction in block order.
func (f *Function) AllInstrs() []*Instr {
	var out []*Instr
	for _, b := range f.Blocks() {
		out = append(out, b.Instrs...)
	}
	return out
}

// Module is a collection of Functions plus globals, the unit the
// compiler processes.
type Module struct {
	Functions []*Function
	Globals   []*Argument // module-scope constants/globals, rarely used
}

func (m *Module) Kernels() []*Function {
	var out []*Function
	for _, f := range m.Functions {
		if f.IsKernel {
			out = append(out, f)
		}
	}
	return out
}
