package ir

// Builder issues new instructions into a Function, handing out fresh
// ValueIDs.
type Builder struct {
	F *Function
}

func NewBuilder(f *Function) *Builder { return &Builder{F: f} }

func (b *Builder) next(typ *Type, block BlockID) *Instr {
	return NewInstr(b.F.NewValueID(), OpAdd, typ, block) // Op overwritten by caller
}

func (b *Builder) emit(blk *BasicBlock, i *Instr) *Instr {
	// Insert before the terminator if one already exists, else append.
	if t := blk.Terminator(); t != nil {
		blk.InsertBefore(len(blk.Instrs)-1, i)
	} else {
		blk.Append(i)
	}
	return i
}

func (b *Builder) Arith(blk *BasicBlock, op Op, typ *Type, lhs, rhs Value) *Instr {
	i := b.next(typ, blk.id)
	i.Op = op
	i.Args = []Value{lhs, rhs}
	return b.emit(blk, i)
}

func (b *Builder) ICmp(blk *BasicBlock, pred ICmpPred, lhs, rhs Value) *Instr {
	i := b.next(Bool, blk.id)
	i.Op = OpICmp
	i.Pred = pred
	i.Args = []Value{lhs, rhs}
	return b.emit(blk, i)
}

func (b *Builder) Select(blk *BasicBlock, cond, ifTrue, ifFalse Value) *Instr {
	i := b.next(ifTrue.Type(), blk.id)
	i.Op = OpSelect
	i.Args = []Value{cond, ifTrue, ifFalse}
	return b.emit(blk, i)
}

func (b *Builder) Phi(blk *BasicBlock, typ *Type, incoming ...PhiIncoming) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpPhi
	i.Incoming = incoming
	// Phis must precede all non-phi instructions; insert at front.
	i.Block = blk.id
	blk.Instrs = append([]*Instr{i}, blk.Instrs...)
	return i
}

func (b *Builder) AddPhiIncoming(phi *Instr, v Value, from BlockID) {
	phi.Incoming = append(phi.Incoming, PhiIncoming{Value: v, Block: from})
}

func (b *Builder) GEP(blk *BasicBlock, base Value, constOff int64, varOff Value) *Instr {
	i := b.next(base.Type(), blk.id)
	i.Op = OpGEP
	i.Args = []Value{base}
	i.ConstOffset = constOff
	i.VarOffset = varOff
	return b.emit(blk, i)
}

func (b *Builder) Load(blk *BasicBlock, ptr Value, size int, typ *Type) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpLoad
	i.Args = []Value{ptr}
	i.Size = size
	return b.emit(blk, i)
}

func (b *Builder) Store(blk *BasicBlock, ptr, val Value, size int) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpStore
	i.Args = []Value{ptr, val}
	i.Size = size
	return b.emit(blk, i)
}

func (b *Builder) Memcpy(blk *BasicBlock, dst, src Value, size int) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpMemcpy
	i.Args = []Value{dst, src}
	i.Size = size
	return b.emit(blk, i)
}

func (b *Builder) Alloca(blk *BasicBlock, elemType *Type, size int, name string) *Instr {
	i := b.next(PtrTo(elemType), blk.id)
	i.Op = OpAlloca
	i.AllocaSize = size
	i.SetName(name)
	return b.emit(blk, i)
}

func (b *Builder) Call(blk *BasicBlock, callee string, typ *Type, args ...Value) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpCall
	i.Callee = callee
	i.Args = args
	return b.emit(blk, i)
}

func (b *Builder) BitCast(blk *BasicBlock, v Value, typ *Type) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpBitCast
	i.Args = []Value{v}
	return b.emit(blk, i)
}

func (b *Builder) IntToPtr(blk *BasicBlock, v Value, typ *Type) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpIntToPtr
	i.Args = []Value{v}
	return b.emit(blk, i)
}

func (b *Builder) PtrToInt(blk *BasicBlock, v Value, typ *Type) *Instr {
	i := b.next(typ, blk.id)
	i.Op = OpPtrToInt
	i.Args = []Value{v}
	return b.emit(blk, i)
}

func (b *Builder) Br(blk *BasicBlock, target BlockID) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpBr
	i.Target = target
	b.emit(blk, i)
	b.F.AddEdge(blk.id, target)
	return i
}

func (b *Builder) CondBr(blk *BasicBlock, cond Value, t, f BlockID) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpCondBr
	i.Cond = cond
	i.TrueBlock = t
	i.FalseBlock = f
	b.emit(blk, i)
	b.F.AddEdge(blk.id, t)
	b.F.AddEdge(blk.id, f)
	return i
}

func (b *Builder) Switch(blk *BasicBlock, on Value, def BlockID, cases ...SwitchCase) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpSwitch
	i.SwitchOn = on
	i.Default = def
	i.Cases = cases
	b.emit(blk, i)
	b.F.AddEdge(blk.id, def)
	for _, c := range cases {
		b.F.AddEdge(blk.id, c.Dest)
	}
	return i
}

func (b *Builder) Return(blk *BasicBlock, v Value) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpReturn
	i.RetVal = v
	return b.emit(blk, i)
}

func (b *Builder) Unreachable(blk *BasicBlock) *Instr {
	i := b.next(Void, blk.id)
	i.Op = OpUnreachable
	return b.emit(blk, i)
}

func (b *Builder) ConstInt(val int64, typ *Type) *Const {
	return &Const{ValueBase: ValueBase{id: b.F.NewValueID(), typ: typ}, Int: val}
}

func (b *Builder) Undef(typ *Type) *Const {
	return &Const{ValueBase: ValueBase{id: b.F.NewValueID(), typ: typ}, IsUndef: true}
}
