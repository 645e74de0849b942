package ir

// BasicBlock is an ordered sequence of non-terminator instructions
// ending in a single terminator.
type BasicBlock struct {
	id    BlockID
	Name  string
	Instrs []*Instr // last element, if any, must be a terminator

	Preds []BlockID
	Succs []BlockID
}

func (b *BasicBlock) ID() BlockID { return b.id }

// Terminator returns the block's terminator instruction, or nil if the
// block is not yet closed.
func (b *BasicBlock) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if last.Op.IsTerminator() {
		return last
	}
	return nil
}

// NonTerminators returns every instruction except a trailing terminator.
func (b *BasicBlock) NonTerminators() []*Instr {
	if t := b.Terminator(); t != nil {
		return b.Instrs[:len(b.Instrs)-1]
	}
	return b.Instrs
}

// Append adds an instruction to the end of the block.
func (b *BasicBlock) Append(i *Instr) {
	i.Block = b.id
	b.Instrs = append(b.Instrs, i)
}

// InsertBefore inserts i immediately before the instruction at index idx.
func (b *BasicBlock) InsertBefore(idx int, i *Instr) {
	i.Block = b.id
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[idx+1:], b.Instrs[idx:])
	b.Instrs[idx] = i
}

// IndexOf returns the index of instruction v in the block, or -1.
func (b *BasicBlock) IndexOf(v *Instr) int {
	for idx, i := range b.Instrs {
		if i == v {
			return idx
		}
	}
	return -1
}

// Remove deletes instruction v from the block.
func (b *BasicBlock) Remove(v *Instr) {
	idx := b.IndexOf(v)
	if idx < 0 {
		return
	}
	b.Instrs = append(b.Instrs[:idx], b.Instrs[idx+1:]...)
}
