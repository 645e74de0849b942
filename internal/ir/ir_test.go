package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond() (*Function, *BasicBlock, *BasicBlock, *BasicBlock, *BasicBlock) {
	f := NewFunction("diamond")
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	join := f.NewBlock("join")
	b := NewBuilder(f)

	cond := f.AddArg("cond", Bool)
	b.CondBr(entry, cond, left.id, right.id)
	b.Br(left, join.id)
	b.Br(right, join.id)
	b.Return(join, nil)
	return f, entry, left, right, join
}

func TestDominatorTree(t *testing.T) {
	f, entry, left, right, join := diamond()
	dt := NewDomTree(f)

	assert.True(t, dt.Dominates(entry.id, left.id))
	assert.True(t, dt.Dominates(entry.id, right.id))
	assert.True(t, dt.Dominates(entry.id, join.id))
	assert.False(t, dt.Dominates(left.id, right.id))
	assert.False(t, dt.Dominates(left.id, join.id))
}

func TestPostDominatorTree(t *testing.T) {
	f, entry, _, _, join := diamond()
	pdt := NewPostDomTree(f)

	assert.True(t, pdt.Dominates(join.id, entry.id))
	assert.True(t, pdt.Dominates(join.id, join.id))
}

func TestAliasDistinctAllocasNoAlias(t *testing.T) {
	f := NewFunction("allocs")
	entry := f.NewBlock("entry")
	b := NewBuilder(f)
	a1 := b.Alloca(entry, I32, 4, "a")
	a2 := b.Alloca(entry, I32, 4, "b")
	b.Return(entry, nil)

	aa := NewAliasAnalysis(f)
	res := aa.Alias(MemoryLocation{Ptr: a1, Size: 4}, MemoryLocation{Ptr: a2, Size: 4})
	assert.Equal(t, NoAlias, res)
}

func TestAliasSameBaseMustAlias(t *testing.T) {
	f := NewFunction("same")
	entry := f.NewBlock("entry")
	b := NewBuilder(f)
	a1 := b.Alloca(entry, I32, 4, "a")
	b.Return(entry, nil)

	aa := NewAliasAnalysis(f)
	res := aa.Alias(MemoryLocation{Ptr: a1, Size: 4}, MemoryLocation{Ptr: a1, Size: 4})
	assert.Equal(t, MustAlias, res)
}

func TestAliasOverlappingGEPsPartial(t *testing.T) {
	f := NewFunction("overlap")
	entry := f.NewBlock("entry")
	b := NewBuilder(f)
	base := b.Alloca(entry, I8, 8, "buf")
	p0 := b.GEP(entry, base, 0, nil)
	p4 := b.GEP(entry, base, 4, nil)
	b.Return(entry, nil)

	aa := NewAliasAnalysis(f)
	res := aa.Alias(MemoryLocation{Ptr: p0, Size: 6}, MemoryLocation{Ptr: p4, Size: 4})
	assert.Equal(t, PartialAlias, res)
}

func TestMemorySSAClobberWalk(t *testing.T) {
	f := NewFunction("memssa")
	entry := f.NewBlock("entry")
	b := NewBuilder(f)
	buf := b.Alloca(entry, I32, 4, "buf")
	v1 := b.ConstInt(1, I32)
	s1 := b.Store(entry, buf, v1, 4)
	ld := b.Load(entry, buf, 4, I32)
	b.Return(entry, ld)

	mssa := BuildMemorySSA(f, func(i *Instr) bool { return i.Op == OpStore }, nil)
	access, ok := mssa.AccessFor(ld)
	require.True(t, ok)

	var clobbers []*Instr
	mssa.WalkClobbers(access, func(a *MemoryAccess) bool {
		clobbers = append(clobbers, a.Instr)
		return true
	})
	require.Len(t, clobbers, 1)
	assert.Equal(t, s1, clobbers[0])
}

func TestBuilderPhi(t *testing.T) {
	f, _, left, right, join := diamond()
	b := NewBuilder(f)
	lv := b.ConstInt(1, I32)
	rv := b.ConstInt(2, I32)
	phi := b.Phi(join, I32, PhiIncoming{Value: lv, Block: left.id}, PhiIncoming{Value: rv, Block: right.id})
	assert.Len(t, phi.Incoming, 2)
	assert.Equal(t, OpPhi, join.Instrs[0].Op)
}
