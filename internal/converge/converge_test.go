package converge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// buildDiamondWithReads builds:
//
//	entry -cond-> left/right
//	left:  packet_read(pkt, 0, 4)
//	right: packet_read(pkt, 0, 4)
//	both -> join -> return
func buildDiamondWithReads(t *testing.T) (*ir.Function, *ir.BasicBlock, *ir.BasicBlock) {
	f := ir.NewFunction("kernel")
	pkt := f.AddArg("pkt", ir.Ptr)
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	join := f.NewBlock("join")
	b := ir.NewBuilder(f)

	cond := f.AddArg("cond", ir.Bool)
	b.CondBr(entry, cond, left.ID(), right.ID())

	off := b.ConstInt(0, ir.I32)
	length := b.ConstInt(4, ir.I32)
	b.Call(left, napi.PacketRead, ir.I32, pkt, off, length)
	b.Br(left, join.ID())

	off2 := b.ConstInt(0, ir.I32)
	length2 := b.ConstInt(4, ir.I32)
	b.Call(right, napi.PacketRead, ir.I32, pkt, off2, length2)
	b.Br(right, join.ID())

	b.Return(join, nil)
	return f, left, right
}

func countCABs(f *ir.Function) int {
	n := 0
	for _, blk := range f.Blocks() {
		if len(blk.Name) >= 4 && blk.Name[:4] == "cab." {
			n++
		}
	}
	return n
}

func TestRunMergesConvergentReads(t *testing.T) {
	f, _, _ := buildDiamondWithReads(t)
	var buf bytes.Buffer
	log := diag.NewLogger("converge", diag.DEBUG, &buf)

	stats := Run(f, log)
	require.Equal(t, 1, stats.MergeSets)
	assert.Equal(t, 2, stats.TotalAccesses)
	assert.Equal(t, 1, countCABs(f))
}

func TestCanConvergeRequiresSameLength(t *testing.T) {
	f := ir.NewFunction("kernel")
	pkt := f.AddArg("pkt", ir.Ptr)
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)
	off := b.ConstInt(0, ir.I32)
	len4 := b.ConstInt(4, ir.I32)
	len8 := b.ConstInt(8, ir.I32)
	c1 := b.Call(entry, napi.PacketRead, ir.I32, pkt, off, len4)
	c2 := b.Call(entry, napi.PacketRead, ir.I32, pkt, off, len8)

	a1 := &Access{Instr: c1, Block: entry.ID()}
	a2 := &Access{Instr: c2, Block: entry.ID()}
	assert.False(t, canConverge(a1, a2))
}

func TestCanConvergeMapRequiresSameMapID(t *testing.T) {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)
	key := b.Alloca(entry, ir.I32, 4, "key")
	id1 := b.ConstInt(1, ir.I64)
	id2 := b.ConstInt(2, ir.I64)
	c1 := b.Call(entry, napi.MapLookup, ir.Ptr, id1, key)
	c2 := b.Call(entry, napi.MapLookup, ir.Ptr, id2, key)

	a1 := &Access{Instr: c1, Block: entry.ID(), MapID: 1}
	a2 := &Access{Instr: c2, Block: entry.ID(), MapID: 2}
	assert.False(t, canConverge(a1, a2))
}

func TestUnifyExitsCreatesSingleExit(t *testing.T) {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	b := ir.NewBuilder(f)
	cond := f.AddArg("cond", ir.Bool)
	b.CondBr(entry, cond, left.ID(), right.ID())
	v1 := b.ConstInt(1, ir.I32)
	v2 := b.ConstInt(2, ir.I32)
	b.Return(left, v1)
	b.Return(right, v2)
	f.RetType = ir.I32

	unifyExits(f)

	var returns int
	for _, blk := range f.Blocks() {
		if t := blk.Terminator(); t != nil && t.Op == ir.OpReturn {
			returns++
		}
	}
	assert.Equal(t, 1, returns)
}
