package flatten

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
)

// buildDiamond builds entry -cond-> left/right -> join -> return(phi),
// with a conditional store in left only.
func buildDiamond(t *testing.T) (*ir.Function, *ir.Instr) {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	join := f.NewBlock("join")
	b := ir.NewBuilder(f)

	cond := f.AddArg("cond", ir.Bool)
	slot := b.Alloca(entry, ir.I32, 4, "slot")
	b.CondBr(entry, cond, left.ID(), right.ID())

	leftVal := b.ConstInt(1, ir.I32)
	b.Store(left, slot, leftVal, 4)
	b.Br(left, join.ID())

	rightVal := b.ConstInt(2, ir.I32)
	b.Br(right, join.ID())

	phi := b.Phi(join, ir.I32, ir.PhiIncoming{Value: leftVal, Block: left.ID()}, ir.PhiIncoming{Value: rightVal, Block: right.ID()})
	b.Return(join, phi)
	f.RetType = ir.I32
	return f, phi
}

func TestRunFlattensDiamondToSingleBlock(t *testing.T) {
	f, _ := buildDiamond(t)
	var buf bytes.Buffer
	log := diag.NewLogger("flatten", diag.DEBUG, &buf)

	res := Run(f, false, log)

	assert.Equal(t, 3, res.BlocksRemoved)
	require.Len(t, f.Blocks(), 1)
	entry := f.Blocks()[0]
	term := entry.Terminator()
	require.NotNil(t, term)
	assert.Equal(t, ir.OpReturn, term.Op)
}

func TestRunReplacesStoreWithConditionalHelper(t *testing.T) {
	f, _ := buildDiamond(t)
	var buf bytes.Buffer
	log := diag.NewLogger("flatten", diag.DEBUG, &buf)
	Run(f, false, log)

	var sawCondStore, sawRawStore bool
	for _, instr := range f.AllInstrs() {
		if instr.Op == ir.OpStore {
			sawRawStore = true
		}
		if instr.Op == ir.OpCall && instr.Callee == "flatten.cond_store.i32" {
			sawCondStore = true
		}
	}
	assert.False(t, sawRawStore, "store should have been rewritten into a conditional-store call")
	assert.True(t, sawCondStore)
}

func TestRunConvertsPhiToSelect(t *testing.T) {
	f, _ := buildDiamond(t)
	var buf bytes.Buffer
	log := diag.NewLogger("flatten", diag.DEBUG, &buf)
	Run(f, false, log)

	var sawPhi, sawSelect bool
	for _, instr := range f.AllInstrs() {
		if instr.Op == ir.OpPhi {
			sawPhi = true
		}
		if instr.Op == ir.OpSelect {
			sawSelect = true
		}
	}
	assert.False(t, sawPhi)
	assert.True(t, sawSelect)
}

func TestRunSingleBlockFunctionPassesThrough(t *testing.T) {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)
	v := b.ConstInt(9, ir.I32)
	b.Return(entry, v)
	f.RetType = ir.I32

	var buf bytes.Buffer
	log := diag.NewLogger("flatten", diag.DEBUG, &buf)
	res := Run(f, false, log)

	assert.Equal(t, 0, res.BlocksRemoved)
	require.Len(t, f.Blocks(), 1)
	term := f.Blocks()[0].Terminator()
	require.NotNil(t, term)
	assert.Equal(t, ir.OpReturn, term.Op)
	assert.Empty(t, log.Warnings())
}
