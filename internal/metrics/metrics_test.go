package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

func buildDiamondWithOneAccess(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	join := f.NewBlock("join")
	b := ir.NewBuilder(f)

	ctx := f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)
	cond := f.AddArg("cond", ir.Bool)

	b.CondBr(entry, cond, left.ID(), right.ID())

	buf := b.Alloca(left, ir.ArrayOf(ir.I8, 32), 32, "buf")
	b.Call(left, napi.PacketRead, ir.I32, ctx, pkt, buf, b.ConstInt(32, ir.I32))
	b.Br(left, join.ID())

	b.Br(right, join.ID())

	b.Return(join, nil)
	f.RetType = ir.Void
	return f
}

func TestComputeCountsBlocksAndAPICalls(t *testing.T) {
	f := buildDiamondWithOneAccess(t)
	log := diag.NewLogger("metrics", diag.DEBUG, &bytes.Buffer{})

	r := Compute(f, log)
	assert.Equal(t, "kernel", r.Function)
	assert.Equal(t, 4, r.BlockCount)
	require.Contains(t, r.APICallsByKind, napi.KindPacket)
	assert.Equal(t, 1, r.APICallsByKind[napi.KindPacket])
	assert.Equal(t, 1, r.TotalAPICalls)
	assert.GreaterOrEqual(t, r.MaxDomDepth, 1)
}

func TestComputeEstimatesCABsWithoutMutatingFunction(t *testing.T) {
	f := buildDiamondWithOneAccess(t)
	log := diag.NewLogger("metrics", diag.DEBUG, &bytes.Buffer{})

	before := len(f.Blocks())
	r := Compute(f, log)
	assert.Equal(t, before, len(f.Blocks()), "Compute must not mutate the function")
	assert.GreaterOrEqual(t, r.EstimatedCABs, 0)
}
