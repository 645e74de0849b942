package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/bus"
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// buildReadWriteKernel builds a single-block kernel: packet_read, a
// length comparison and select on the read length, packet_write, return
// void. It splits into three stages: [read], [write], [return].
func buildReadWriteKernel(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	ctx := f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)

	buf := b.Alloca(entry, ir.ArrayOf(ir.I8, 64), 64, "buf")
	length := b.Call(entry, napi.PacketRead, ir.I32, ctx, pkt, buf, b.ConstInt(64, ir.I32))
	positive := b.ICmp(entry, ir.ICmpUGT, length, b.ConstInt(0, ir.I32))
	writeLen := b.Select(entry, positive, length, b.ConstInt(0, ir.I32))
	b.Call(entry, napi.PacketWrite, ir.Ptr, ctx, pkt, buf, writeLen)
	b.Return(entry, nil)
	f.RetType = ir.Void
	return f
}

func newTestLogger() *diag.Logger {
	return diag.NewLogger("pipeline", diag.DEBUG, &bytes.Buffer{})
}

func TestDetermineStagesSplitsAtEachAPICall(t *testing.T) {
	f := buildReadWriteKernel(t)
	Preprocess(f, newTestLogger())

	stages := DetermineStages(f, newTestLogger())
	require.Len(t, stages, 3)
	assert.Equal(t, SplitPacketRead, stages[0].SplitKind)
	assert.Equal(t, SplitPacketWrite, stages[1].SplitKind)
	assert.Equal(t, SplitReturn, stages[2].SplitKind)
}

func TestComputeLiveStateCarriesLengthAcrossStages(t *testing.T) {
	f := buildReadWriteKernel(t)
	Preprocess(f, newTestLogger())
	aa := ir.NewAliasAnalysis(f)

	stages := DetermineStages(f, newTestLogger())
	ComputeLiveState(f, stages, aa, newTestLogger())

	require.Len(t, stages, 3)
	assert.NotEmpty(t, stages[0].LiveOutVals, "packet_read's length result must be live across the read/write stage boundary")
}

func TestBuildStageFuncProducesVoidStageFunctions(t *testing.T) {
	f := buildReadWriteKernel(t)
	Preprocess(f, newTestLogger())
	aa := ir.NewAliasAnalysis(f)
	stages := DetermineStages(f, newTestLogger())
	ComputeLiveState(f, stages, aa, newTestLogger())

	geom, ok := bus.Lookup("shb")
	require.True(t, ok)

	for _, st := range stages {
		nf := BuildStageFunc(f, st, geom, newTestLogger())
		require.NotNil(t, nf)
		assert.True(t, nf.IsKernel)
		assert.Len(t, nf.Args, 2, "every stage function takes (ctx, packet)")
	}
}

func TestRunProducesOneChannelPerStageBoundary(t *testing.T) {
	f := buildReadWriteKernel(t)
	geom, ok := bus.Lookup("shb")
	require.True(t, ok)

	r := Run(f, geom, newTestLogger())
	require.Len(t, r.Stages, 3)
	require.Len(t, r.Threads, 3)

	packetChannels := 0
	for _, ch := range r.Channels {
		if ch.Kind == ChannelPacket {
			packetChannels++
		}
	}
	assert.Equal(t, 3, packetChannels, "one packet channel per stage, including the exported in/out ends")
}
