package eval

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/flatten"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

func newTestLogger() *diag.Logger {
	return diag.NewLogger("eval", diag.DEBUG, &bytes.Buffer{})
}

// buildReadWriteKernel builds a (ctx, packet) kernel that reads 8 bytes
// from the packet and writes them straight back out, returning the
// number of bytes read.
func buildReadWriteKernel(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	_ = f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)

	buf := b.Alloca(entry, ir.ArrayOf(ir.I8, 8), 8, "buf")
	n := b.Call(entry, napi.PacketRead, ir.I32, pkt, b.ConstInt(0, ir.I32), b.ConstInt(8, ir.I32), buf)
	b.Call(entry, napi.PacketWrite, ir.Void, pkt, b.ConstInt(0, ir.I32), b.ConstInt(8, ir.I32), buf)
	b.Return(entry, n)
	f.RetType = ir.I32
	return f
}

func TestRunRoundTripsPacketBytesUnchanged(t *testing.T) {
	f := buildReadWriteKernel(t)
	packet := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	res, err := Run(f, 1, packet, nil, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, packet, res.Packet.Data)
	assert.True(t, res.HasRet)
	assert.EqualValues(t, 8, res.RetVal)
	require.Len(t, res.Trace, 2)
	assert.Equal(t, "packet_read", res.Trace[0].Kind)
	assert.Equal(t, napi.PacketWrite, res.Trace[1].Kind)
}

// buildCondDropKernel builds a (ctx, packet) kernel that reads the
// packet's first byte and drops the packet when it is non-zero,
// branching on packet content rather than on an argument so Flatten's
// select-tree rewrite has real work to do.
func buildCondDropKernel(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	left := f.NewBlock("left")
	right := f.NewBlock("right")
	join := f.NewBlock("join")
	b := ir.NewBuilder(f)

	_ = f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)

	buf := b.Alloca(entry, ir.ArrayOf(ir.I8, 1), 1, "buf")
	b.Call(entry, napi.PacketRead, ir.I32, pkt, b.ConstInt(0, ir.I32), b.ConstInt(1, ir.I32), buf)
	v := b.Load(entry, buf, 1, ir.I32)
	cond := b.ICmp(entry, ir.ICmpNE, v, b.ConstInt(0, ir.I32))
	b.CondBr(entry, cond, left.ID(), right.ID())

	b.Call(left, napi.PacketDrop, ir.Void, pkt, b.ConstInt(1, ir.I32))
	b.Br(left, join.ID())

	b.Br(right, join.ID())

	b.Return(join, nil)
	f.RetType = ir.Void
	return f
}

func TestFlattenPreservesTraceForBothBranches(t *testing.T) {
	for _, packet := range [][]byte{{1}, {0}} {
		before := buildCondDropKernel(t)
		beforeRes, err := Run(before, 1, packet, nil, newTestLogger())
		require.NoError(t, err)

		after := buildCondDropKernel(t)
		flatten.Run(after, false, newTestLogger())
		afterRes, err := Run(after, 1, packet, nil, newTestLogger())
		require.NoError(t, err)

		assert.True(t, beforeRes.Trace.Equal(afterRes.Trace), "packet %v: trace diverged after flattening: %v vs %v", packet, beforeRes.Trace, afterRes.Trace)
		assert.Equal(t, beforeRes.Dropped, afterRes.Dropped)
	}
}

func TestRunPipelineMatchesDirectRunForSplitKernel(t *testing.T) {
	f := buildReadWriteKernel(t)
	packet := []byte{9, 8, 7, 6, 5, 4, 3, 2}

	direct, err := Run(f, 1, packet, nil, newTestLogger())
	require.NoError(t, err)

	// One degenerate "stage" — the whole kernel run once through
	// RunPipeline's per-boundary ChannelBoard wiring — exercises the
	// same channel_try_read/thread_wait/channel_write plumbing a real
	// multi-stage split would, without depending on internal/pipeline's
	// stage-splitting output directly.
	g := buildReadWriteKernel(t)
	piped, err := RunPipeline([]*ir.Function{g}, []int{0}, packet, nil, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, direct.Packet.Data, piped.Packet.Data)
	assert.Equal(t, direct.RetVal, piped.RetVal)
}

// buildMapRoundTripKernel builds the scenario-C kernel: read a 4-byte
// key from packet[0:4], look it up in the map, and write the low byte
// of the result to packet[4].
func buildMapRoundTripKernel(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	_ = f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)
	m := f.AddArg("map", ir.Ptr)

	keyBuf := b.Alloca(entry, ir.ArrayOf(ir.I8, 4), 4, "keybuf")
	b.Call(entry, napi.PacketRead, ir.I32, pkt, b.ConstInt(0, ir.I32), b.ConstInt(4, ir.I32), keyBuf)

	v := b.Call(entry, napi.MapOp, ir.I64, m, keyBuf,
		b.ConstInt(int64(napi.AccessRead), ir.I32), b.ConstInt(4, ir.I32),
		b.ConstInt(0, ir.I64), b.ConstInt(1, ir.I32))

	valBuf := b.Alloca(entry, ir.ArrayOf(ir.I8, 1), 1, "valbuf")
	b.Store(entry, valBuf, v, 1)
	b.Call(entry, napi.PacketWrite, ir.Void, pkt, b.ConstInt(4, ir.I32), b.ConstInt(1, ir.I32), valBuf)
	b.Return(entry, nil)
	f.RetType = ir.Void
	return f
}

// TestRunMapOpRoundTripScenarioC covers the map-op round trip: a
// pre-seeded map entry for key 01 02 03 04 is read back and copied
// into the packet at the offset right after the key.
func TestRunMapOpRoundTripScenarioC(t *testing.T) {
	f := buildMapRoundTripKernel(t)
	packet := []byte{0x01, 0x02, 0x03, 0x04, 0x00}
	maps := MapState{"arg:2": {0x01020304: {0x7F}}}

	res, err := Run(f, 1, packet, maps, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x7F}, res.Packet.Data)
}

// buildResizeKernel builds the scenario-D kernel: a packet_resize split
// into its ingress/egress pair, inserting (or, for negative delta,
// removing) bytes at offset.
func buildResizeKernel(t *testing.T, offset, delta int64) *ir.Function {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	_ = f.AddArg("ctx", ir.Ptr)
	pkt := f.AddArg("packet", ir.Ptr)

	b.Call(entry, napi.PacketResizeIngress, ir.I32, pkt, b.ConstInt(offset, ir.I32), b.ConstInt(delta, ir.I32))
	b.Call(entry, napi.PacketResizeEgress, ir.Void, pkt, b.ConstInt(offset, ir.I32), b.ConstInt(delta, ir.I32))
	b.Return(entry, nil)
	f.RetType = ir.Void
	return f
}

func sequentialBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

// TestRunResizeScenarioD covers a +4 byte insertion at offset 14 into a
// 64-byte packet: the first 14 bytes are preserved, the inserted region
// is zero, and the tail shifts forward unchanged.
func TestRunResizeScenarioD(t *testing.T) {
	f := buildResizeKernel(t, 14, 4)
	packet := sequentialBytes(64)

	res, err := Run(f, 1, packet, nil, newTestLogger())
	require.NoError(t, err)

	require.Len(t, res.Packet.Data, 68)
	assert.Equal(t, packet[:14], res.Packet.Data[:14])
	assert.Equal(t, []byte{0, 0, 0, 0}, res.Packet.Data[14:18])
	assert.Equal(t, packet[14:64], res.Packet.Data[18:68])
}

// TestRunResizeRoundTrip covers the resize round-trip law: inserting n
// bytes at an offset and then deleting n bytes at the same offset
// reproduces the original packet exactly.
func TestRunResizeRoundTrip(t *testing.T) {
	insert := buildResizeKernel(t, 14, 4)
	packet := sequentialBytes(64)

	afterInsert, err := Run(insert, 1, packet, nil, newTestLogger())
	require.NoError(t, err)
	require.Len(t, afterInsert.Packet.Data, 68)

	deleteBack := buildResizeKernel(t, 14, -4)
	afterDelete, err := Run(deleteBack, 1, afterInsert.Packet.Data, nil, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, packet, afterDelete.Packet.Data)
}

func TestChannelBoardTryReadAndSend(t *testing.T) {
	board := NewChannelBoard(0)
	_, ok := board.TryRead(0)
	assert.False(t, ok)

	board.Send(0, 42)
	v, ok := board.TryRead(0)
	require.True(t, ok)
	assert.EqualValues(t, 42, v)
}
