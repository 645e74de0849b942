package mem2req

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

func hasOp(f *ir.Function, op ir.Op) bool {
	for _, instr := range f.AllInstrs() {
		if instr.Op == op {
			return true
		}
	}
	return false
}

func hasCallee(f *ir.Function, callee string) bool {
	for _, instr := range f.AllInstrs() {
		if instr.Op == ir.OpCall && instr.Callee == callee {
			return true
		}
	}
	return false
}

// buildPacketLoad builds a kernel that loads 4 bytes through
// packet_data()+gep(0) — the simplest pointer-flow chain to classify.
func buildPacketLoad(t *testing.T) *ir.Function {
	f := ir.NewFunction("kernel")
	pkt := f.AddArg("pkt", ir.Ptr)
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)

	base := b.Call(entry, napi.PacketData, ir.Ptr, pkt)
	gep := b.GEP(entry, base, 4, nil)
	b.Load(entry, gep, 4, ir.I32)
	b.Return(entry, nil)
	return f
}

func TestClassifyTagsGEPFromPacketData(t *testing.T) {
	f := buildPacketLoad(t)
	info := make(map[ir.ValueID]*flowInfo)
	var buf bytes.Buffer
	log := diag.NewLogger("mem2req", diag.DEBUG, &buf)
	classify(f, info, log)

	for _, instr := range f.AllInstrs() {
		if instr.Op == ir.OpGEP {
			fi := info[instr.ID()]
			require.NotNil(t, fi)
			assert.Equal(t, OriginPacket, fi.origin)
		}
	}
}

func TestRunRewritesLoadIntoPacketRead(t *testing.T) {
	f := buildPacketLoad(t)
	var buf bytes.Buffer
	log := diag.NewLogger("mem2req", diag.DEBUG, &buf)

	Run(f, log)

	assert.False(t, hasOp(f, ir.OpLoad) && hasOp(f, ir.OpGEP) && !hasCallee(f, napi.PacketRead),
		"expected the original packet-rooted load to be rewritten")
	assert.True(t, hasCallee(f, napi.PacketRead))
}

func TestRunRewritesMapLoad(t *testing.T) {
	f := ir.NewFunction("kernel")
	entry := f.NewBlock("entry")
	b := ir.NewBuilder(f)
	mapID := b.ConstInt(7, ir.I64)
	key := b.Alloca(entry, ir.I32, 4, "key")
	lookup := b.Call(entry, napi.MapLookup, ir.Ptr, mapID, key)
	b.Load(entry, lookup, 4, ir.I32)
	b.Return(entry, nil)

	var buf bytes.Buffer
	log := diag.NewLogger("mem2req", diag.DEBUG, &buf)
	Run(f, log)

	assert.True(t, hasCallee(f, napi.MapRead))
}
