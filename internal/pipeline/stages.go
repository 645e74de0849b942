package pipeline

import (
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/liveness"
	"github.com/nanotube/pipeliner/internal/napi"
)

func splitKindOf(instr *ir.Instr) (SplitKind, bool) {
	if instr.Op == ir.OpReturn {
		return SplitReturn, true
	}
	if instr.Op != ir.OpCall {
		return SplitNone, false
	}
	switch instr.Callee {
	case napi.PacketRead:
		return SplitPacketRead, true
	case napi.PacketWrite:
		return SplitPacketWrite, true
	case napi.PacketWriteMasked:
		return SplitPacketWriteMasked, true
	case napi.PacketBoundedLength:
		return SplitPacketBoundedLength, true
	case napi.PacketResizeIngress:
		return SplitResizeIngress, true
	case napi.PacketResizeEgress:
		return SplitResizeEgress, true
	case napi.MapOpReceive:
		return SplitMapOpReceive, true
	case napi.PacketDrop:
		return SplitPacketDrop, true
	}
	return SplitNone, false
}

// cfgOrder walks f's blocks from entry in a stable depth-first order.
func cfgOrder(f *ir.Function) []ir.BlockID {
	visited := map[ir.BlockID]bool{}
	var order []ir.BlockID
	var visit func(ir.BlockID)
	visit = func(b ir.BlockID) {
		if visited[b] || b == ir.InvalidBlockID {
			return
		}
		visited[b] = true
		order = append(order, b)
		blk := f.Block(b)
		for _, s := range blk.Succs {
			visit(s)
		}
	}
	visit(f.Entry)
	return order
}

// DetermineStages walks f in CFG order and splits it into stages at
// every stage-splitting API call or return.
func DetermineStages(f *ir.Function, log *diag.Logger) []*Stage {
	order := cfgOrder(f)

	var stages []*Stage
	var cur []ir.BlockID
	splitSeen := map[ir.BlockID]int{} // count of split calls observed in the current stage's blocks

	flush := func(splitCall *ir.Instr, kind SplitKind) {
		stages = append(stages, &Stage{
			Index:     len(stages),
			Blocks:    append([]ir.BlockID(nil), cur...),
			SplitCall: splitCall,
			SplitKind: kind,
		})
		cur = nil
	}

	for _, b := range order {
		cur = append(cur, b)
		blk := f.Block(b)
		splitsInBlock := 0
		for _, instr := range blk.Instrs {
			if kind, ok := splitKindOf(instr); ok {
				splitsInBlock++
				flush(instr, kind)
			}
		}
		if splitsInBlock > 0 {
			splitSeen[b] = splitsInBlock
		}
	}
	if len(cur) > 0 {
		// Reachable code after the last split with no terminating call:
		// treat as its own trailing stage (only valid if it ends in return,
		// already guaranteed by unified-exit preconditions upstream).
		flush(nil, SplitNone)
	}

	return stages
}

// ComputeLiveState fills in LiveIn/LiveOut for every stage boundary,
// recomputing liveness fresh rather than reusing a stale result from
// before stage splitting.
func ComputeLiveState(f *ir.Function, stages []*Stage, aa *ir.AliasAnalysis, log *diag.Logger) {
	live := liveness.Compute(f, aa, log)

	for i, st := range stages {
		if len(st.Blocks) == 0 {
			continue
		}
		first := st.Blocks[0]
		last := st.Blocks[len(st.Blocks)-1]

		for v := range live.ValueLiveIn[first] {
			st.LiveInVals = append(st.LiveInVals, v)
		}
		for v := range live.ValueLiveOut[last] {
			st.LiveOutVals = append(st.LiveOutVals, v)
		}

		if st.SplitCall != nil {
			if locs, ok := live.LiveAt[st.SplitCall.ID()]; ok {
				for _, loc := range live.Locations {
					if locs[loc.ID()] {
						st.LiveOutLocs = append(st.LiveOutLocs, loc)
					}
				}
			}
		}
		if i > 0 {
			prev := stages[i-1]
			st.LiveInLocs = prev.LiveOutLocs
		}
	}
}
