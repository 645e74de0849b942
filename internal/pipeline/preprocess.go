package pipeline

import (
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// Preprocess splits two-phase API calls, rewrites
// non-void returns into packet_drop+return void, drop stacksave/
// stackrestore, and reject API-call results used outside the patterns
// this pass understands.
func Preprocess(f *ir.Function, log *diag.Logger) {
	bld := ir.NewBuilder(f)

	for _, blk := range f.Blocks() {
		var kept []*ir.Instr
		for _, instr := range blk.Instrs {
			switch {
			case instr.Op == ir.OpCall && instr.Callee == "packet_resize":
				kept = append(kept, splitResize(bld, blk, instr)...)
			case instr.Op == ir.OpCall && instr.Callee == napi.MapOp:
				kept = append(kept, splitMapOp(bld, blk, instr)...)
			case instr.Op == ir.OpCall && (instr.Callee == napi.LLVMStacksave || instr.Callee == napi.LLVMStackrestore):
				// dropped
			case instr.Op == ir.OpReturn && instr.RetVal != nil:
				kept = append(kept, splitReturn(f, bld, blk, instr)...)
			default:
				kept = append(kept, instr)
			}
		}
		blk.Instrs = kept
	}

	checkCallerUsage(f, log)
}

// splitResize implements the two-phase packet_resize split: one call
// becomes a resize_ingress (adjustment known at the
// split point) followed immediately by a resize_egress (adjustment
// applied once the tap confirms the new length). Both phases carry the
// same arguments in this simplified model; a real backend would thread
// the ingress tap's computed cword between them, which this pass leaves
// to stage wiring's cword channel.
func splitResize(bld *ir.Builder, blk *ir.BasicBlock, instr *ir.Instr) []*ir.Instr {
	ingress := ir.NewInstr(instr.ID(), ir.OpCall, instr.Type(), blk.ID())
	ingress.Callee = napi.PacketResizeIngress
	ingress.Args = instr.Args

	egress := bld.Call(blk, napi.PacketResizeEgress, instr.Type(), instr.Args...)
	return []*ir.Instr{ingress, egress}
}

// splitMapOp implements the two-phase map_op split into a send (request
// enqueued on MAP_REQ) and a receive (response dequeued from MAP_RESP).
func splitMapOp(bld *ir.Builder, blk *ir.BasicBlock, instr *ir.Instr) []*ir.Instr {
	send := ir.NewInstr(instr.ID(), ir.OpCall, ir.Void, blk.ID())
	send.Callee = napi.MapOpSend
	send.Args = instr.Args

	receive := bld.Call(blk, napi.MapOpReceive, instr.Type(), instr.Args...)
	return []*ir.Instr{send, receive}
}

// splitReturn implements "replace non-void return value with
// packet_drop(packet, value) followed by return void".
// The kernel's packet argument is assumed to be the function's first
// pointer-typed argument.
func splitReturn(f *ir.Function, bld *ir.Builder, blk *ir.BasicBlock, instr *ir.Instr) []*ir.Instr {
	var pkt ir.Value
	for _, a := range f.Args {
		if a.Type().IsPointer() {
			pkt = a
			break
		}
	}
	drop := ir.NewInstr(instr.ID(), ir.OpCall, ir.Void, blk.ID())
	drop.Callee = napi.PacketDrop
	drop.Args = []ir.Value{pkt, instr.RetVal}

	ret := ir.NewInstr(instr.ID(), ir.OpReturn, ir.Void, blk.ID())
	return []*ir.Instr{drop, ret}
}

// checkCallerUsage implements the "unrecognized return-value consumer"
// failure mode: an API call's result may only feed
// an ICmp, a Select's condition/operands, a conditional branch, a phi,
// or go unused.
func checkCallerUsage(f *ir.Function, log *diag.Logger) {
	uses := map[ir.ValueID][]*ir.Instr{}
	for _, instr := range f.AllInstrs() {
		for _, a := range instr.Args {
			if a != nil {
				uses[a.ID()] = append(uses[a.ID()], instr)
			}
		}
		if instr.Cond != nil {
			uses[instr.Cond.ID()] = append(uses[instr.Cond.ID()], instr)
		}
	}

	for _, instr := range f.AllInstrs() {
		if instr.Op != ir.OpCall || !napi.IsAPICall(instr.Callee) {
			continue
		}
		for _, consumer := range uses[instr.ID()] {
			switch consumer.Op {
			case ir.OpICmp, ir.OpSelect, ir.OpCondBr, ir.OpPhi:
				continue
			default:
				log.Emit(diag.MalformedInput(f.Name, consumer.String(),
					"API call result consumed in an unrecognized way (expected presence check or length comparison)"))
			}
		}
	}
}
