// Package flatten implements the Flatten-CFG pass:
// collapse a unified-exit function into a single predicated
// straight-line block, turning control flow into selects and
// conditional stores.
package flatten

import (
	"fmt"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
	"github.com/nanotube/pipeliner/internal/worklist"
)

// Result reports what Flatten-CFG did, for tests and diagnostics.
type Result struct {
	BlocksRemoved int
}

// edgeKey identifies one CFG edge for the edge-predicate map.
type edgeKey struct {
	from, to ir.BlockID
}

// Run flattens f in place. speculativeReads mirrors the command-line
// flag that lets pure reads execute unconditionally instead: when
// true, read-only packet/map calls move unguarded rather than gated
// through a select on their length operand.
func Run(f *ir.Function, speculativeReads bool, log *diag.Logger) Result {
	dom := ir.NewDomTree(f)
	pdom := ir.NewPostDomTree(f)
	bld := ir.NewBuilder(f)
	entry := f.Block(f.Entry)

	trueVal := bld.ConstInt(1, ir.Bool)
	blockPred := map[ir.BlockID]ir.Value{f.Entry: trueVal}
	edgePred := map[edgeKey]ir.Value{}

	var finalReturn *ir.Instr
	var finalUnreachable *ir.Instr

	w := worklist.SeedFromPredecessors(f)
	w.ExecuteSimple(func(b ir.BlockID) []ir.BlockID {
		blk := f.Block(b)
		if b == f.Entry {
			term := blk.Terminator()
			switch term.Op {
			case ir.OpReturn:
				if finalReturn == nil {
					finalReturn = term
				}
			case ir.OpUnreachable:
				if finalUnreachable == nil {
					finalUnreachable = term
				}
			default:
				recordEdgePredicates(bld, blk, term, trueVal, edgePred)
			}
		} else {
			pred := blockPredicate(f, dom, pdom, b, blockPred, edgePred, bld)
			blockPred[b] = pred
			moveBlock(f, bld, entry, blk, pred, trueVal, edgePred, speculativeReads, log, &finalReturn, &finalUnreachable)
			term := blk.Terminator()
			if term.Op != ir.OpReturn && term.Op != ir.OpUnreachable {
				recordEdgePredicates(bld, blk, term, pred, edgePred)
			}
		}
		return blk.Succs
	})

	removed := 0
	for _, blk := range f.Blocks() {
		if blk.ID() == f.Entry {
			continue
		}
		f.DeleteBlock(blk.ID())
		removed++
	}

	if term := entry.Terminator(); term != nil {
		entry.Remove(term)
	}
	switch {
	case finalReturn != nil:
		finalReturn.Block = entry.ID()
		entry.Instrs = append(entry.Instrs, finalReturn)
	case finalUnreachable != nil:
		finalUnreachable.Block = entry.ID()
		entry.Instrs = append(entry.Instrs, finalUnreachable)
	default:
		log.Emit(diag.MalformedInput(f.Name, "", "flatten found no reachable return or unreachable terminator"))
	}

	return Result{BlocksRemoved: removed}
}

// blockPredicate computes pred_B, reusing an ancestor's predicate
// directly when some D dominates B and B post-dominates D.
func blockPredicate(f *ir.Function, dom, pdom *ir.DomTree, b ir.BlockID, blockPred map[ir.BlockID]ir.Value, edgePred map[edgeKey]ir.Value, bld *ir.Builder) ir.Value {
	if d, ok := dom.IDom(b); ok {
		for cur := d; ; {
			if pdom.Dominates(b, cur) {
				if p, ok := blockPred[cur]; ok {
					return p
				}
			}
			next, ok := dom.IDom(cur)
			if !ok || next == cur {
				break
			}
			cur = next
		}
	}

	blk := f.Block(b)
	entry := f.Block(f.Entry)
	var pred ir.Value
	for _, p := range blk.Preds {
		e, ok := edgePred[edgeKey{p, b}]
		if !ok {
			continue
		}
		if pred == nil {
			pred = e
			continue
		}
		pred = orVal(bld, entry, pred, e)
	}
	if pred == nil {
		// No predecessor supplied an edge predicate: unreachable by the
		// time flatten runs. Treat as dead rather than fail the pass.
		pred = bld.ConstInt(0, ir.Bool)
	}
	return pred
}

func orVal(bld *ir.Builder, at *ir.BasicBlock, a, b ir.Value) ir.Value {
	return bld.Arith(at, ir.OpOr, ir.Bool, a, b)
}

func andVal(bld *ir.Builder, at *ir.BasicBlock, a, b ir.Value) ir.Value {
	return bld.Arith(at, ir.OpAnd, ir.Bool, a, b)
}

func notVal(bld *ir.Builder, at *ir.BasicBlock, a ir.Value) ir.Value {
	one := bld.ConstInt(1, ir.Bool)
	return bld.Arith(at, ir.OpXor, ir.Bool, a, one)
}

// recordEdgePredicates derives the predicate carried by each of term's
// outgoing edges: a branch ANDs the incoming predicate with its
// condition (and negation), a switch ANDs it with each case comparison
// and routes anything unmatched to the default edge. It materializes
// the comparison/AND/OR
// instructions at blk (the block whose terminator this is), which later
// gets hoisted into entry along with everything else in blk.
func recordEdgePredicates(bld *ir.Builder, blk *ir.BasicBlock, term *ir.Instr, pred ir.Value, edgePred map[edgeKey]ir.Value) {
	switch term.Op {
	case ir.OpBr:
		edgePred[edgeKey{blk.ID(), term.Target}] = pred
	case ir.OpCondBr:
		truePred := andVal(bld, blk, pred, term.Cond)
		falsePred := andVal(bld, blk, pred, notVal(bld, blk, term.Cond))
		edgePred[edgeKey{blk.ID(), term.TrueBlock}] = truePred
		edgePred[edgeKey{blk.ID(), term.FalseBlock}] = falsePred
	case ir.OpSwitch:
		var anyMatch ir.Value
		for _, c := range term.Cases {
			cVal := bld.ConstInt(c.Value, term.SwitchOn.Type())
			eq := bld.ICmp(blk, ir.ICmpEQ, term.SwitchOn, cVal)
			edgePred[edgeKey{blk.ID(), c.Dest}] = andVal(bld, blk, pred, eq)
			if anyMatch == nil {
				anyMatch = eq
			} else {
				anyMatch = orVal(bld, blk, anyMatch, eq)
			}
		}
		defPred := pred
		if anyMatch != nil {
			defPred = andVal(bld, blk, pred, notVal(bld, blk, anyMatch))
		}
		edgePred[edgeKey{blk.ID(), term.Default}] = defPred
	}
}

// moveBlock relocates every non-terminator instruction of blk before
// entry's terminator, transforming each by kind as it moves.
func moveBlock(f *ir.Function, bld *ir.Builder, entry, blk *ir.BasicBlock, pred, truePred ir.Value, edgePred map[edgeKey]ir.Value, speculativeReads bool, log *diag.Logger, finalReturn, finalUnreachable **ir.Instr) {
	for _, instr := range blk.NonTerminators() {
		moveInstr(f, bld, entry, blk, instr, pred, truePred, edgePred, speculativeReads, log)
	}

	term := blk.Terminator()
	switch term.Op {
	case ir.OpReturn:
		if *finalReturn == nil {
			*finalReturn = term
		}
	case ir.OpUnreachable:
		if *finalUnreachable == nil {
			*finalUnreachable = term
		}
	}
}

func appendBeforeTerm(entry *ir.BasicBlock, instr *ir.Instr) {
	if t := entry.Terminator(); t != nil {
		entry.InsertBefore(len(entry.Instrs)-1, instr)
	} else {
		entry.Append(instr)
	}
}

// moveInstr transforms and relocates one non-terminator instruction of a
// block being flattened into entry, dispatching on its kind.
func moveInstr(f *ir.Function, bld *ir.Builder, entry, blk *ir.BasicBlock, instr *ir.Instr, pred, truePred ir.Value, edgePred map[edgeKey]ir.Value, speculativeReads bool, log *diag.Logger) {
	switch instr.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr,
		ir.OpICmp, ir.OpTrunc, ir.OpZExt, ir.OpBitCast, ir.OpIntToPtr, ir.OpPtrToInt,
		ir.OpGEP, ir.OpLoad, ir.OpAlloca:
		// Pure / speculatable: move unchanged.
		appendBeforeTerm(entry, instr)

	case ir.OpStore:
		name := fmt.Sprintf("flatten.cond_store.i%d", instr.Size*8)
		bld.Call(entry, name, ir.Void, pred, instr.Args[0], instr.Args[1])

	case ir.OpMemcpy:
		zero := bld.ConstInt(0, ir.I64)
		size := bld.ConstInt(int64(instr.Size), ir.I64)
		gatedSize := bld.Select(entry, pred, size, zero)
		bld.Call(entry, "flatten.cond_memcpy", ir.Void, instr.Args[0], instr.Args[1], gatedSize)

	case ir.OpCall:
		moveCall(f, bld, entry, instr, pred, truePred, speculativeReads, log)

	case ir.OpPhi:
		result := buildPhiTree(bld, entry, instr, edgePred, blk.ID())
		replaceUses(f, instr, result)

	default:
		log.Emit(diag.MalformedInput(f.Name, instr.String(), "unexpected instruction kind reached Flatten-CFG"))
	}
}

// moveCall handles API calls, std intrinsics, and ordinary calls:
// stacksave/stackrestore are dropped, packet/map API calls are gated
// through gateAPICall, and an otherwise-unsafe-to-speculate call under
// a non-true predicate is an unsupported pattern.
func moveCall(f *ir.Function, bld *ir.Builder, entry *ir.BasicBlock, instr *ir.Instr, pred, truePred ir.Value, speculativeReads bool, log *diag.Logger) {
	switch instr.Callee {
	case napi.LLVMStacksave, napi.LLVMStackrestore:
		return // stack-depth bookkeeping has no meaning after flattening
	}

	if napi.IsAPICall(instr.Callee) {
		gateAPICall(bld, entry, instr, pred, speculativeReads)
		return
	}

	if napi.IsIgnoredForEffects(instr.Callee) {
		appendBeforeTerm(entry, instr)
		return
	}

	if pred != truePred {
		log.Emit(diag.UnsupportedPattern(f.Name, instr.String(),
			"moving an unsafe-to-speculate call under a non-true predicate"))
		return
	}
	appendBeforeTerm(entry, instr)
}

// gateAPICall folds pred into the call's length or opcode operand,
// leaving the call itself in place (it was already appended to blk's
// instruction list, now being relocated wholesale).
func gateAPICall(bld *ir.Builder, entry *ir.BasicBlock, instr *ir.Instr, pred ir.Value, speculativeReads bool) {
	desc, ok := napi.Intrinsics[instr.Callee]
	readOnly := ok && desc.ModRef&ir.MRWrites == 0
	if speculativeReads && readOnly {
		appendBeforeTerm(entry, instr)
		return
	}

	switch instr.Callee {
	case napi.MapOp:
		if len(instr.Args) > 2 {
			nop := bld.ConstInt(int64(napi.AccessNop), instr.Args[2].Type())
			instr.Args[2] = bld.Select(entry, pred, instr.Args[2], nop)
		}
	default:
		if ok && desc.LengthArg >= 0 && desc.LengthArg < len(instr.Args) {
			zero := bld.ConstInt(0, instr.Args[desc.LengthArg].Type())
			instr.Args[desc.LengthArg] = bld.Select(entry, pred, instr.Args[desc.LengthArg], zero)
		}
	}
	appendBeforeTerm(entry, instr)
}

// phiGroup accumulates one distinct incoming value and the OR of every
// edge predicate that supplies it.
type phiGroup struct {
	val  ir.Value
	pred ir.Value
}

// buildPhiTree converts a phi into a balanced binary select tree:
// incoming edges supplying the same value
// merge into one OR'd predicate, and undef incoming values fold into the
// first remaining group rather than a group of their own — an
// approximation of "largest equivalence class" that skips tracking each
// group's exact weight.
func buildPhiTree(bld *ir.Builder, entry *ir.BasicBlock, phi *ir.Instr, edgePred map[edgeKey]ir.Value, joinBlock ir.BlockID) ir.Value {
	var groups []phiGroup
	var undefPred ir.Value
	for _, in := range phi.Incoming {
		ep, ok := edgePred[edgeKey{in.Block, joinBlock}]
		if !ok {
			continue
		}
		if c, isConst := in.Value.(*ir.Const); isConst && c.IsUndef {
			if undefPred == nil {
				undefPred = ep
			} else {
				undefPred = orVal(bld, entry, undefPred, ep)
			}
			continue
		}
		merged := false
		for i := range groups {
			if groups[i].val.ID() == in.Value.ID() {
				groups[i].pred = orVal(bld, entry, groups[i].pred, ep)
				merged = true
				break
			}
		}
		if !merged {
			groups = append(groups, phiGroup{val: in.Value, pred: ep})
		}
	}

	if undefPred != nil {
		if len(groups) > 0 {
			groups[0].pred = orVal(bld, entry, groups[0].pred, undefPred)
		} else {
			groups = append(groups, phiGroup{val: bld.Undef(phi.Type()), pred: undefPred})
		}
	}

	if len(groups) == 0 {
		return bld.Undef(phi.Type())
	}
	return selectTree(bld, entry, groups)
}

func selectTree(bld *ir.Builder, entry *ir.BasicBlock, groups []phiGroup) ir.Value {
	if len(groups) == 1 {
		return groups[0].val
	}
	mid := len(groups) / 2
	left := groups[:mid]
	right := groups[mid:]
	leftPred := left[0].pred
	for _, g := range left[1:] {
		leftPred = orVal(bld, entry, leftPred, g.pred)
	}
	leftVal := selectTree(bld, entry, left)
	rightVal := selectTree(bld, entry, right)
	return bld.Select(entry, leftPred, leftVal, rightVal)
}

// replaceUses rewrites every reference to old throughout f into new.
func replaceUses(f *ir.Function, old *ir.Instr, new ir.Value) {
	swap := func(v ir.Value) ir.Value {
		if v != nil && v.ID() == old.ID() {
			return new
		}
		return v
	}
	for _, instr := range f.AllInstrs() {
		for i, a := range instr.Args {
			instr.Args[i] = swap(a)
		}
		if instr.Cond != nil {
			instr.Cond = swap(instr.Cond)
		}
		if instr.SwitchOn != nil {
			instr.SwitchOn = swap(instr.SwitchOn)
		}
		if instr.RetVal != nil {
			instr.RetVal = swap(instr.RetVal)
		}
		for i, in := range instr.Incoming {
			instr.Incoming[i].Value = swap(in.Value)
		}
	}
}
