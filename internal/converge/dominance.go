package converge

import (
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
)

// repairDominance implements 4.2.5: CAB insertion and weaving can leave
// a use dominated only along some, not all, paths reaching it. For
// every definition whose use is no longer dominated, insert a repair
// phi at the nearest point on the definition's post-dominator chain
// that still dominates the use, keyed off which predecessors the
// definition actually dominates; repair phis are cached per
// (definition, insertion point) so a second offending use reuses the
// same phi.
func repairDominance(f *ir.Function, bld *ir.Builder, dom, postDom *ir.DomTree, log *diag.Logger) {
	defs := defLocations(f)
	cache := map[ir.ValueID]map[ir.BlockID]*ir.Instr{}

	for _, u := range collectUses(f) {
		def, ok := defs[u.defID]
		if !ok {
			continue
		}
		defBlock := def.Block
		if dom.Dominates(defBlock, u.block) {
			continue
		}

		var target ir.BlockID
		found := false
		postDom.WalkUp(defBlock, func(b ir.BlockID) bool {
			if dom.Dominates(b, u.block) {
				target = b
				found = true
				return false
			}
			return true
		})
		if !found {
			log.Emit(diag.ConsistencyCheck(f.Name, "SSA-dominance repair: no post-dominator of a definition's block also dominates one of its uses"))
			continue
		}

		phi := repairPhiFor(f, bld, cache, dom, def, defBlock, target)
		u.replace(phi)
	}
}

func repairPhiFor(f *ir.Function, bld *ir.Builder, cache map[ir.ValueID]map[ir.BlockID]*ir.Instr, dom *ir.DomTree, def *ir.Instr, defBlock, target ir.BlockID) *ir.Instr {
	if m, ok := cache[def.ID()]; ok {
		if phi, ok2 := m[target]; ok2 {
			return phi
		}
	} else {
		cache[def.ID()] = map[ir.BlockID]*ir.Instr{}
	}

	blk := f.Block(target)
	var incoming []ir.PhiIncoming
	for _, p := range blk.Preds {
		if dom.Dominates(defBlock, p) {
			incoming = append(incoming, ir.PhiIncoming{Value: def, Block: p})
		} else {
			incoming = append(incoming, ir.PhiIncoming{Value: bld.Undef(def.Type()), Block: p})
		}
	}
	phi := bld.Phi(blk, def.Type(), incoming...)
	cache[def.ID()][target] = phi
	return phi
}

// use is one operand reference to a definition, tagged with the block
// its dominance requirement must be checked against (the predecessor
// block, for a phi-incoming operand; the instruction's own block
// otherwise), plus a closure to rewrite that reference in place.
type use struct {
	defID   ir.ValueID
	block   ir.BlockID
	replace func(ir.Value)
}

func defLocations(f *ir.Function) map[ir.ValueID]*ir.Instr {
	out := map[ir.ValueID]*ir.Instr{}
	for _, instr := range f.AllInstrs() {
		out[instr.ID()] = instr
	}
	return out
}

// collectUses enumerates every operand reference in the function.
func collectUses(f *ir.Function) []use {
	var out []use
	add := func(v ir.Value, block ir.BlockID, replace func(ir.Value)) {
		if _, ok := v.(*ir.Instr); !ok {
			return
		}
		out = append(out, use{defID: v.ID(), block: block, replace: replace})
	}
	for _, blk := range f.Blocks() {
		for _, instr := range blk.Instrs {
			if instr.Op == ir.OpPhi {
				for i := range instr.Incoming {
					idx := i
					add(instr.Incoming[idx].Value, instr.Incoming[idx].Block, func(v ir.Value) { instr.Incoming[idx].Value = v })
				}
				continue
			}
			for i := range instr.Args {
				idx := i
				add(instr.Args[idx], blk.ID(), func(v ir.Value) { instr.Args[idx] = v })
			}
			if instr.Cond != nil {
				add(instr.Cond, blk.ID(), func(v ir.Value) { instr.Cond = v })
			}
			if instr.SwitchOn != nil {
				add(instr.SwitchOn, blk.ID(), func(v ir.Value) { instr.SwitchOn = v })
			}
			if instr.RetVal != nil {
				add(instr.RetVal, blk.ID(), func(v ir.Value) { instr.RetVal = v })
			}
		}
	}
	return out
}
