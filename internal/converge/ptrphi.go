package converge

import (
	"fmt"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// fallbackPointerBufSize is used when a diverging pointer-phi's size
// cannot be resolved from any incoming allocation (e.g. the pointer
// originates from a function argument rather than a local alloca).
const fallbackPointerBufSize = 64

// removePointerPhis implements 4.2.7: each CAB's per-argument phis that
// genuinely disagree across incoming paths and carry a pointer type are
// replaced by one shared stack buffer. Input-direction arguments (the
// callee reads through the pointer, e.g. map_lookup's key) are
// memcpy'd from each path's original pointee into the buffer before the
// call; output-direction arguments are memcpy'd from the buffer into
// each path's original destination after the call. Phis whose incoming
// values all agree need no buffer — they stay exactly as constructed.
func removePointerPhis(f *ir.Function, bld *ir.Builder, cabs []*cabInfo, log *diag.Logger) {
	for _, c := range cabs {
		d, ok := napi.Intrinsics[c.callee]
		if !ok {
			continue
		}
		cabBlk := f.Block(c.block)
		for i, phi := range c.argPhis {
			if phi == nil || !phi.Type().IsPointer() || !diverges(phi) {
				continue
			}

			access := d.ModRef
			if bits, ok := d.ArgAccess[i]; ok {
				access = bits
			}
			size := maxPointeeSize(phi, log, f.Name)
			buf := bld.Alloca(cabBlk, ir.I8, size, fmt.Sprintf("%s.argbuf%d", cabBlk.Name, i))

			if access&ir.MRReads != 0 {
				for _, in := range phi.Incoming {
					if isUndef(in.Value) {
						continue
					}
					bld.Memcpy(f.Block(in.Block), buf, in.Value, size)
				}
			}

			originals := append([]ir.PhiIncoming(nil), phi.Incoming...)
			replacePhiUses(f, phi, buf)

			if access&ir.MRWrites != 0 {
				for idx, p := range c.paths {
					if p.dummy || idx >= len(originals) || isUndef(originals[idx].Value) {
						continue
					}
					prependMemcpy(f, f.Block(p.post), originals[idx].Value, buf, size)
				}
			}
		}
	}
}

func diverges(phi *ir.Instr) bool {
	var first ir.Value
	for _, in := range phi.Incoming {
		if isUndef(in.Value) {
			continue
		}
		if first == nil {
			first = in.Value
			continue
		}
		if in.Value.ID() != first.ID() {
			return true
		}
	}
	return false
}

func isUndef(v ir.Value) bool {
	c, ok := v.(*ir.Const)
	return ok && c.IsUndef
}

func maxPointeeSize(phi *ir.Instr, log *diag.Logger, fn string) int {
	best := 0
	resolved := false
	for _, in := range phi.Incoming {
		if isUndef(in.Value) {
			continue
		}
		if sz, ok := resolvePointeeSize(in.Value); ok {
			resolved = true
			if sz > best {
				best = sz
			}
		}
	}
	if !resolved {
		log.Emit(diag.BestEffort(fn, phi.String(), "pointer-phi buffer size could not be resolved from any incoming allocation; using a conservative fallback size"))
		return fallbackPointerBufSize
	}
	return best
}

// resolvePointeeSize walks bitcast/gep chains back to an alloca to
// recover the declared size of the memory v points into.
func resolvePointeeSize(v ir.Value) (int, bool) {
	cur := v
	for {
		instr, ok := cur.(*ir.Instr)
		if !ok {
			return 0, false
		}
		switch instr.Op {
		case ir.OpAlloca:
			return instr.AllocaSize, true
		case ir.OpBitCast, ir.OpGEP:
			cur = instr.Args[0]
			continue
		}
		return 0, false
	}
}

func replacePhiUses(f *ir.Function, old *ir.Instr, new *ir.Instr) {
	f.Block(old.Block).Remove(old)
	replaceUses(f, old, new)
}

// prependMemcpy inserts a memcpy at the front of blk, after any leading
// phis, so it runs before the block's own logic consumes the write-back.
func prependMemcpy(f *ir.Function, blk *ir.BasicBlock, dst, src ir.Value, size int) {
	i := ir.NewInstr(f.NewValueID(), ir.OpMemcpy, ir.Void, blk.ID())
	i.Args = []ir.Value{dst, src}
	i.Size = size
	idx := 0
	for idx < len(blk.Instrs) && blk.Instrs[idx].Op == ir.OpPhi {
		idx++
	}
	blk.InsertBefore(idx, i)
}
