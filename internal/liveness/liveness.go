// Package liveness implements the Liveness pass: value
// liveness by standard SSA use-def walking, and memory-location
// liveness by scanning stack allocations and querying alias analysis
// against every currently visible location.
package liveness

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// Result holds both liveness tracks, recomputable on demand rather
// than incrementally updated.
type Result struct {
	// ValueLiveIn/ValueLiveOut map a BlockID to the set of value IDs live
	// at block entry/exit.
	ValueLiveIn  map[ir.BlockID]map[ir.ValueID]bool
	ValueLiveOut map[ir.BlockID]map[ir.ValueID]bool

	// Locations is every tracked stack allocation.
	Locations []*ir.Instr
	// LiveAt reports, per instruction, which locations are live at that
	// program point (post-instruction).
	LiveAt map[ir.ValueID]map[ir.ValueID]bool

	f   *ir.Function
	aa  *ir.AliasAnalysis
	mss *ir.MemorySSA
}

// Compute runs both liveness tracks over f.
func Compute(f *ir.Function, aa *ir.AliasAnalysis, log *diag.Logger) *Result {
	r := &Result{
		ValueLiveIn:  make(map[ir.BlockID]map[ir.ValueID]bool),
		ValueLiveOut: make(map[ir.BlockID]map[ir.ValueID]bool),
		LiveAt:       make(map[ir.ValueID]map[ir.ValueID]bool),
		f:            f,
		aa:           aa,
	}
	computeValueLiveness(f, r)
	computeMemoryLiveness(f, aa, r, log)
	r.mss = ir.BuildMemorySSA(f, isWrite, napi.IsIgnoredForEffects)
	return r
}

// ProducerRecord pairs one resolved underlying allocation with the
// nearest instruction in f's MemorySSA that may clobber it.
type ProducerRecord struct {
	Base     ir.Value
	Producer *ir.Instr
}

// ProducerWalk answers the "consumer -> producer" query: starting from
// consumer's MemorySSA access, follow clobbering defs backward,
// splitting at a MemoryPhi (one search per predecessor branch) and at
// a pointer-base phi/select in ptr that refers to more than one
// distinct allocation (one search per underlying component). Each
// branch stops at, and records, the first clobber alias analysis
// confirms may touch that component's allocation; a component with no
// such clobber gets a nil Producer (still live-on-entry).
func (r *Result) ProducerWalk(consumer *ir.Instr, ptr ir.Value, size int) []ProducerRecord {
	access, ok := r.mss.AccessFor(consumer)
	if !ok {
		return nil
	}
	var out []ProducerRecord
	for _, base := range resolveBases(ptr, map[ir.ValueID]bool{}) {
		loc := ir.MemoryLocation{Ptr: base, Size: size}
		var found *ir.Instr
		r.mss.WalkClobbers(access, func(a *ir.MemoryAccess) bool {
			if a.Instr == nil || a.Instr.ID() == consumer.ID() {
				return true
			}
			if r.aa.Alias(loc, memLocationOf(a.Instr, size)) == ir.NoAlias {
				return true
			}
			found = a.Instr
			return false
		})
		out = append(out, ProducerRecord{Base: base, Producer: found})
	}
	return out
}

// resolveBases walks phi/select/bitcast/gep chains back to the leaf
// values ptr may resolve to at runtime, deduplicating repeats (e.g. a
// loop-carried phi that revisits the same allocation).
func resolveBases(v ir.Value, seen map[ir.ValueID]bool) []ir.Value {
	if v == nil || seen[v.ID()] {
		return nil
	}
	seen[v.ID()] = true
	instr, ok := v.(*ir.Instr)
	if !ok {
		return []ir.Value{v}
	}
	switch instr.Op {
	case ir.OpPhi:
		var out []ir.Value
		for _, in := range instr.Incoming {
			out = append(out, resolveBases(in.Value, seen)...)
		}
		return dedupeValues(out)
	case ir.OpSelect:
		if len(instr.Args) < 3 {
			return []ir.Value{v}
		}
		out := append(resolveBases(instr.Args[1], seen), resolveBases(instr.Args[2], seen)...)
		return dedupeValues(out)
	case ir.OpBitCast, ir.OpGEP:
		return resolveBases(instr.Args[0], seen)
	}
	return []ir.Value{v}
}

func dedupeValues(in []ir.Value) []ir.Value {
	seen := map[ir.ValueID]bool{}
	var out []ir.Value
	for _, v := range in {
		if v == nil || seen[v.ID()] {
			continue
		}
		seen[v.ID()] = true
		out = append(out, v)
	}
	return out
}

// computeValueLiveness is standard SSA live-variable analysis: iterate
// to a fixpoint over live-in/live-out sets per
// block, backward over the CFG. Phi incoming values count as live-out
// at the end of their source block rather than live-in at the phi
// itself.
func computeValueLiveness(f *ir.Function, r *Result) {
	blocks := f.Blocks()
	for _, b := range blocks {
		r.ValueLiveIn[b.ID()] = map[ir.ValueID]bool{}
		r.ValueLiveOut[b.ID()] = map[ir.ValueID]bool{}
	}

	changed := true
	for changed {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			out := map[ir.ValueID]bool{}
			for _, s := range b.Succs {
				for v := range r.ValueLiveIn[s] {
					out[v] = true
				}
				// Phi incoming values from this block count as live-out here.
				succ := f.Block(s)
				for _, instr := range succ.Instrs {
					if instr.Op != ir.OpPhi {
						break
					}
					for _, in := range instr.Incoming {
						if in.Block == b.ID() {
							out[in.Value.ID()] = true
						}
					}
				}
			}

			in := map[ir.ValueID]bool{}
			for v := range out {
				in[v] = true
			}
			for idx := len(b.Instrs) - 1; idx >= 0; idx-- {
				instr := b.Instrs[idx]
				delete(in, instr.ID())
				if instr.Op == ir.OpPhi {
					continue // phi operands handled via source block, not here
				}
				for _, a := range instr.Args {
					if isLocalValue(a) {
						in[a.ID()] = true
					}
				}
				if instr.Cond != nil && isLocalValue(instr.Cond) {
					in[instr.Cond.ID()] = true
				}
				if instr.SwitchOn != nil && isLocalValue(instr.SwitchOn) {
					in[instr.SwitchOn.ID()] = true
				}
				if instr.RetVal != nil && isLocalValue(instr.RetVal) {
					in[instr.RetVal.ID()] = true
				}
			}

			if !setEqual(r.ValueLiveOut[b.ID()], out) {
				r.ValueLiveOut[b.ID()] = out
				changed = true
			}
			if !setEqual(r.ValueLiveIn[b.ID()], in) {
				r.ValueLiveIn[b.ID()] = in
				changed = true
			}
		}
	}
}

func isLocalValue(v ir.Value) bool {
	return v != nil && v.ID() != ir.InvalidValueID
}

func setEqual(a, b map[ir.ValueID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// computeMemoryLiveness tracks memory locations: collect stack
// allocations with precise byte sizes, query alias
// analysis for every memory-touching instruction against every
// currently visible location, and record first-write/last-read per
// location, pre-filtered by a bloom filter over the set of visible
// locations before the precise alias query loop runs.
func computeMemoryLiveness(f *ir.Function, aa *ir.AliasAnalysis, r *Result, log *diag.Logger) {
	var locs []*ir.Instr
	locSize := map[ir.ValueID]int{}
	for _, instr := range f.AllInstrs() {
		if instr.Op == ir.OpAlloca {
			if instr.AllocaSize <= 0 {
				log.Emit(diag.BestEffort(f.Name, instr.String(), "allocation size could not be computed; excluded from memory liveness"))
				continue
			}
			locs = append(locs, instr)
			locSize[instr.ID()] = instr.AllocaSize
		}
	}
	r.Locations = locs
	if len(locs) == 0 {
		return
	}

	filter := bloom.NewWithEstimates(uint(len(locs)*4+16), 0.01)
	visible := map[ir.ValueID]bool{}
	locKey := func(id ir.ValueID) []byte {
		return []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
	}
	for _, loc := range locs {
		filter.Add(locKey(loc.ID()))
		visible[loc.ID()] = true
	}

	firstWrite := map[ir.ValueID]*ir.Instr{}
	lastRead := map[ir.ValueID]*ir.Instr{}

	for _, instr := range f.AllInstrs() {
		if !touchesMemory(instr) {
			continue
		}
		if instr.Op == ir.OpCall && napi.IsIgnoredForEffects(instr.Callee) {
			continue
		}
		touched := map[ir.ValueID]bool{}
		if instr.Op == ir.OpCall && conservativeCall(instr.Callee) {
			log.Emit(diag.BestEffort(f.Name, instr.String(), "call is not annotated as touching only argument or inaccessible memory; assuming it touches every live location"))
			for _, loc := range locs {
				touched[loc.ID()] = true
			}
		} else {
			for _, loc := range locs {
				if !filter.Test(locKey(loc.ID())) || !visible[loc.ID()] {
					continue
				}
				size := locSize[loc.ID()]
				res := aa.Alias(ir.MemoryLocation{Ptr: loc, Size: size}, memLocationOf(instr, size))
				if res == ir.NoAlias {
					continue
				}
				touched[loc.ID()] = true
			}
		}
		for locID := range touched {
			if isWrite(instr) {
				if _, ok := firstWrite[locID]; !ok {
					firstWrite[locID] = instr
				}
			}
			if isRead(instr) {
				lastRead[locID] = instr
			}
		}
	}

	// Backward scan: a location is live at a point if it has a
	// not-yet-superseded-by-first-write last read reachable forward from
	// that point.
	order := f.AllInstrs()
	liveNow := map[ir.ValueID]bool{}
	for i := len(order) - 1; i >= 0; i-- {
		instr := order[i]
		r.LiveAt[instr.ID()] = copySet(liveNow)
		for locID, fw := range firstWrite {
			if fw == instr {
				delete(liveNow, locID)
			}
		}
		for locID, rd := range lastRead {
			if rd == instr {
				liveNow[locID] = true
			}
		}
	}
}

func copySet(in map[ir.ValueID]bool) map[ir.ValueID]bool {
	out := make(map[ir.ValueID]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func touchesMemory(i *ir.Instr) bool {
	switch i.Op {
	case ir.OpLoad, ir.OpStore, ir.OpMemcpy:
		return true
	case ir.OpCall:
		return true
	}
	return false
}

func isRead(i *ir.Instr) bool {
	switch i.Op {
	case ir.OpLoad, ir.OpMemcpy:
		return true
	case ir.OpCall:
		return napi.ModRefBehavior(i.Callee)&ir.MRReads != 0
	}
	return false
}

func isWrite(i *ir.Instr) bool {
	switch i.Op {
	case ir.OpStore, ir.OpMemcpy:
		return true
	case ir.OpCall:
		return napi.ModRefBehavior(i.Callee)&ir.MRWrites != 0
	}
	return false
}

// conservativeCall reports whether callee's mod/ref annotation fails to
// restrict it to argument-only or inaccessible memory, the shape the
// Liveness spec calls out as needing a warning and a conservative
// (touches-everything) fallback rather than a precise alias query.
func conservativeCall(callee string) bool {
	d, ok := napi.Intrinsics[callee]
	if !ok {
		return true
	}
	return d.ModRef&(ir.MROnlyArgs|ir.MROnlyInaccessible) == 0
}

func memLocationOf(i *ir.Instr, fallbackSize int) ir.MemoryLocation {
	switch i.Op {
	case ir.OpLoad:
		return ir.MemoryLocation{Ptr: i.Args[0], Size: i.Size}
	case ir.OpStore:
		return ir.MemoryLocation{Ptr: i.Args[0], Size: i.Size}
	case ir.OpMemcpy:
		return ir.MemoryLocation{Ptr: i.Args[0], Size: i.Size}
	case ir.OpCall:
		if len(i.Args) > 0 {
			return ir.MemoryLocation{Ptr: i.Args[0], Size: fallbackSize}
		}
	}
	return ir.MemoryLocation{Size: fallbackSize}
}
