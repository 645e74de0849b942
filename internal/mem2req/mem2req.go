// Package mem2req implements the Mem-to-Req pass: it
// rewrites loads, stores, and memcpys whose addresses derive from
// packet/map roots into explicit Nanotube API calls, using a two-phase
// classify-then-rewrite traversal driven by internal/worklist.
package mem2req

import (
	"fmt"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
	"github.com/nanotube/pipeliner/internal/worklist"
)

// Origin distinguishes the kind of root a flow-tagged value descends
// from.
type Origin int

const (
	OriginNone Origin = iota
	OriginPacket
	OriginMap
)

// flowInfo is per-value bookkeeping threaded through Phase A/B.
type flowInfo struct {
	origin Origin
	// base is the resolved packet-argument Value (packets) or the
	// original map_lookup call (maps) this value's offset is relative to.
	base ir.Value
	// offsetInt is the rewritten integer-offset replacement for a
	// pointer-flow value once Phase B has processed it.
	offsetInt ir.Value
	// key/keySize/dummyResult only populated for map-origin values.
	key, dummyResult ir.Value
	keySize          int
}

// Result is Run's output: Rewritten counts the pointer-flow
// instructions Phase B processed through its worklist.
type Result struct {
	Rewritten int
}

// Run rewrites f's loads/stores/memcpys reachable from packet/map roots
// into explicit API calls. Pointer-arithmetic instructions upstream of a
// rewritten load/store (the gep/bitcast/inttoptr chain) are left in
// place rather than deleted inline — they become dead once their last
// load/store consumer is gone, and are swept by whichever later pass
// performs dead-code elimination rather than by this one.
func Run(f *ir.Function, log *diag.Logger) Result {
	info := make(map[ir.ValueID]*flowInfo)
	roots := classify(f, info, log)
	rewritten := rewrite(f, info, roots, log)
	return Result{Rewritten: rewritten}
}

// classify implements Phase A: starting from packet_data /
// packet_end / map_lookup calls, propagate pointer-flow tags through
// bitcast/gep/inttoptr/ptrtoint/phi/select/trunc/add, stopping at
// icmp/load/store/sub (two-pointer subtraction).
func classify(f *ir.Function, info map[ir.ValueID]*flowInfo, log *diag.Logger) []*ir.Instr {
	var roots []*ir.Instr
	for _, instr := range f.AllInstrs() {
		if instr.Op != ir.OpCall {
			continue
		}
		switch instr.Callee {
		case napi.PacketData, napi.PacketEnd:
			info[instr.ID()] = &flowInfo{origin: OriginPacket, base: instr.Args[0]}
			roots = append(roots, instr)
		case napi.MapLookup:
			info[instr.ID()] = &flowInfo{origin: OriginMap, base: instr}
			roots = append(roots, instr)
		}
	}

	// Fixpoint propagation: pointer-producing instructions that consume a
	// tagged operand inherit its origin. Iterate to a fixpoint since
	// instruction order does not guarantee def-before-use traversal order
	// once phis are involved.
	changed := true
	for changed {
		changed = false
		for _, instr := range f.AllInstrs() {
			if info[instr.ID()] != nil {
				continue
			}
			switch instr.Op {
			case ir.OpBitCast, ir.OpIntToPtr, ir.OpPtrToInt, ir.OpGEP, ir.OpTrunc:
				if len(instr.Args) == 0 {
					continue
				}
				if src := info[instr.Args[0].ID()]; src != nil {
					info[instr.ID()] = &flowInfo{origin: src.origin, base: src.base, key: src.key, keySize: src.keySize, dummyResult: src.dummyResult}
					changed = true
				}
			case ir.OpAdd:
				for _, a := range instr.Args {
					if src := info[a.ID()]; src != nil {
						info[instr.ID()] = &flowInfo{origin: src.origin, base: src.base, key: src.key, keySize: src.keySize, dummyResult: src.dummyResult}
						changed = true
						break
					}
				}
			case ir.OpPhi:
				var common *flowInfo
				ok := true
				for _, in := range instr.Incoming {
					src := info[in.Value.ID()]
					if src == nil {
						ok = false
						break
					}
					if common == nil {
						common = src
					} else if common.origin != src.origin {
						log.Emit(diag.MalformedInput(f.Name, instrString(instr), "mixed map/packet phi"))
					} else if common.origin == OriginPacket && common.base.ID() != src.base.ID() {
						log.Emit(diag.MalformedInput(f.Name, instrString(instr), "packet bases disagree across phi incoming edges"))
					}
				}
				if ok && common != nil {
					info[instr.ID()] = &flowInfo{origin: common.origin, base: common.base, key: common.key, keySize: common.keySize, dummyResult: common.dummyResult}
					changed = true
				}
			case ir.OpSelect:
				if len(instr.Args) < 3 {
					continue
				}
				t := info[instr.Args[1].ID()]
				e := info[instr.Args[2].ID()]
				if t != nil && e != nil {
					if t.origin != e.origin {
						log.Emit(diag.MalformedInput(f.Name, instrString(instr), "mixed map/packet select"))
					} else if t.origin == OriginPacket && t.base.ID() != e.base.ID() {
						log.Emit(diag.MalformedInput(f.Name, instrString(instr), "packet bases disagree across select arms"))
					}
					info[instr.ID()] = &flowInfo{origin: t.origin, base: t.base, key: t.key, keySize: t.keySize, dummyResult: t.dummyResult}
					changed = true
				}
			}
		}
	}
	return roots
}

func instrString(i *ir.Instr) string {
	if i.Callee != "" {
		return fmt.Sprintf("call @%s", i.Callee)
	}
	return i.String()
}

// rewrite implements Phase B: process roots then consumers
// in dependency order via internal/worklist, replacing each
// pointer-flow instruction with its integer-offset/request-call
// equivalent.
func rewrite(f *ir.Function, info map[ir.ValueID]*flowInfo, roots []*ir.Instr, log *diag.Logger) int {
	depCount := make(map[ir.ValueID]int)
	consumers := make(map[ir.ValueID][]ir.ValueID)
	tagged := make(map[ir.ValueID]*ir.Instr)
	for _, instr := range f.AllInstrs() {
		if info[instr.ID()] == nil {
			continue
		}
		tagged[instr.ID()] = instr
		for _, arg := range instr.Args {
			if info[arg.ID()] != nil {
				depCount[instr.ID()]++
				consumers[arg.ID()] = append(consumers[arg.ID()], instr.ID())
			}
		}
	}

	w := worklist.New[ir.ValueID](len(tagged))
	var key [4]byte
	for id, n := range depCount {
		binPut(key[:], uint32(id))
		w.Insert(id, append([]byte(nil), key[:]...), n)
	}
	for id := range tagged {
		if depCount[id] == 0 {
			binPut(key[:], uint32(id))
			w.InsertReady(id, append([]byte(nil), key[:]...))
		}
	}

	bld := ir.NewBuilder(f)
	count := 0
	w.ExecuteSimple(func(id ir.ValueID) []ir.ValueID {
		instr := tagged[id]
		rewriteOne(f, bld, instr, info, log)
		count++
		return consumers[id]
	})

	rewriteLoadsStores(f, bld, info, log)
	rewriteMemcpy(f, bld, info, log)
	rewriteCallArgs(f, bld, info, log)
	rewriteComparisons(f, bld, info, log)
	return count
}

func binPut(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// packetEndSaturationBound is the saturation bound passed to
// packet_bounded_length when replacing a packet_end root: callers only
// ever compare the result against another in-bounds offset, so any
// value at least as large as the largest representable packet keeps
// the comparison exact.
const packetEndSaturationBound = 1 << 16

// rewriteOne materializes the integer-offset replacement for one
// pointer-flow-tagged, non-memory instruction.
func rewriteOne(f *ir.Function, bld *ir.Builder, instr *ir.Instr, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	fi := info[instr.ID()]
	switch instr.Op {
	case ir.OpGEP:
		blk := f.Block(instr.Block)
		baseOff := ir.Value(bld.ConstInt(instr.ConstOffset, ir.I64))
		if instr.VarOffset != nil {
			baseOff = bld.Arith(blk, ir.OpAdd, ir.I64, baseOff, instr.VarOffset)
		}
		fi.offsetInt = baseOff
	case ir.OpBitCast, ir.OpIntToPtr:
		fi.offsetInt = offsetOrZero(f, bld, log, instr, info[instr.Args[0].ID()])
	case ir.OpPtrToInt:
		if src := info[instr.Args[0].ID()]; src != nil && src.offsetInt != nil {
			fi.offsetInt = src.offsetInt
		}
	case ir.OpCall:
		rewriteRootCall(f, bld, instr, fi, log)
	case ir.OpPhi:
		rewritePhiFlow(f, bld, instr, fi, info, log)
	case ir.OpSelect:
		rewriteSelectFlow(f, bld, instr, fi, info, log)
	}
}

// rewriteRootCall materializes the metadata for one of the three
// pointer-flow roots: packet_data collapses to the constant offset 0,
// packet_end becomes a bounded-length query, and map_lookup stages its
// key into a fresh buffer and emits a dummy single-byte map_read used
// downstream to answer presence (`icmp ... , null`) checks.
func rewriteRootCall(f *ir.Function, bld *ir.Builder, instr *ir.Instr, fi *flowInfo, log *diag.Logger) {
	blk := f.Block(instr.Block)
	switch instr.Callee {
	case napi.PacketData:
		fi.offsetInt = bld.ConstInt(0, ir.I64)
	case napi.PacketEnd:
		call := bld.Call(blk, napi.PacketBoundedLength, ir.I64, fi.base, bld.ConstInt(packetEndSaturationBound, ir.I64))
		fi.offsetInt = call
	case napi.MapLookup:
		d := napi.Intrinsics[napi.MapLookup]
		keyArg := instr.Args[d.KeyArg]
		keySize := keyArg.Type().Size
		keyBuf := bld.Alloca(blk, keyArg.Type(), keySize, "mem2req.map.key")
		bld.Store(blk, keyBuf, keyArg, keySize)

		presenceBuf := bld.Alloca(blk, ir.I8, 1, "mem2req.map.presence")
		dummy := bld.Call(blk, napi.MapRead, ir.I8, instr.Args[d.MapIDArg], bld.ConstInt(0, ir.I64), bld.ConstInt(1, ir.I32), presenceBuf)

		fi.key = keyBuf
		fi.keySize = keySize
		fi.dummyResult = dummy
		fi.offsetInt = bld.ConstInt(0, ir.I64)
	}
}

// rewritePhiFlow splits a pointer-flow phi into an integer-offset phi,
// plus per-field phis for base/key/dummy-result when a map-origin phi's
// incoming edges disagree on one of them.
func rewritePhiFlow(f *ir.Function, bld *ir.Builder, instr *ir.Instr, fi *flowInfo, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	blk := f.Block(instr.Block)
	var incoming []ir.PhiIncoming
	for _, in := range instr.Incoming {
		incoming = append(incoming, ir.PhiIncoming{Value: offsetOrZero(f, bld, log, instr, info[in.Value.ID()]), Block: in.Block})
	}
	fi.offsetInt = bld.Phi(blk, ir.I64, incoming...)

	if fi.origin != OriginMap {
		return
	}
	if fieldsDiffer(instr, info, fieldBase) {
		fi.base = buildFieldPhi(bld, blk, instr, info, fieldBase)
	}
	if fieldsDiffer(instr, info, fieldKey) {
		fi.key = buildFieldPhi(bld, blk, instr, info, fieldKey)
		fi.keySize = maxKeySize(instr, info)
	}
	if fieldsDiffer(instr, info, fieldDummy) {
		fi.dummyResult = buildFieldPhi(bld, blk, instr, info, fieldDummy)
	}
}

// rewriteSelectFlow is rewritePhiFlow's two-arm counterpart for select.
func rewriteSelectFlow(f *ir.Function, bld *ir.Builder, instr *ir.Instr, fi *flowInfo, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	if len(instr.Args) < 3 {
		return
	}
	blk := f.Block(instr.Block)
	tInfo, eInfo := info[instr.Args[1].ID()], info[instr.Args[2].ID()]
	tOff := offsetOrZero(f, bld, log, instr, tInfo)
	eOff := offsetOrZero(f, bld, log, instr, eInfo)
	fi.offsetInt = bld.Select(blk, instr.Args[0], tOff, eOff)

	if fi.origin != OriginMap || tInfo == nil || eInfo == nil {
		return
	}
	if tInfo.base.ID() != eInfo.base.ID() {
		fi.base = bld.Select(blk, instr.Args[0], tInfo.base, eInfo.base)
	}
	if differsOrNil(tInfo.key, eInfo.key) {
		fi.key = bld.Select(blk, instr.Args[0], tInfo.key, eInfo.key)
		if tInfo.keySize > eInfo.keySize {
			fi.keySize = tInfo.keySize
		} else {
			fi.keySize = eInfo.keySize
		}
	}
	if differsOrNil(tInfo.dummyResult, eInfo.dummyResult) {
		fi.dummyResult = bld.Select(blk, instr.Args[0], tInfo.dummyResult, eInfo.dummyResult)
	}
}

type fieldSelector func(*flowInfo) ir.Value

func fieldBase(fi *flowInfo) ir.Value  { return fi.base }
func fieldKey(fi *flowInfo) ir.Value   { return fi.key }
func fieldDummy(fi *flowInfo) ir.Value { return fi.dummyResult }

// fieldsDiffer reports whether sel disagrees across instr's (phi)
// incoming edges, among the edges that have flow info at all.
func fieldsDiffer(instr *ir.Instr, info map[ir.ValueID]*flowInfo, sel fieldSelector) bool {
	var first ir.Value
	for _, in := range instr.Incoming {
		src := info[in.Value.ID()]
		if src == nil {
			continue
		}
		v := sel(src)
		if v == nil {
			continue
		}
		if first == nil {
			first = v
			continue
		}
		if v.ID() != first.ID() {
			return true
		}
	}
	return false
}

func differsOrNil(a, b ir.Value) bool {
	if a == nil || b == nil {
		return a != b
	}
	return a.ID() != b.ID()
}

// buildFieldPhi materializes a phi for one map-flow field (base, key,
// or dummy-result) across a pointer-flow phi's incoming edges,
// substituting undef on edges with no recorded value for that field.
func buildFieldPhi(bld *ir.Builder, blk *ir.BasicBlock, instr *ir.Instr, info map[ir.ValueID]*flowInfo, sel fieldSelector) *ir.Instr {
	var incoming []ir.PhiIncoming
	var typ *ir.Type
	for _, in := range instr.Incoming {
		var v ir.Value
		if src := info[in.Value.ID()]; src != nil {
			v = sel(src)
		}
		if v != nil {
			typ = v.Type()
		}
		incoming = append(incoming, ir.PhiIncoming{Value: v, Block: in.Block})
	}
	for i, in := range incoming {
		if in.Value == nil {
			incoming[i].Value = bld.Undef(typ)
		}
	}
	return bld.Phi(blk, typ, incoming...)
}

func maxKeySize(instr *ir.Instr, info map[ir.ValueID]*flowInfo) int {
	best := 0
	for _, in := range instr.Incoming {
		if src := info[in.Value.ID()]; src != nil && src.keySize > best {
			best = src.keySize
		}
	}
	return best
}

// rewriteLoadsStores rewrites every load/store whose pointer operand is
// packet/map-flow-tagged into a packet_read/packet_write or
// map_read/map_write call against a fresh stack buffer.
func rewriteLoadsStores(f *ir.Function, bld *ir.Builder, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	for _, blk := range f.Blocks() {
		for _, instr := range append([]*ir.Instr(nil), blk.Instrs...) {
			switch instr.Op {
			case ir.OpLoad:
				ptrInfo := info[instr.Args[0].ID()]
				if ptrInfo == nil {
					continue
				}
				buf := bld.Alloca(blk, instr.Type(), instr.Size, "mem2req.load.buf")
				offset := offsetOrZero(f, bld, log, instr, ptrInfo)
				if ptrInfo.origin == OriginPacket {
					bld.Call(blk, napi.PacketRead, ir.Void, ptrInfo.base, offset, bld.ConstInt(int64(instr.Size), ir.I32), buf)
				} else {
					bld.Call(blk, napi.MapRead, ir.Void, ptrInfo.base, offset, bld.ConstInt(int64(instr.Size), ir.I32), buf)
				}
				load := bld.Load(blk, buf, instr.Size, instr.Type())
				replaceUses(f, instr, load)
				blk.Remove(instr)
			case ir.OpStore:
				ptrInfo := info[instr.Args[0].ID()]
				if ptrInfo == nil {
					continue
				}
				val := instr.Args[1]
				buf := bld.Alloca(blk, val.Type(), instr.Size, "mem2req.store.buf")
				bld.Store(blk, buf, val, instr.Size)
				offset := offsetOrZero(f, bld, log, instr, ptrInfo)
				if ptrInfo.origin == OriginPacket {
					bld.Call(blk, napi.PacketWrite, ir.Void, ptrInfo.base, offset, bld.ConstInt(int64(instr.Size), ir.I32), buf)
				} else {
					bld.Call(blk, napi.MapWrite, ir.Void, ptrInfo.base, offset, bld.ConstInt(int64(instr.Size), ir.I32), buf)
				}
				blk.Remove(instr)
			}
		}
	}
}

// offsetOrZero returns fi's computed integer offset. fi should always
// carry one by the time a consumer needs it — every pointer-flow
// producer (gep/bitcast/inttoptr/ptrtoint/phi/select/root call)
// materializes one in rewriteOne. Falling through to this function's
// zero default therefore indicates an unrecognized or malformed
// pointer-flow shape, so it is logged rather than silently assumed.
func offsetOrZero(f *ir.Function, bld *ir.Builder, log *diag.Logger, instr *ir.Instr, fi *flowInfo) ir.Value {
	if fi != nil && fi.offsetInt != nil {
		return fi.offsetInt
	}
	log.Emit(diag.UnsupportedPattern(f.Name, instrString(instr), "pointer-flow value reached a consumer with no computed offset; assuming zero"))
	return bld.ConstInt(0, ir.I64)
}

// rewriteMemcpy implements the two-phase memcpy rewrite:
// read from source into a temporary (skipped if source is plain
// stack), then write to destination from the temporary (skipped if
// destination is plain stack).
func rewriteMemcpy(f *ir.Function, bld *ir.Builder, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	for _, blk := range f.Blocks() {
		for _, instr := range append([]*ir.Instr(nil), blk.Instrs...) {
			if instr.Op != ir.OpMemcpy {
				continue
			}
			dstInfo := info[instr.Args[0].ID()]
			srcInfo := info[instr.Args[1].ID()]
			if dstInfo == nil && srcInfo == nil {
				continue
			}
			tmp := bld.Alloca(blk, ir.I8, instr.Size, "mem2req.memcpy.tmp")
			if srcInfo != nil {
				off := offsetOrZero(f, bld, log, instr, srcInfo)
				callee := napi.PacketRead
				if srcInfo.origin == OriginMap {
					callee = napi.MapRead
				}
				bld.Call(blk, callee, ir.Void, srcInfo.base, off, bld.ConstInt(int64(instr.Size), ir.I32), tmp)
			} else {
				bld.Memcpy(blk, tmp, instr.Args[1], instr.Size)
			}
			if dstInfo != nil {
				off := offsetOrZero(f, bld, log, instr, dstInfo)
				callee := napi.PacketWrite
				if dstInfo.origin == OriginMap {
					callee = napi.MapWrite
				}
				bld.Call(blk, callee, ir.Void, dstInfo.base, off, bld.ConstInt(int64(instr.Size), ir.I32), tmp)
			} else {
				bld.Memcpy(blk, instr.Args[0], tmp, instr.Size)
			}
			blk.Remove(instr)
		}
	}
}

// rewriteCallArgs handles ordinary-call arguments that are packet/map
// pointer-flow tagged: classify per-argument ABI as read/write/both, stage
// through a fresh buffer, and insert the paired read/write calls.
func rewriteCallArgs(f *ir.Function, bld *ir.Builder, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	for _, blk := range f.Blocks() {
		for _, instr := range append([]*ir.Instr(nil), blk.Instrs...) {
			if instr.Op != ir.OpCall || napi.IsAPICall(instr.Callee) {
				continue
			}
			for idx, arg := range instr.Args {
				fi := info[arg.ID()]
				if fi == nil {
					continue
				}
				access := napi.ArgAccess(instr.Callee, idx)
				size := arg.Type().Size
				buf := bld.Alloca(blk, ir.I8, size, "mem2req.argbuf")
				off := offsetOrZero(f, bld, log, instr, fi)
				if access&1 != 0 { // MRReads
					callee := napi.PacketRead
					if fi.origin == OriginMap {
						callee = napi.MapRead
					}
					bld.Call(blk, callee, ir.Void, fi.base, off, bld.ConstInt(int64(size), ir.I32), buf)
				}
				instr.Args[idx] = buf
				if access&2 != 0 { // MRWrites
					callee := napi.PacketWrite
					if fi.origin == OriginMap {
						callee = napi.MapWrite
					}
					bld.Call(blk, callee, ir.Void, fi.base, off, bld.ConstInt(int64(size), ir.I32), buf)
				}
			}
		}
	}
}

// rewriteComparisons implements the icmp/sub terminators of pointer
// flow: a packet-vs-packet comparison (bounds checks) or pointer
// subtraction becomes the equivalent comparison/subtraction of the two
// sides' integer offsets; a map-vs-null comparison becomes a
// comparison of the map_lookup's dummy presence result against zero.
func rewriteComparisons(f *ir.Function, bld *ir.Builder, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	for _, blk := range f.Blocks() {
		for _, instr := range append([]*ir.Instr(nil), blk.Instrs...) {
			if len(instr.Args) < 2 {
				continue
			}
			switch instr.Op {
			case ir.OpICmp:
				rewriteICmp(f, bld, instr, info, log)
			case ir.OpSub:
				rewriteSub(f, instr, info, log)
			}
		}
	}
}

func rewriteICmp(f *ir.Function, bld *ir.Builder, instr *ir.Instr, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	lhs, rhs := info[instr.Args[0].ID()], info[instr.Args[1].ID()]
	if lhs == nil && rhs == nil {
		return
	}
	if lhs != nil && rhs != nil {
		if lhs.origin != rhs.origin {
			log.Emit(diag.MalformedInput(f.Name, instrString(instr), "icmp compares packet flow against map flow"))
			return
		}
		if lhs.origin == OriginPacket {
			instr.Args[0], instr.Args[1] = offsetOrZero(f, bld, log, instr, lhs), offsetOrZero(f, bld, log, instr, rhs)
		} else {
			instr.Args[0], instr.Args[1] = lhs.dummyResult, rhs.dummyResult
		}
		return
	}

	// Exactly one side carries flow: the classic `ptr == null` (map
	// presence) or `ptr >= packet_end` (bounds check) shape.
	tagged, taggedLHS := lhs, true
	if tagged == nil {
		tagged, taggedLHS = rhs, false
	}
	switch tagged.origin {
	case OriginPacket:
		off := offsetOrZero(f, bld, log, instr, tagged)
		if taggedLHS {
			instr.Args[0] = off
		} else {
			instr.Args[1] = off
		}
	case OriginMap:
		if instr.Pred != ir.ICmpEQ && instr.Pred != ir.ICmpNE {
			log.Emit(diag.UnsupportedPattern(f.Name, instrString(instr), "map-presence comparison uses a predicate other than eq/ne"))
			return
		}
		zero := bld.ConstInt(0, tagged.dummyResult.Type())
		if taggedLHS {
			instr.Args[0], instr.Args[1] = tagged.dummyResult, zero
		} else {
			instr.Args[0], instr.Args[1] = zero, tagged.dummyResult
		}
	}
}

func rewriteSub(f *ir.Function, instr *ir.Instr, info map[ir.ValueID]*flowInfo, log *diag.Logger) {
	lhs, rhs := info[instr.Args[0].ID()], info[instr.Args[1].ID()]
	if lhs == nil || rhs == nil {
		return
	}
	if lhs.origin != rhs.origin || lhs.origin != OriginPacket {
		log.Emit(diag.UnsupportedPattern(f.Name, instrString(instr), "pointer subtraction over non-packet or mixed-origin operands"))
		return
	}
	if lhs.offsetInt == nil || rhs.offsetInt == nil {
		return
	}
	instr.Args[0], instr.Args[1] = lhs.offsetInt, rhs.offsetInt
}

// replaceUses substitutes every operand reference to old with replacement
// across the whole function (a simple linear scan; the pass runs once
// per function so this is not on a hot path).
func replaceUses(f *ir.Function, old, replacement ir.Value) {
	for _, blk := range f.Blocks() {
		for _, instr := range blk.Instrs {
			for i, a := range instr.Args {
				if a.ID() == old.ID() {
					instr.Args[i] = replacement
				}
			}
			if instr.Cond != nil && instr.Cond.ID() == old.ID() {
				instr.Cond = replacement
			}
			if instr.SwitchOn != nil && instr.SwitchOn.ID() == old.ID() {
				instr.SwitchOn = replacement
			}
			if instr.RetVal != nil && instr.RetVal.ID() == old.ID() {
				instr.RetVal = replacement
			}
			for i, in := range instr.Incoming {
				if in.Value.ID() == old.ID() {
					instr.Incoming[i].Value = replacement
				}
			}
		}
	}
}
