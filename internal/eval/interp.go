// Package eval is a reference evaluator: a tree-walking interpreter
// over ir.Function that can execute a kernel — converged or not,
// flattened or not — against a byte-slice packet and a map-state
// snapshot, recording the sequence of packet/map accesses it performs.
// Comparing the resulting Trace before and after a transformation is
// how idempotence and semantic-preservation are checked without a real
// hardware or RTL simulator.
package eval

import (
	"encoding/binary"
	"fmt"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// maxSteps bounds runaway interpretation (a malformed or still-looping
// pre-Flatten function); hitting it is reported as a best-effort
// fallback rather than a hang.
const maxSteps = 1 << 20

// ptr is the runtime representation of any pointer-typed SSA value:
// a symbolic region name plus a byte offset into it. Regions are never
// numeric addresses — this interpreter never needs real memory layout,
// only which bytes a Load/Store/Memcpy touches.
type ptr struct {
	region string
	offset int64
}

// cell is the runtime representation of one SSA value: either a plain
// integer (covers ints and bools) or a pointer.
type cell struct {
	isPtr bool
	i     int64
	p     ptr
}

// Packet is the mutable byte-slice state a kernel reads from and
// writes to across one invocation.
type Packet struct {
	Data []byte
}

// MapState is a snapshot of every map the kernel accesses, keyed by the
// symbolic region name the interpreter assigns to that map's root
// pointer argument.
type MapState map[string]map[int64][]byte

// Result is everything one Run produced.
type Result struct {
	Packet  Packet
	Maps    MapState
	Trace   Trace
	Dropped bool
	RetVal  int64
	HasRet  bool
}

// Interp executes one ir.Function against caller-supplied packet and
// map state.
type Interp struct {
	regions map[string][]byte
	maps    MapState
	vals    map[ir.ValueID]cell
	packet  *Packet
	trace   Trace
	dropped bool
	log     *diag.Logger
	inBoard  *ChannelBoard // non-nil only when interpreting a synthesized stage function
	outBoard *ChannelBoard
}

// Run interprets f starting at its entry block. packetArgIndex names
// which formal argument is the kernel's packet pointer; every other pointer
// argument is treated as a distinct map root.
func Run(f *ir.Function, packetArgIndex int, packet []byte, maps MapState, log *diag.Logger) (*Result, error) {
	return runFunc(f, packetArgIndex, packet, maps, nil, nil, log)
}

// RunStage interprets a pipeline stage function synthesized by
// internal/pipeline.BuildStageFunc, routing its channel_try_read/
// thread_wait calls through inBoard and its channel_write calls
// through outBoard instead of logging them as opaque
// calls. inBoard and outBoard are typically the same ChannelBoard
// object the previous/next stage was given as its outBoard/inBoard, so
// a write by stage i becomes visible to a try-read by stage i+1.
func RunStage(f *ir.Function, packet []byte, maps MapState, inBoard, outBoard *ChannelBoard, log *diag.Logger) (*Result, error) {
	return runFunc(f, 1, packet, maps, inBoard, outBoard, log)
}

func runFunc(f *ir.Function, packetArgIndex int, packet []byte, maps MapState, inBoard, outBoard *ChannelBoard, log *diag.Logger) (*Result, error) {
	in := &Interp{
		regions: map[string][]byte{},
		maps:    maps,
		vals:    map[ir.ValueID]cell{},
		packet:  &Packet{Data: append([]byte(nil), packet...)},
		log:      log,
		inBoard:  inBoard,
		outBoard: outBoard,
	}
	if in.maps == nil {
		in.maps = MapState{}
	}

	for i, a := range f.Args {
		if !a.Type().IsPointer() {
			continue
		}
		region := fmt.Sprintf("arg:%d", i)
		if i == packetArgIndex {
			region = "packet"
		} else {
			in.maps[region] = in.maps[region]
		}
		in.vals[a.ID()] = cell{isPtr: true, p: ptr{region: region}}
	}

	retCell, hasRet, err := in.run(f)
	if err != nil {
		return nil, err
	}

	return &Result{
		Packet:  *in.packet,
		Maps:    in.maps,
		Trace:   in.trace,
		Dropped: in.dropped,
		RetVal:  retCell.i,
		HasRet:  hasRet,
	}, nil
}

func (in *Interp) run(f *ir.Function) (cell, bool, error) {
	cur := f.Entry
	var prev ir.BlockID

	for steps := 0; ; steps++ {
		if steps > maxSteps {
			in.log.Emit(diag.BestEffort(f.Name, "", "interpretation exceeded the step budget; truncating trace"))
			return cell{}, false, nil
		}
		blk := f.Block(cur)
		if blk == nil {
			return cell{}, false, fmt.Errorf("eval: function %q has no block %d", f.Name, cur)
		}

		for _, instr := range blk.Instrs {
			if instr.Op == ir.OpPhi {
				in.vals[instr.ID()] = in.phiValue(instr, prev)
				continue
			}
			if instr.Op.IsTerminator() {
				next, retCell, done, err := in.step(f, instr)
				if err != nil || done {
					return retCell, done, err
				}
				prev, cur = cur, next
				goto nextBlock
			}
			in.vals[instr.ID()] = in.exec(instr)
		}
		return cell{}, false, fmt.Errorf("eval: block %d in %q has no terminator", cur, f.Name)
	nextBlock:
	}
}

func (in *Interp) phiValue(instr *ir.Instr, from ir.BlockID) cell {
	for _, inc := range instr.Incoming {
		if inc.Block == from {
			return in.resolve(inc.Value)
		}
	}
	return cell{}
}

// step executes a terminator, returning either the next block to enter
// or a final return value.
func (in *Interp) step(f *ir.Function, instr *ir.Instr) (ir.BlockID, cell, bool, error) {
	switch instr.Op {
	case ir.OpBr:
		return instr.Target, cell{}, false, nil
	case ir.OpCondBr:
		if in.resolve(instr.Cond).i != 0 {
			return instr.TrueBlock, cell{}, false, nil
		}
		return instr.FalseBlock, cell{}, false, nil
	case ir.OpSwitch:
		on := in.resolve(instr.SwitchOn).i
		for _, c := range instr.Cases {
			if c.Value == on {
				return c.Dest, cell{}, false, nil
			}
		}
		return instr.Default, cell{}, false, nil
	case ir.OpReturn:
		if instr.RetVal == nil {
			return 0, cell{}, true, nil
		}
		return 0, in.resolve(instr.RetVal), true, nil
	case ir.OpUnreachable:
		return 0, cell{}, false, fmt.Errorf("eval: reached unreachable in %q", f.Name)
	}
	return 0, cell{}, false, fmt.Errorf("eval: unexpected terminator op %v", instr.Op)
}

func (in *Interp) resolve(v ir.Value) cell {
	if v == nil {
		return cell{}
	}
	switch t := v.(type) {
	case *ir.Const:
		if t.IsUndef {
			return cell{}
		}
		return cell{i: t.Int}
	default:
		if c, ok := in.vals[v.ID()]; ok {
			return c
		}
		return cell{}
	}
}

func (in *Interp) exec(instr *ir.Instr) cell {
	switch instr.Op {
	case ir.OpAdd:
		return cell{i: in.resolve(instr.Args[0]).i + in.resolve(instr.Args[1]).i}
	case ir.OpSub:
		return cell{i: in.resolve(instr.Args[0]).i - in.resolve(instr.Args[1]).i}
	case ir.OpMul:
		return cell{i: in.resolve(instr.Args[0]).i * in.resolve(instr.Args[1]).i}
	case ir.OpAnd:
		return cell{i: in.resolve(instr.Args[0]).i & in.resolve(instr.Args[1]).i}
	case ir.OpOr:
		return cell{i: in.resolve(instr.Args[0]).i | in.resolve(instr.Args[1]).i}
	case ir.OpXor:
		return cell{i: in.resolve(instr.Args[0]).i ^ in.resolve(instr.Args[1]).i}
	case ir.OpShl:
		return cell{i: in.resolve(instr.Args[0]).i << uint(in.resolve(instr.Args[1]).i)}
	case ir.OpShr:
		return cell{i: in.resolve(instr.Args[0]).i >> uint(in.resolve(instr.Args[1]).i)}
	case ir.OpICmp:
		return cell{i: boolToInt(in.icmp(instr))}
	case ir.OpTrunc, ir.OpZExt, ir.OpBitCast, ir.OpIntToPtr, ir.OpPtrToInt:
		return in.resolve(instr.Args[0])
	case ir.OpSelect:
		if in.resolve(instr.Args[0]).i != 0 {
			return in.resolve(instr.Args[1])
		}
		return in.resolve(instr.Args[2])
	case ir.OpGEP:
		base := in.resolve(instr.Args[0])
		off := instr.ConstOffset
		if instr.VarOffset != nil {
			off += in.resolve(instr.VarOffset).i
		}
		return cell{isPtr: true, p: ptr{region: base.p.region, offset: base.p.offset + off}}
	case ir.OpAlloca:
		region := fmt.Sprintf("alloca:%d", instr.ID())
		in.regions[region] = make([]byte, instr.AllocaSize)
		return cell{isPtr: true, p: ptr{region: region}}
	case ir.OpLoad:
		return cell{i: in.load(in.resolve(instr.Args[0]).p, instr.Size)}
	case ir.OpStore:
		in.store(in.resolve(instr.Args[0]).p, instr.Size, in.resolve(instr.Args[1]).i)
		return cell{}
	case ir.OpMemcpy:
		in.memcpy(in.resolve(instr.Args[0]).p, in.resolve(instr.Args[1]).p, instr.Size)
		return cell{}
	case ir.OpCall:
		return in.call(instr)
	}
	return cell{}
}

func (in *Interp) icmp(instr *ir.Instr) bool {
	l, r := in.resolve(instr.Args[0]).i, in.resolve(instr.Args[1]).i
	switch instr.Pred {
	case ir.ICmpEQ:
		return l == r
	case ir.ICmpNE:
		return l != r
	case ir.ICmpULT:
		return uint64(l) < uint64(r)
	case ir.ICmpULE:
		return uint64(l) <= uint64(r)
	case ir.ICmpUGT:
		return uint64(l) > uint64(r)
	case ir.ICmpUGE:
		return uint64(l) >= uint64(r)
	}
	return false
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (in *Interp) region(p ptr) []byte {
	if p.region == "packet" {
		return in.packet.Data
	}
	if r, ok := in.regions[p.region]; ok {
		return r
	}
	in.regions[p.region] = make([]byte, 0)
	return in.regions[p.region]
}

func (in *Interp) load(p ptr, size int) int64 {
	buf := in.region(p)
	end := p.offset + int64(size)
	if end > int64(len(buf)) {
		return 0
	}
	var b [8]byte
	copy(b[:], buf[p.offset:end])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func (in *Interp) store(p ptr, size int, val int64) {
	buf := in.growRegion(p, size)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(val))
	copy(buf[p.offset:p.offset+int64(size)], b[:size])
}

func (in *Interp) memcpy(dst, src ptr, size int) {
	srcBuf := in.region(src)
	out := in.growRegion(dst, size)
	end := src.offset + int64(size)
	if end > int64(len(srcBuf)) {
		end = int64(len(srcBuf))
	}
	if end > src.offset {
		copy(out[dst.offset:], srcBuf[src.offset:end])
	}
}

func (in *Interp) growRegion(p ptr, size int) []byte {
	if p.region == "packet" {
		need := p.offset + int64(size)
		if need > int64(len(in.packet.Data)) {
			in.packet.Data = append(in.packet.Data, make([]byte, need-int64(len(in.packet.Data)))...)
		}
		return in.packet.Data
	}
	buf := in.regions[p.region]
	need := p.offset + int64(size)
	if need > int64(len(buf)) {
		buf = append(buf, make([]byte, need-int64(len(buf)))...)
		in.regions[p.region] = buf
	}
	return buf
}

// spliceResize inserts delta zero bytes at offset (delta > 0) or
// removes -delta bytes starting at offset (delta < 0), shifting the
// remainder of the packet accordingly. offset outside the current
// packet is clamped to the nearest end rather than rejected, since a
// kernel resizing a packet it has already truncated is not malformed.
func (in *Interp) spliceResize(offset, delta int64) {
	data := in.packet.Data
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	switch {
	case delta > 0:
		grown := make([]byte, int64(len(data))+delta)
		copy(grown, data[:offset])
		copy(grown[offset+delta:], data[offset:])
		in.packet.Data = grown
	case delta < 0:
		n := -delta
		end := offset + n
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		shrunk := append([]byte(nil), data[:offset]...)
		shrunk = append(shrunk, data[end:]...)
		in.packet.Data = shrunk
	}
}

// mapOp implements map_op/map_op_receive: Args are
// [mapID, keyPtr, kind, keySize, value, valueSize]. The key is packed
// from its first 8 bytes (big-endian) into MapState's int64 key space;
// reads and writes move at most 8 bytes between that space and the
// scalar value operand.
func (in *Interp) mapOp(instr *ir.Instr, args func(int) cell) cell {
	kind := napi.MapAccessKind(args(2).i)
	if kind == napi.AccessNop {
		return cell{}
	}

	base := args(0).p
	keySize := int(args(3).i)
	key := keyToInt(in.readBytes(args(1).p, keySize))
	m := in.mapFor(base.region)

	switch kind {
	case napi.AccessRead:
		valueSize := int(args(5).i)
		var b [8]byte
		copy(b[:], m[key])
		v := int64(binary.LittleEndian.Uint64(b[:]))
		in.trace = append(in.trace, Event{Kind: "map_op_read", Offset: key, Length: int64(valueSize)})
		return cell{i: v}

	case napi.AccessWrite, napi.AccessInsert:
		valueSize := int(args(5).i)
		if valueSize > 8 {
			valueSize = 8
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(args(4).i))
		m[key] = append([]byte(nil), b[:valueSize]...)
		in.trace = append(in.trace, Event{Kind: "map_op_write", Offset: key, Length: int64(valueSize)})
		return cell{}

	case napi.AccessRemove:
		delete(m, key)
		in.trace = append(in.trace, Event{Kind: "map_op_remove", Offset: key})
		return cell{}
	}
	return cell{}
}

// readBytes copies size bytes out of p's region, clamped to what the
// region actually holds.
func (in *Interp) readBytes(p ptr, size int) []byte {
	buf := in.region(p)
	end := p.offset + int64(size)
	if end > int64(len(buf)) {
		end = int64(len(buf))
	}
	if end <= p.offset {
		return nil
	}
	return append([]byte(nil), buf[p.offset:end]...)
}

// keyToInt packs up to the first 8 bytes of key, big-endian, into
// MapState's int64 key space.
func keyToInt(key []byte) int64 {
	var b [8]byte
	n := len(key)
	if n > 8 {
		n = 8
	}
	copy(b[8-n:], key[:n])
	return int64(binary.BigEndian.Uint64(b[:]))
}

func (in *Interp) mapFor(region string) map[int64][]byte {
	m := in.maps[region]
	if m == nil {
		m = map[int64][]byte{}
		in.maps[region] = m
	}
	return m
}

func (in *Interp) call(instr *ir.Instr) cell {
	args := func(i int) cell {
		if i >= len(instr.Args) {
			return cell{}
		}
		return in.resolve(instr.Args[i])
	}

	switch instr.Callee {
	case napi.PacketRead:
		off, size, buf := args(1).i, int(args(2).i), args(3).p
		data := in.packet.Data
		end := off + int64(size)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		n := int64(0)
		if end > off {
			n = end - off
			out := in.growRegion(buf, size)
			copy(out[buf.offset:], data[off:end])
		}
		in.trace = append(in.trace, Event{Kind: "packet_read", Offset: off, Length: n})
		return cell{i: n}

	case napi.PacketWrite, napi.PacketWriteMasked:
		off, size, buf := args(1).i, int(args(2).i), args(3).p
		src := in.region(buf)
		end := buf.offset + int64(size)
		if end > int64(len(src)) {
			end = int64(len(src))
		}
		out := in.growRegion(ptr{region: "packet"}, 0)
		need := off + int64(size)
		if need > int64(len(out)) {
			in.packet.Data = append(in.packet.Data, make([]byte, need-int64(len(out)))...)
		}
		if end > buf.offset {
			copy(in.packet.Data[off:], src[buf.offset:end])
		}
		in.trace = append(in.trace, Event{Kind: instr.Callee, Offset: off, Length: int64(size)})
		return cell{}

	case napi.PacketBoundedLength:
		n := int64(len(in.packet.Data))
		in.trace = append(in.trace, Event{Kind: "packet_bounded_length", Length: n})
		return cell{i: n}

	case napi.PacketResizeIngress:
		// The ingress tap performs the actual splice and hands its
		// delta forward as the cword; egress, operating on the
		// stage-local copy downstream of the tap in a split
		// pipeline, has nothing left to do here since ingress and
		// egress run in the same function in this unsplit model.
		offset, delta := args(1).i, args(2).i
		in.spliceResize(offset, delta)
		in.trace = append(in.trace, Event{Kind: instr.Callee, Offset: offset, Length: delta})
		return cell{i: delta}

	case napi.PacketResizeEgress:
		offset, delta := args(1).i, args(2).i
		in.trace = append(in.trace, Event{Kind: instr.Callee, Offset: offset, Length: delta})
		return cell{}

	case napi.PacketDrop:
		in.dropped = true
		in.trace = append(in.trace, Event{Kind: "packet_drop", Value: args(1).i})
		return cell{}

	case napi.MapRead:
		base, off, size, buf := args(0).p, args(1).i, int(args(2).i), args(3).p
		m := in.mapFor(base.region)
		stored := m[off]
		out := in.growRegion(buf, size)
		copy(out[buf.offset:], stored)
		in.trace = append(in.trace, Event{Kind: "map_read", Offset: off, Length: int64(size)})
		return cell{i: int64(len(stored))}

	case napi.MapWrite:
		base, off, size, buf := args(0).p, args(1).i, int(args(2).i), args(3).p
		src := in.region(buf)
		end := buf.offset + int64(size)
		if end > int64(len(src)) {
			end = int64(len(src))
		}
		data := append([]byte(nil), src[buf.offset:end]...)
		in.mapFor(base.region)[off] = data
		in.trace = append(in.trace, Event{Kind: "map_write", Offset: off, Length: int64(size)})
		return cell{}

	case napi.MapOp, napi.MapOpReceive:
		return in.mapOp(instr, args)

	case napi.MapOpSend:
		in.trace = append(in.trace, Event{Kind: instr.Callee})
		return cell{}

	case channelTryRead:
		if in.inBoard == nil {
			return cell{i: 1}
		}
		port := int(args(1).i)
		v, ok := in.inBoard.TryRead(port)
		if ok {
			buf := args(2).p
			out := in.growRegion(buf, 8)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(v))
			copy(out[buf.offset:], b[:])
		}
		in.trace = append(in.trace, Event{Kind: "channel_try_read", Offset: int64(port), Value: boolToInt(ok)})
		return cell{i: boolToInt(ok)}

	case channelWrite:
		if in.outBoard == nil {
			return cell{}
		}
		port := int(args(1).i)
		payload := args(len(instr.Args) - 1)
		v := payload.i
		if payload.isPtr {
			v = in.load(payload.p, 8)
		}
		in.outBoard.Write(port, v)
		in.trace = append(in.trace, Event{Kind: "channel_write", Offset: int64(port), Value: v})
		return cell{}

	case threadWait:
		if in.inBoard != nil {
			in.inBoard.Wait()
		}
		in.trace = append(in.trace, Event{Kind: "thread_wait"})
		return cell{}

	default:
		in.trace = append(in.trace, Event{Kind: "call:" + instr.Callee})
		return cell{}
	}
}
