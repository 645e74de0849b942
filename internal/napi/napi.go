// Package napi is the consumed Nanotube API surface: for
// each intrinsic, its name, semantic argument indices, mod/ref behavior,
// and — for sized accesses — which argument carries the length and
// whether that length is in bits or bytes.
package napi

import "github.com/nanotube/pipeliner/internal/ir"

// Kind classifies a Nanotube API call.
type Kind int

const (
	KindPacket Kind = iota
	KindMap
	KindSetup
	KindStdIntrinsic
)

// LengthUnit says whether a sized-access operand is measured in bits or
// bytes.
type LengthUnit int

const (
	LengthBytes LengthUnit = iota
	LengthBits
)

// MapAccessKind is the access kind carried by map_op family calls.
type MapAccessKind int

const (
	AccessRead MapAccessKind = iota
	AccessWrite
	AccessInsert
	AccessRemove
	AccessNop
)

// Descriptor is everything a pass needs to know about one intrinsic.
type Descriptor struct {
	Name      string
	Kind      Kind
	ModRef    ir.ModRefBits
	LengthArg int // index into Instr.Args, or -1 if not a sized access
	Unit      LengthUnit
	// MapIDArg/KeyArg index the map-id / key operand for map calls.
	MapIDArg int
	KeyArg    int
	// ArgAccess reports per-argument mod/ref for pointer arguments
	// passed into the call (consumed by mem2req's call-argument
	// rewriting).
	ArgAccess map[int]ir.ModRefBits
	// SplitsStage reports whether this call is one of the API calls
	// that ends a pipeline stage.
	SplitsStage bool
}

// Names of every recognized Nanotube intrinsic.
const (
	PacketData           = "packet_data"
	PacketEnd             = "packet_end"
	PacketRead            = "packet_read"
	PacketWrite           = "packet_write"
	PacketWriteMasked     = "packet_write_masked"
	PacketBoundedLength   = "packet_bounded_length"
	PacketResizeIngress   = "packet_resize_ingress"
	PacketResizeEgress    = "packet_resize_egress"
	PacketDrop            = "packet_drop"
	MapLookup             = "map_lookup"
	MapOp                 = "map_op"
	MapOpSend             = "map_op_send"
	MapOpReceive          = "map_op_receive"
	MapCreate             = "map_create"
	MapRead               = "map_read"
	MapWrite              = "map_write"
	ContextAddMap         = "context_add_map"
	ChannelCreate         = "channel_create"
	ChannelSetAttr        = "channel_set_attr"
	ChannelExport         = "channel_export"
	ContextAddChannel     = "context_add_channel"
	ThreadCreate          = "thread_create"
	ContextCreate         = "context_create"
	TapMapCreate          = "tap_map_create"
	TapMapAddClient       = "tap_map_add_client"
	TapMapBuild           = "tap_map_build"

	LLVMMemcpy        = "llvm.memcpy"
	LLVMMemset        = "llvm.memset"
	LLVMStacksave     = "llvm.stacksave"
	LLVMStackrestore  = "llvm.stackrestore"
	LLVMLifetimeStart = "llvm.lifetime.start"
	LLVMLifetimeEnd   = "llvm.lifetime.end"
)

// Intrinsics is the static registry consumed by every pass.
var Intrinsics = map[string]Descriptor{
	PacketData:  {Name: PacketData, Kind: KindPacket, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: -1},
	PacketEnd:   {Name: PacketEnd, Kind: KindPacket, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: -1},
	PacketRead:  {Name: PacketRead, Kind: KindPacket, ModRef: ir.MRReads | ir.MRWrites | ir.MROnlyArgs, LengthArg: 2, Unit: LengthBytes, SplitsStage: true},
	PacketWrite: {Name: PacketWrite, Kind: KindPacket, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: 2, Unit: LengthBytes, SplitsStage: true},
	PacketWriteMasked: {Name: PacketWriteMasked, Kind: KindPacket, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: 2, Unit: LengthBytes, SplitsStage: true},
	PacketBoundedLength: {Name: PacketBoundedLength, Kind: KindPacket, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: -1, SplitsStage: true},
	PacketResizeIngress: {Name: PacketResizeIngress, Kind: KindPacket, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: 1, Unit: LengthBytes, SplitsStage: true},
	PacketResizeEgress:  {Name: PacketResizeEgress, Kind: KindPacket, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: -1, SplitsStage: true},
	PacketDrop:           {Name: PacketDrop, Kind: KindPacket, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: -1, SplitsStage: true},

	MapLookup:    {Name: MapLookup, Kind: KindMap, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: -1, MapIDArg: 0, KeyArg: 1},
	MapOp:        {Name: MapOp, Kind: KindMap, ModRef: ir.MRReads | ir.MRWrites | ir.MROnlyArgs, LengthArg: -1, MapIDArg: 0, KeyArg: 1},
	MapOpSend:    {Name: MapOpSend, Kind: KindMap, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: -1, MapIDArg: 0, KeyArg: 1, SplitsStage: false},
	MapOpReceive: {Name: MapOpReceive, Kind: KindMap, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: -1, MapIDArg: 0, SplitsStage: true},
	MapCreate:       {Name: MapCreate, Kind: KindSetup},
	MapRead:         {Name: MapRead, Kind: KindMap, ModRef: ir.MRReads | ir.MROnlyArgs, LengthArg: 3, Unit: LengthBytes, MapIDArg: 0},
	MapWrite:        {Name: MapWrite, Kind: KindMap, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: 3, Unit: LengthBytes, MapIDArg: 0},
	ContextAddMap:   {Name: ContextAddMap, Kind: KindSetup},
	ChannelCreate:   {Name: ChannelCreate, Kind: KindSetup},
	ChannelSetAttr:  {Name: ChannelSetAttr, Kind: KindSetup},
	ChannelExport:   {Name: ChannelExport, Kind: KindSetup},
	ContextAddChannel: {Name: ContextAddChannel, Kind: KindSetup},
	ThreadCreate:      {Name: ThreadCreate, Kind: KindSetup},
	ContextCreate:     {Name: ContextCreate, Kind: KindSetup},
	TapMapCreate:      {Name: TapMapCreate, Kind: KindSetup},
	TapMapAddClient:   {Name: TapMapAddClient, Kind: KindSetup},
	TapMapBuild:       {Name: TapMapBuild, Kind: KindSetup},

	LLVMMemcpy:        {Name: LLVMMemcpy, Kind: KindStdIntrinsic, ModRef: ir.MRReads | ir.MRWrites | ir.MROnlyArgs, LengthArg: 2, Unit: LengthBytes},
	LLVMMemset:        {Name: LLVMMemset, Kind: KindStdIntrinsic, ModRef: ir.MRWrites | ir.MROnlyArgs, LengthArg: 2, Unit: LengthBytes},
	LLVMStacksave:     {Name: LLVMStacksave, Kind: KindStdIntrinsic, ModRef: ir.MROnlyInaccessible},
	LLVMStackrestore:  {Name: LLVMStackrestore, Kind: KindStdIntrinsic, ModRef: ir.MROnlyInaccessible},
	LLVMLifetimeStart: {Name: LLVMLifetimeStart, Kind: KindStdIntrinsic, ModRef: ir.MROnlyInaccessible},
	LLVMLifetimeEnd:   {Name: LLVMLifetimeEnd, Kind: KindStdIntrinsic, ModRef: ir.MROnlyInaccessible},
}

// IsAPICall reports whether callee names a packet or map intrinsic.
func IsAPICall(callee string) bool {
	d, ok := Intrinsics[callee]
	return ok && (d.Kind == KindPacket || d.Kind == KindMap)
}

// IsIgnoredForEffects reports the intrinsics Liveness ignores when
// computing memory effects.
func IsIgnoredForEffects(callee string) bool {
	switch callee {
	case LLVMLifetimeStart, LLVMLifetimeEnd, LLVMStacksave, LLVMStackrestore, "printf", "assert_fail":
		return true
	}
	return false
}

// SplitsStage reports whether callee is one of the API calls that ends
// a pipeline stage.
func SplitsStage(callee string) bool {
	d, ok := Intrinsics[callee]
	return ok && d.SplitsStage
}

// ModRefBehavior looks up a callee's aggregate mod/ref bits, defaulting
// to the conservative "anywhere" fallback for unrecognized callees.
func ModRefBehavior(callee string) ir.ModRefBits {
	if d, ok := Intrinsics[callee]; ok {
		return d.ModRef
	}
	return ir.MRReads | ir.MRWrites | ir.MRAnywhere
}

// KindOf reports the intrinsic kind for callee, for reports that break
// down API-call counts by kind.
func KindOf(callee string) (Kind, bool) {
	d, ok := Intrinsics[callee]
	if !ok {
		return 0, false
	}
	return d.Kind, true
}

// ArgAccess reports per-argument ModRef bits for callee's argument idx.
func ArgAccess(callee string, idx int) ir.ModRefBits {
	d, ok := Intrinsics[callee]
	if !ok {
		return ir.MRReads | ir.MRWrites
	}
	if bits, ok := d.ArgAccess[idx]; ok {
		return bits
	}
	return d.ModRef
}
