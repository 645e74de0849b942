// Package pipeline implements the Pipeline pass: split a
// converged, mem2req'd kernel into independently threaded stage
// functions connected by SPSC channels, with live application state
// marshalled across stage boundaries.
package pipeline

import (
	"github.com/nanotube/pipeliner/internal/bus"
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
)

// Port is the fixed channel-port numbering every stage context uses.
type Port int

const (
	PortPacketsIn Port = iota
	PortPacketsOut
	PortStateIn
	PortStateOut
	PortCwordIn
	PortCwordOut
	PortMapReq
	PortMapResp
)

// SplitKind identifies which API call ended a stage.
type SplitKind int

const (
	SplitNone SplitKind = iota // final stage, ends on a bare return
	SplitPacketRead
	SplitPacketWrite
	SplitPacketWriteMasked
	SplitPacketBoundedLength
	SplitResizeIngress
	SplitResizeEgress
	SplitMapOpReceive
	SplitPacketDrop
	SplitReturn
)

// Stage is one [start, end] slice of the original kernel's basic
// blocks, destined to become its own stage function.
type Stage struct {
	Index      int
	Blocks     []ir.BlockID
	SplitCall  *ir.Instr // the instruction that ends this stage, nil for a bare-return-only final stage
	SplitKind  SplitKind
	LiveInVals []ir.ValueID
	LiveInLocs []*ir.Instr
	LiveOutVals []ir.ValueID
	LiveOutLocs []*ir.Instr

	// Func is the synthesized stage function.
	Func *ir.Function
}

// ChannelKind classifies one inter-stage SPSC channel.
type ChannelKind int

const (
	ChannelPacket ChannelKind = iota
	ChannelState
	ChannelCword
	ChannelMapReq
	ChannelMapResp
)

// ChannelSpec describes one SPSC channel created by stage wiring.
type ChannelSpec struct {
	Name       string
	Kind       ChannelKind
	WidthBytes int
	Depth      int
	From, To   int // stage indices; From == -1 for the kernel's exported input, To == -1 for its exported output
}

// TapClient is one (request, response) stage pair sharing a map ID.
type TapClient struct {
	MapID         int64
	RequestStage  int
	ResponseStage int
}

// ThreadSpec is one stage thread binding.
type ThreadSpec struct {
	StageIndex int
	Context    string
}

// Result is everything the Pipeline pass produces.
type Result struct {
	Stages   []*Stage
	Channels []ChannelSpec
	Taps     []TapClient
	Threads  []ThreadSpec
}

// Run executes the full Pipeline pass over f: pre-processing, stage
// determination, live-state layout, per-stage function synthesis, and
// top-level wiring.
func Run(f *ir.Function, geom bus.Geometry, log *diag.Logger) *Result {
	Preprocess(f, log)
	aa := ir.NewAliasAnalysis(f)

	stages := DetermineStages(f, log)
	ComputeLiveState(f, stages, aa, log)

	for _, st := range stages {
		st.Func = BuildStageFunc(f, st, geom, log)
	}

	r := &Result{Stages: stages}
	WireStages(f, r, geom)
	return r
}
