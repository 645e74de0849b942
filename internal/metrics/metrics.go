// Package metrics computes code metrics over a packet kernel function:
// basic block count, dominator-tree depth, and API-call counts by
// kind. This module adds an estimated Convergence Access Block count,
// since Converge's own planning step (internal/converge.PlanOnly) can
// answer that question directly without a separate walk.
package metrics

import (
	"github.com/nanotube/pipeliner/internal/converge"
	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// Report is the code-metrics summary for one kernel function.
type Report struct {
	Function string

	BlockCount      int
	MaxDomDepth     int
	MaxPostDomDepth int

	// APICallsByKind counts calls per napi.Kind, keyed by the kind's
	// int value (napi.KindPacket, napi.KindMap, ...).
	APICallsByKind map[napi.Kind]int
	TotalAPICalls  int

	// AliasQueries is the number of pairwise alias queries a full
	// memory-liveness pass over this function would issue: one per
	// (memory-touching instruction, visible sized alloca) pair, the
	// same count internal/liveness's pre-filter sits in front of.
	AliasQueries int

	// EstimatedCABs is Converge's own merge-set count from a dry-run
	// of its planning step, without mutating the function.
	EstimatedCABs int
}

// Compute walks fn once to build the report. It builds no
// AliasAnalysis: the alias-query count is a static estimate (sized
// allocas times memory-touching instructions) rather than a live query
// count.
func Compute(fn *ir.Function, log *diag.Logger) Report {
	r := Report{
		Function:       fn.Name,
		APICallsByKind: map[napi.Kind]int{},
	}

	blocks := fn.Blocks()
	r.BlockCount = len(blocks)

	dt := ir.NewDomTree(fn)
	pdt := ir.NewPostDomTree(fn)
	r.MaxDomDepth = treeDepth(dt, fn)
	r.MaxPostDomDepth = treeDepth(pdt, fn)

	allocaCount := 0
	memTouching := 0
	for _, instr := range fn.AllInstrs() {
		if instr.Op == ir.OpAlloca && instr.AllocaSize > 0 {
			allocaCount++
		}
		switch instr.Op {
		case ir.OpLoad, ir.OpStore, ir.OpMemcpy:
			memTouching++
		case ir.OpCall:
			memTouching++
			if kind, ok := napi.KindOf(instr.Callee); ok {
				r.APICallsByKind[kind]++
				r.TotalAPICalls++
			}
		}
	}
	r.AliasQueries = allocaCount * memTouching

	r.EstimatedCABs = converge.PlanOnly(fn, log).MergeSets

	return r
}

// treeDepth returns the longest root-to-leaf path length in dt, walking
// dt.Children depth-first from every tree root: a block that is its own
// immediate (post-)dominator (fn.Entry for a dominator tree, the first
// exit block for a post-dominator tree) or that has none recorded.
func treeDepth(dt *ir.DomTree, fn *ir.Function) int {
	depth := map[ir.BlockID]int{}
	var roots []ir.BlockID
	for _, b := range fn.Blocks() {
		if p, ok := dt.IDom(b.ID()); !ok || p == b.ID() {
			roots = append(roots, b.ID())
		}
	}

	max := 0
	var walk func(b ir.BlockID, d int)
	walk = func(b ir.BlockID, d int) {
		if prev, seen := depth[b]; seen && prev >= d {
			return
		}
		depth[b] = d
		if d > max {
			max = d
		}
		for _, c := range dt.Children(b) {
			walk(c, d+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return max
}
