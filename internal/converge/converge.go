// Package converge implements the Converge pass: it
// walks a kernel function's CFG and places every Nanotube API call
// into a Convergence Access Block (CAB) such that no control-flow edge
// bypasses a CAB, while preserving SSA legality and relative ordering
// of calls that cannot be merged.
package converge

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
	"github.com/nanotube/pipeliner/internal/napi"
)

// Access is one recorded API call within a basic block.
type Access struct {
	Instr *ir.Instr
	Block ir.BlockID
	MapID int64 // valid only for map calls; resolved from a constant arg
	IsMap bool

	// cur is the block Instr currently lives in once an earlier CAB has
	// split its original block and relocated it as a dummy access (see
	// 4.2.3). Zero (InvalidBlockID) until the first such move.
	cur ir.BlockID
}

// at returns the block Instr currently lives in.
func (a *Access) at() ir.BlockID {
	if a.cur != ir.InvalidBlockID {
		return a.cur
	}
	return a.Block
}

func (a *Access) moveTo(b ir.BlockID) { a.cur = b }

// Stats is the `converge-stats` diagnostic summary: merge potential per
// plan step.
type Stats struct {
	MergeSets     int
	TotalAccesses int
	LargestMerge  int
}

// Run performs Converge on f in place and returns the accumulated
// converge-stats summary.
func Run(f *ir.Function, log *diag.Logger) Stats {
	accesses := recordAccesses(f)
	reduced := reducedCFG(f, accesses)
	tail := tailLengths(reduced)
	steps := buildPlan(f, accesses, reduced, tail, log)

	bld := ir.NewBuilder(f)
	dom := ir.NewDomTree(f)
	postDom := ir.NewPostDomTree(f)

	stats := Stats{}
	var cabs []*cabInfo
	for _, st := range steps {
		if len(st.frontier) == 0 {
			continue
		}
		stats.MergeSets++
		stats.TotalAccesses += len(st.merge)
		if len(st.merge) > stats.LargestMerge {
			stats.LargestMerge = len(st.merge)
		}
		if c := executeMergeSet(f, bld, dom, postDom, st, log); c != nil {
			cabs = append(cabs, c)
		}
	}

	weave(f, bld, dom, postDom, cabs, log)
	repairDominance(f, bld, dom, postDom, log)
	unifyExits(f)
	removePointerPhis(f, bld, cabs, log)

	return stats
}

// PlanOnly runs the planning steps of Converge (access recording,
// reduced-CFG construction, tail-length memoization, merge-set
// planning) without executing any merge set or mutating f, so a
// caller can estimate the CAB count Converge would produce without
// committing to the rewrite. Used by internal/metrics' converge-stats
// report.
func PlanOnly(f *ir.Function, log *diag.Logger) Stats {
	accesses := recordAccesses(f)
	reduced := reducedCFG(f, accesses)
	tail := tailLengths(reduced)
	steps := buildPlan(f, accesses, reduced, tail, log)

	stats := Stats{}
	for _, st := range steps {
		stats.MergeSets++
		stats.TotalAccesses += len(st.merge)
		if len(st.merge) > stats.LargestMerge {
			stats.LargestMerge = len(st.merge)
		}
	}
	return stats
}

// recordAccesses lists every API call per BB in program order.
func recordAccesses(f *ir.Function) map[ir.BlockID][]*Access {
	out := make(map[ir.BlockID][]*Access)
	for _, b := range f.Blocks() {
		var accs []*Access
		for _, instr := range b.Instrs {
			if instr.Op != ir.OpCall || !napi.IsAPICall(instr.Callee) {
				continue
			}
			a := &Access{Instr: instr, Block: b.ID()}
			d := napi.Intrinsics[instr.Callee]
			if d.Kind == napi.KindMap && len(instr.Args) > d.MapIDArg {
				a.IsMap = true
				if c, ok := instr.Args[d.MapIDArg].(*ir.Const); ok {
					a.MapID = c.Int
				}
			}
			accs = append(accs, a)
		}
		if len(accs) > 0 {
			out[b.ID()] = accs
		}
	}
	return out
}

// reducedNode is one node of the reduced CFG.
type reducedNode struct {
	block ir.BlockID
	succs map[ir.BlockID]bool
}

// reducedCFG collapses BBs with no API calls by short-circuiting their
// predecessors to their successors (set product), preserving
// reachability modulo intermediate non-accessing blocks.
func reducedCFG(f *ir.Function, accesses map[ir.BlockID][]*Access) map[ir.BlockID]*reducedNode {
	reduced := make(map[ir.BlockID]*reducedNode)
	for _, b := range f.Blocks() {
		if _, has := accesses[b.ID()]; has {
			reduced[b.ID()] = &reducedNode{block: b.ID(), succs: map[ir.BlockID]bool{}}
		}
	}
	var walk func(start ir.BlockID, visited map[ir.BlockID]bool) []ir.BlockID
	walk = func(start ir.BlockID, visited map[ir.BlockID]bool) []ir.BlockID {
		b := f.Block(start)
		if b == nil {
			return nil
		}
		var out []ir.BlockID
		for _, s := range b.Succs {
			if _, has := accesses[s]; has {
				out = append(out, s)
				continue
			}
			if visited[s] {
				continue
			}
			visited[s] = true
			out = append(out, walk(s, visited)...)
		}
		return out
	}
	for id := range reduced {
		b := f.Block(id)
		for _, s := range b.Succs {
			if _, has := accesses[s]; has {
				reduced[id].succs[s] = true
				continue
			}
			for _, reachable := range walk(s, map[ir.BlockID]bool{s: true}) {
				reduced[id].succs[reachable] = true
			}
		}
	}
	return reduced
}

// tailLengths computes, for each reduced-CFG node, the maximum number of
// API calls on any path starting there, via reverse
// topological (memoized DFS) traversal.
func tailLengths(reduced map[ir.BlockID]*reducedNode) map[ir.BlockID]int {
	memo := make(map[ir.BlockID]int)
	var visit func(id ir.BlockID, onStack map[ir.BlockID]bool) int
	visit = func(id ir.BlockID, onStack map[ir.BlockID]bool) int {
		if v, ok := memo[id]; ok {
			return v
		}
		if onStack[id] {
			return 1 // cycle guard: count self once, do not recurse infinitely
		}
		onStack[id] = true
		best := 0
		n := reduced[id]
		for s := range n.succs {
			if v := visit(s, onStack); v > best {
				best = v
			}
		}
		onStack[id] = false
		memo[id] = best + 1
		return memo[id]
	}
	for id := range reduced {
		visit(id, map[ir.BlockID]bool{})
	}
	return memo
}

// MergeSet is the plan's unit: a set of API calls placed into one CAB.
type MergeSet []*Access

// planStep is one step of the plan: the full frontier candidate set at
// that point (every not-yet-exhausted frontier BB's next access) and
// the subset of it chosen to merge. Every frontier member not in merge
// still routes through the step's CAB as a dummy access (4.2.2, 4.2.3).
type planStep struct {
	frontier []*Access
	merge    MergeSet
}

// canConverge implements merge compatibility: same API
// kind, and for map ops same Map-ID + access kind, for packet
// reads/writes same length operand.
func canConverge(a, b *Access) bool {
	if a.Instr.Callee != b.Instr.Callee {
		return false
	}
	d := napi.Intrinsics[a.Instr.Callee]
	if d.Kind == napi.KindMap {
		if a.MapID != b.MapID {
			return false
		}
		switch a.Instr.Callee {
		case napi.MapOp, napi.MapOpSend, napi.MapOpReceive:
			// Args[2] carries the access kind (read/write/insert/remove/nop).
			if len(a.Instr.Args) <= 2 || len(b.Instr.Args) <= 2 {
				return false
			}
			return sameOperand(a.Instr.Args[2], b.Instr.Args[2])
		}
		return true
	}
	if d.LengthArg >= 0 {
		if len(a.Instr.Args) <= d.LengthArg || len(b.Instr.Args) <= d.LengthArg {
			return false
		}
		return sameOperand(a.Instr.Args[d.LengthArg], b.Instr.Args[d.LengthArg])
	}
	return true
}

func sameOperand(x, y ir.Value) bool {
	if x.ID() != ir.InvalidValueID && x.ID() == y.ID() {
		return true
	}
	cx, okx := x.(*ir.Const)
	cy, oky := y.(*ir.Const)
	return okx && oky && cx.Int == cy.Int
}

// buildPlan performs the forward-traversal frontier algorithm that
// greedily merges compatible accesses at the CFG frontier.
func buildPlan(f *ir.Function, accesses map[ir.BlockID][]*Access, reduced map[ir.BlockID]*reducedNode, tail map[ir.BlockID]int, log *diag.Logger) []planStep {
	cursor := make(map[ir.BlockID]int) // next unmerged access index per BB
	// ready[bb] counts how many reduced-CFG predecessors still owe a visit
	ready := make(map[ir.BlockID]int)
	preds := make(map[ir.BlockID][]ir.BlockID)
	for id, n := range reduced {
		for s := range n.succs {
			preds[s] = append(preds[s], id)
		}
	}
	for id := range reduced {
		ready[id] = len(preds[id])
	}

	var frontierBBs []ir.BlockID
	for id, n := range ready {
		if n == 0 {
			frontierBBs = append(frontierBBs, id)
		}
	}
	sort.Slice(frontierBBs, func(i, j int) bool { return frontierBBs[i] < frontierBBs[j] })

	var plan []planStep
	visitedBBs := map[ir.BlockID]bool{}

	for len(frontierBBs) > 0 {
		// candidate set: next unmerged access per frontier BB.
		var candidates []*Access
		for _, bb := range frontierBBs {
			idx := cursor[bb]
			accs := accesses[bb]
			if idx < len(accs) {
				candidates = append(candidates, accs[idx])
			}
		}
		if len(candidates) == 0 {
			break
		}

		// critical access: longest remaining tail.
		sort.SliceStable(candidates, func(i, j int) bool {
			return tail[candidates[i].Block] > tail[candidates[j].Block]
		})
		critical := candidates[0]

		var mergeSet MergeSet
		mergeSet = append(mergeSet, critical)
		for _, c := range candidates[1:] {
			if canConverge(critical, c) {
				mergeSet = append(mergeSet, c)
			}
		}
		plan = append(plan, planStep{frontier: candidates, merge: mergeSet})

		cursor[critical.Block]++
		for _, a := range mergeSet[1:] {
			cursor[a.Block]++
		}

		var next []ir.BlockID
		for _, bb := range frontierBBs {
			if cursor[bb] >= len(accesses[bb]) {
				// BB exhausted: its reduced-CFG successors may now enter.
				if !visitedBBs[bb] {
					visitedBBs[bb] = true
					for s := range reduced[bb].succs {
						ready[s]--
						if ready[s] <= 0 {
							next = append(next, s)
						}
					}
				}
				continue
			}
			next = append(next, bb)
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		frontierBBs = dedupBlocks(next)
	}
	return plan
}

func dedupBlocks(in []ir.BlockID) []ir.BlockID {
	seen := map[ir.BlockID]bool{}
	var out []ir.BlockID
	for _, id := range in {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// cabPath is one route into and back out of a CAB: a real merged
// access, a dummy access for a frontier member that did not merge
// (4.2.3), or a woven bypass edge (4.2.4) added after plan execution.
type cabPath struct {
	pathID int
	pre    ir.BlockID
	post   ir.BlockID
	dummy  bool
}

// cabInfo records a constructed CAB's machinery so weaving, dominance
// repair, and pointer-phi removal can extend or rewrite it afterwards.
type cabInfo struct {
	block    ir.BlockID
	callee   string
	selector *ir.Instr // path-selector phi, keyed by the incoming pre-block
	sw       *ir.Instr // the CAB's switch terminator
	argPhis  []*ir.Instr
	paths    []*cabPath
	call     *ir.Instr
}

// executeMergeSet implements 4.2.2/4.2.3: construct a CAB whose fan-in
// is the whole frontier (not just the merge set), split every frontier
// access's block before its access, and route every path through the
// CAB via a path-selector phi and per-argument phis — merged paths feed
// their real argument values and have their original call removed and
// its uses redirected to the CAB's single call; non-merged paths feed
// undef dummy argument values and keep their original call in place,
// now reachable only via the CAB.
func executeMergeSet(f *ir.Function, bld *ir.Builder, dom, postDom *ir.DomTree, st planStep, log *diag.Logger) *cabInfo {
	frontier, ms := st.frontier, st.merge
	if len(frontier) == 0 {
		return nil
	}
	inMerge := make(map[*Access]bool, len(ms))
	for _, a := range ms {
		inMerge[a] = true
	}

	callee := ms[0].Instr.Callee
	cabName := fmt.Sprintf("cab.%s.%s", callee, uuid.New().String()[:8])
	cab := f.NewBlock(cabName)

	argc := len(ms[0].Instr.Args)
	argPhis := make([]*ir.Instr, argc)
	for i, arg := range ms[0].Instr.Args {
		argPhis[i] = bld.Phi(cab, arg.Type())
	}
	selector := bld.Phi(cab, ir.I32)

	merged := ir.NewInstr(f.NewValueID(), ir.OpCall, ms[0].Instr.Type(), cab.ID())
	merged.Callee = callee
	merged.Args = make([]ir.Value, argc)
	for i, p := range argPhis {
		merged.Args[i] = p
	}
	cab.Append(merged)

	info := &cabInfo{block: cab.ID(), callee: callee, selector: selector, argPhis: argPhis, call: merged}

	for pathID, acc := range frontier {
		isMerged := inMerge[acc]
		b := f.Block(acc.at())
		idx := b.IndexOf(acc.Instr)

		post := f.NewBlock(fmt.Sprintf("%s.post%d", b.Name, pathID))
		post.Instrs = append(post.Instrs, b.Instrs[idx:]...)
		b.Instrs = b.Instrs[:idx]
		for _, moved := range post.Instrs {
			moved.Block = post.ID()
		}

		post.Succs = b.Succs
		for _, s := range post.Succs {
			if sb := f.Block(s); sb != nil {
				for i, p := range sb.Preds {
					if p == b.ID() {
						sb.Preds[i] = post.ID()
					}
				}
			}
		}
		oldSuccs := append([]ir.BlockID(nil), b.Succs...)
		b.Succs = nil
		bld.Br(b, cab.ID())
		f.AddEdge(cab.ID(), post.ID())

		for _, s := range oldSuccs {
			dom.BufferDelete(b.ID(), s)
			dom.BufferInsert(post.ID(), s)
			postDom.BufferDelete(b.ID(), s)
			postDom.BufferInsert(post.ID(), s)
		}
		dom.BufferInsert(b.ID(), cab.ID())
		dom.BufferInsert(cab.ID(), post.ID())
		postDom.BufferInsert(b.ID(), cab.ID())
		postDom.BufferInsert(cab.ID(), post.ID())

		info.paths = append(info.paths, &cabPath{pathID: pathID, pre: b.ID(), post: post.ID(), dummy: !isMerged})

		selector.Incoming = append(selector.Incoming, ir.PhiIncoming{Value: bld.ConstInt(int64(pathID), ir.I32), Block: b.ID()})
		for i, phi := range argPhis {
			var v ir.Value
			if isMerged {
				v = acc.Instr.Args[i]
			} else {
				v = bld.Undef(phi.Type())
			}
			phi.Incoming = append(phi.Incoming, ir.PhiIncoming{Value: v, Block: b.ID()})
		}

		if isMerged {
			replaceUses(f, acc.Instr, merged)
			post.Remove(acc.Instr)
		} else {
			acc.moveTo(post.ID())
		}
	}

	info.sw = ir.NewInstr(f.NewValueID(), ir.OpSwitch, ir.Void, cab.ID())
	info.sw.SwitchOn = selector
	info.sw.Default = info.paths[0].post
	for _, p := range info.paths[1:] {
		info.sw.Cases = append(info.sw.Cases, ir.SwitchCase{Value: int64(p.pathID), Dest: p.post})
	}
	cab.Append(info.sw)

	dom.Flush()
	postDom.Flush()
	return info
}

// replaceUses rewrites every operand reference to old so it instead
// refers to new, across every instruction in f.
func replaceUses(f *ir.Function, old, new *ir.Instr) {
	for _, instr := range f.AllInstrs() {
		for i, a := range instr.Args {
			if a == ir.Value(old) {
				instr.Args[i] = new
			}
		}
		if instr.Cond == ir.Value(old) {
			instr.Cond = new
		}
		if instr.SwitchOn == ir.Value(old) {
			instr.SwitchOn = new
		}
		if instr.RetVal == ir.Value(old) {
			instr.RetVal = new
		}
		for i := range instr.Incoming {
			if instr.Incoming[i].Value == ir.Value(old) {
				instr.Incoming[i].Value = new
			}
		}
	}
}

// unifyExits implements function-exit unification:
// collect every return/unreachable terminator; if more than one, create
// a single exit block with a phi for returns-with-value, redirect every
// terminator to branch into it, then order blocks in reverse post-order.
func unifyExits(f *ir.Function) {
	var exits []*ir.BasicBlock
	for _, b := range f.Blocks() {
		if t := b.Terminator(); t != nil && (t.Op == ir.OpReturn || t.Op == ir.OpUnreachable) {
			exits = append(exits, b)
		}
	}
	if len(exits) <= 1 {
		reorderRPO(f)
		return
	}

	unified := f.NewBlock("unified.exit")
	hasValue := false
	for _, b := range exits {
		if t := b.Terminator(); t.Op == ir.OpReturn && t.RetVal != nil {
			hasValue = true
		}
	}

	var phi *ir.Instr
	if hasValue {
		phi = ir.NewInstr(f.NewValueID(), ir.OpPhi, f.RetType, unified.ID())
		unified.Append(phi)
	}
	ret := ir.NewInstr(f.NewValueID(), ir.OpReturn, ir.Void, unified.ID())
	if phi != nil {
		ret.RetVal = phi
	}
	unified.Append(ret)

	for _, b := range exits {
		t := b.Terminator()
		var retVal ir.Value
		if t.Op == ir.OpReturn {
			retVal = t.RetVal
		}
		b.Remove(t)
		br := ir.NewInstr(f.NewValueID(), ir.OpBr, ir.Void, b.ID())
		br.Target = unified.ID()
		b.Append(br)
		f.AddEdge(b.ID(), unified.ID())
		if phi != nil {
			phi.Incoming = append(phi.Incoming, ir.PhiIncoming{Value: retVal, Block: b.ID()})
		}
	}
	reorderRPO(f)
}

// reorderRPO sorts blocks into reverse-post-order for output stability.
func reorderRPO(f *ir.Function) {
	var order []ir.BlockID
	visited := map[ir.BlockID]bool{}
	var dfs func(id ir.BlockID)
	dfs = func(id ir.BlockID) {
		if visited[id] {
			return
		}
		visited[id] = true
		b := f.Block(id)
		if b == nil {
			return
		}
		for _, s := range b.Succs {
			dfs(s)
		}
		order = append(order, id)
	}
	dfs(f.Entry)
	// reverse post-order: reverse the post-order dfs produced above.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	// append anything unreached (shouldn't normally happen) for safety.
	for _, b := range f.Blocks() {
		if !visited[b.ID()] {
			order = append(order, b.ID())
		}
	}
	f.Reorder(order)
}
