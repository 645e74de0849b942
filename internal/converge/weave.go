package converge

import (
	"fmt"

	"github.com/nanotube/pipeliner/internal/diag"
	"github.com/nanotube/pipeliner/internal/ir"
)

// weave implements 4.2.4: reduction collapses non-accessing BBs, which
// can leave a real control-flow edge that never passes through any
// CAB. Spec.md's literal construction walks backward from each CAB
// (to_bb) without crossing the previous CAB (from_bb) to find the "web"
// of feeder blocks, then reroutes any edge leaving the web. That
// backward walk only discovers blocks that already reach the CAB, so a
// sibling branch that skips the CAB entirely — an ordinary conditional
// skip of a packet access, e.g. one arm of a diamond with no API call
// at all — is never a member of the web, and its bypass edge is never
// found: it has no edge into the web to begin with.
//
// We instead walk forward from the previous CAB (or the function entry
// for the first one), stopping at the current CAB and at anything
// already known to lie behind it, and reroute any edge that lands
// behind the CAB without having passed through it. This finds the same
// bypass edges the spec's construction targets and additionally covers
// the zero-access sibling-branch case the literal wording misses.
func weave(f *ir.Function, bld *ir.Builder, dom, postDom *ir.DomTree, cabs []*cabInfo, log *diag.Logger) {
	from := f.Entry
	for _, c := range cabs {
		if dom.Dominates(from, c.block) && postDom.Dominates(c.block, from) {
			from = c.block
			continue
		}
		weaveOne(f, bld, dom, postDom, from, c, log)
		from = c.block
	}
}

func weaveOne(f *ir.Function, bld *ir.Builder, dom, postDom *ir.DomTree, from ir.BlockID, c *cabInfo, log *diag.Logger) {
	behind := forwardReachable(f, c.block)
	for _, e := range findBypasses(f, from, c.block, behind) {
		rerouteBypass(f, bld, dom, postDom, c, e, log)
	}
}

func forwardReachable(f *ir.Function, start ir.BlockID) map[ir.BlockID]bool {
	out := map[ir.BlockID]bool{}
	var walk func(id ir.BlockID)
	walk = func(id ir.BlockID) {
		if out[id] {
			return
		}
		out[id] = true
		b := f.Block(id)
		if b == nil {
			return
		}
		for _, s := range b.Succs {
			walk(s)
		}
	}
	walk(start)
	return out
}

type bypassEdge struct{ src, dst ir.BlockID }

// findBypasses walks forward from `from`, stopping at `to`, and reports
// every edge whose source was reached without crossing `to` but whose
// destination lands in `behind` (everything reachable forward from
// `to`) without itself being `to`.
func findBypasses(f *ir.Function, from, to ir.BlockID, behind map[ir.BlockID]bool) []bypassEdge {
	var out []bypassEdge
	visited := map[ir.BlockID]bool{}
	var walk func(id ir.BlockID)
	walk = func(id ir.BlockID) {
		if visited[id] {
			return
		}
		visited[id] = true
		if id == to {
			return
		}
		b := f.Block(id)
		if b == nil {
			return
		}
		for _, s := range append([]ir.BlockID(nil), b.Succs...) {
			if s == to {
				continue
			}
			if behind[s] {
				out = append(out, bypassEdge{src: id, dst: s})
				continue
			}
			walk(s)
		}
	}
	walk(from)
	return out
}

// retarget removes b's edge to oldDst, rewrites the matching terminator
// field(s) to point at newDst, and adds the new edge.
func retarget(f *ir.Function, b *ir.BasicBlock, oldDst, newDst ir.BlockID) {
	f.RemoveEdge(b.ID(), oldDst)
	if t := b.Terminator(); t != nil {
		switch t.Op {
		case ir.OpBr:
			if t.Target == oldDst {
				t.Target = newDst
			}
		case ir.OpCondBr:
			if t.TrueBlock == oldDst {
				t.TrueBlock = newDst
			}
			if t.FalseBlock == oldDst {
				t.FalseBlock = newDst
			}
		case ir.OpSwitch:
			if t.Default == oldDst {
				t.Default = newDst
			}
			for i := range t.Cases {
				if t.Cases[i].Dest == oldDst {
					t.Cases[i].Dest = newDst
				}
			}
		}
	}
	f.AddEdge(b.ID(), newDst)
}

func fixupPhiIncoming(b *ir.BasicBlock, oldBlock, newBlock ir.BlockID) {
	for _, instr := range b.Instrs {
		if instr.Op != ir.OpPhi {
			continue
		}
		for i := range instr.Incoming {
			if instr.Incoming[i].Block == oldBlock {
				instr.Incoming[i].Block = newBlock
			}
		}
	}
}

// rerouteBypass implements one reroute of 4.2.4: src->dst is redirected
// through (an optional pre-pad ->) the CAB (-> an optional post-pad) ->
// dst, registered as a new dummy path on the CAB. A pre-pad isolates the
// CAB-facing edge when src branches elsewhere too, so the CAB's
// per-path bookkeeping (keyed by predecessor block) never sees the same
// predecessor block twice; a post-pad keeps dst's own phi-incoming
// bookkeeping a clean one-to-one edge swap when dst has other
// predecessors besides src.
func rerouteBypass(f *ir.Function, bld *ir.Builder, dom, postDom *ir.DomTree, c *cabInfo, e bypassEdge, log *diag.Logger) {
	src := f.Block(e.src)
	dst := f.Block(e.dst)

	dstHasOtherPreds := len(dst.Preds) > 1
	cabPred := src
	if len(src.Succs) > 1 {
		pre := f.NewBlock(fmt.Sprintf("%s.weave.pre", src.Name))
		retarget(f, src, e.dst, pre.ID())
		bld.Br(pre, c.block)
		cabPred = pre
	} else {
		retarget(f, src, e.dst, c.block)
	}

	cabSucc := dst
	if dstHasOtherPreds {
		post := f.NewBlock(fmt.Sprintf("%s.weave.post", dst.Name))
		bld.Br(post, dst.ID())
		fixupPhiIncoming(dst, e.src, post.ID())
		cabSucc = post
	} else {
		fixupPhiIncoming(dst, e.src, c.block)
	}

	pathID := len(c.paths)
	c.paths = append(c.paths, &cabPath{pathID: pathID, pre: cabPred.ID(), post: cabSucc.ID(), dummy: true})

	c.selector.Incoming = append(c.selector.Incoming, ir.PhiIncoming{Value: bld.ConstInt(int64(pathID), ir.I32), Block: cabPred.ID()})
	for _, phi := range c.argPhis {
		phi.Incoming = append(phi.Incoming, ir.PhiIncoming{Value: bld.Undef(phi.Type()), Block: cabPred.ID()})
	}

	f.AddEdge(c.block, cabSucc.ID())
	c.sw.Cases = append(c.sw.Cases, ir.SwitchCase{Value: int64(pathID), Dest: cabSucc.ID()})

	dom.BufferDelete(e.src, e.dst)
	dom.BufferInsert(cabPred.ID(), c.block)
	dom.BufferInsert(c.block, cabSucc.ID())
	postDom.BufferDelete(e.src, e.dst)
	postDom.BufferInsert(cabPred.ID(), c.block)
	postDom.BufferInsert(c.block, cabSucc.ID())
	dom.Flush()
	postDom.Flush()

	log.Debug("converge: wove bypass edge through CAB",
		diag.String("src", src.Name), diag.String("dst", dst.Name), diag.String("cab", f.Block(c.block).Name))
}
