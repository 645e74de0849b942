package worklist

import (
	"encoding/binary"

	"github.com/nanotube/pipeliner/internal/ir"
)

func blockKey(b ir.BlockID) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(b))
	return buf[:]
}

// SeedFromPredecessors seeds a BlockID worklist for forward traversal:
// every block waits on the number of distinct predecessors it has.
func SeedFromPredecessors(f *ir.Function) *Worklist[ir.BlockID] {
	w := New[ir.BlockID](len(f.Blocks()))
	for _, b := range f.Blocks() {
		w.Insert(b.ID(), blockKey(b.ID()), len(b.Preds))
	}
	return w
}

// SeedFromSuccessors seeds a BlockID worklist for backward traversal.
func SeedFromSuccessors(f *ir.Function) *Worklist[ir.BlockID] {
	w := New[ir.BlockID](len(f.Blocks()))
	for _, b := range f.Blocks() {
		w.Insert(b.ID(), blockKey(b.ID()), len(b.Succs))
	}
	return w
}
