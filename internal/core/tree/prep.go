package tree

import (
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/core/route"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// Work preparation: output shaping and input iterator construction.
//
// Output counts per action:
//
//   - k-compact, kv-compact: one merged kvset
//   - spill: one output per route-map leaf
//   - split: two per input, the left and right half of each

func (w *CompactionWork) prepOutputCount() int {
	switch w.Action {
	case ActionSpill:
		return w.Tree.Params().Fanout
	case ActionSplit:
		return 2 * w.KvsetCnt
	default:
		return 1
	}
}

// prep sizes the output vectors, mints output kvset ids and, per action,
// the destination-node vector and split scratch.
func (w *CompactionWork) prep() error {
	outc := w.prepOutputCount()

	w.outputs = make([]*kvset.Mem, outc)
	w.outKvsetIDs = make([]uint64, outc)
	w.outNodeIDs = make([]uint64, outc)
	for i := range w.outKvsetIDs {
		id, err := w.Tree.jnl.MintKvsetID()
		if err != nil {
			return err
		}
		w.outKvsetIDs[i] = id
	}

	switch w.Action {
	case ActionSpill:
		// One destination per leaf, in route order.
		leaves := w.Tree.leavesInRouteOrder()
		if len(leaves) != outc {
			return w.Tree.corrupt("route map leaf count does not match fanout")
		}
		for i, leaf := range leaves {
			w.outNodeIDs[i] = leaf.id
		}

	case ActionSplit:
		w.splitDgens = make([]uint64, outc)
		w.splitCommit = make([][]mblock.ID, outc)
		w.purge = make([][]mblock.ID, w.KvsetCnt)
		id, err := w.Tree.jnl.MintNodeID()
		if err != nil {
			return err
		}
		w.leftNodeID = id
		for i := 0; i < w.KvsetCnt; i++ {
			w.outNodeIDs[i] = id
			w.outNodeIDs[w.KvsetCnt+i] = w.Node.id
		}

	case ActionKCompact:
		// K-compact preserves every input value block; only key blocks
		// are rewritten. Oldest input's vblocks first so value ordering
		// follows the merge.
		w.carryVblks = w.carryVblks[:0]
		for i := len(w.inputs) - 1; i >= 0; i-- {
			w.carryVblks = append(w.carryVblks, w.inputs[i].VblkIDs()...)
		}
		w.outNodeIDs[0] = w.Node.id

	default:
		w.outNodeIDs[0] = w.Node.id
	}
	return nil
}

// inputIters returns iterators over the inputs, newest first.
func (w *CompactionWork) inputIters() []kvset.Iter {
	iters := make([]kvset.Iter, len(w.inputs))
	for i, kv := range w.inputs {
		iters[i] = kv.NewIter()
	}
	return iters
}

// leavesInRouteOrder snapshots the leaves in edge-key order.
func (t *Tree) leavesInRouteOrder() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var leaves []*Node
	t.rmap.Each(func(e *route.Entry) bool {
		leaves = append(leaves, e.Ref().(*Node))
		return true
	})
	return leaves
}
