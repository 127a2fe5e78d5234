package tree

import (
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// Tree update: the action-specific install of a committed job.
//
// Every variant takes the write lock, splices the retired inputs out to
// a local list, adds the new kvsets, recomputes samp and releases the
// node's busy accounting, then deletes the retired kvsets outside the
// lock.

// updateCompact installs a k-compact or kv-compact result: the output
// replaces the input window in place so the list stays dgen ordered.
func (t *Tree) updateCompact(w *CompactionWork) error {
	n := w.Node

	t.mu.Lock()

	mi := n.dgenIndex(w.MarkDgen)
	if mi < 0 || mi-w.KvsetCnt+1 < 0 {
		t.mu.Unlock()
		return t.corrupt("compact window vanished before install")
	}
	start := mi - w.KvsetCnt + 1

	retired := append([]kvset.Kvset(nil), n.kvsets[start:mi+1]...)

	if out := w.outputs[0]; out != nil {
		// The list adopts the builder's creation reference.
		rest := append([]kvset.Kvset{out}, n.kvsets[mi+1:]...)
		n.kvsets = append(n.kvsets[:start], rest...)
	} else {
		n.kvsets = append(n.kvsets[:start], n.kvsets[mi+1:]...)
	}
	n.cgen.Add(1)

	if err := n.checkDgenOrder(); err != nil {
		t.mu.Unlock()
		return err
	}

	t.sampUpdateCompact(n)
	n.releaseBusy(w.KvsetCnt)
	t.mu.Unlock()

	keepVblks := w.Action == ActionKCompact && !w.keepNoVblks
	t.retire(w, retired, keepVblks)
	return nil
}

// updateSpill installs a spill: each non-empty output lands at the head
// of its destination leaf and the retired inputs leave the root's tail.
// Spill completions arrive here in submission order (see rspill.go), so
// the root tail is exactly the job's input window.
func (t *Tree) updateSpill(w *CompactionWork) error {
	t.mu.Lock()

	var touched []*Node
	for i, out := range w.outputs {
		if out == nil {
			continue
		}
		leaf, ok := t.byID[w.outNodeIDs[i]]
		if !ok {
			t.mu.Unlock()
			return t.corrupt("spill destination vanished")
		}
		if out.Dgen() <= leaf.headDgen() {
			t.mu.Unlock()
			return t.corrupt("spill output dgen not newer than leaf head")
		}
		leaf.kvsets = append([]kvset.Kvset{out}, leaf.kvsets...)
		leaf.cgen.Add(1)
		touched = append(touched, leaf)
	}

	root := t.root
	if len(root.kvsets) < w.KvsetCnt {
		t.mu.Unlock()
		return t.corrupt("root shorter than spill window")
	}
	if root.tailDgen() != w.DgenLo {
		t.mu.Unlock()
		return t.corrupt("spill completions out of submission order")
	}
	cut := len(root.kvsets) - w.KvsetCnt
	retired := append([]kvset.Kvset(nil), root.kvsets[cut:]...)
	root.kvsets = root.kvsets[:cut]
	root.cgen.Add(1)

	t.sampUpdateSpill(touched)
	root.releaseBusy(w.KvsetCnt)
	t.mu.Unlock()

	t.retire(w, retired, false)
	return nil
}

// updateSplit installs a split: the source node keeps its id and becomes
// the right half; a new left node takes the outputs at or below the
// split key and a route entry at that key.
func (t *Tree) updateSplit(w *CompactionWork) error {
	n := w.Node
	cnt := w.KvsetCnt

	t.mu.Lock()

	retired := append([]kvset.Kvset(nil), n.kvsets...)
	n.kvsets = nil

	// Right half back onto the source node, newest first.
	for i := cnt; i < 2*cnt; i++ {
		if out := w.outputs[i]; out != nil {
			n.kvsets = append(n.kvsets, out)
		}
	}
	n.cgen.Add(1)

	// Rewrite the right edge before inserting the left entry: the new
	// left edge (the split key) sorts below the rewritten right edge,
	// so doing it the other way around would break map ordering.
	if w.rewriteEdge {
		if err := t.rmap.KeyModify(n.routeEnt, w.rightEdge); err != nil {
			t.mu.Unlock()
			return err
		}
	}

	var left *Node
	hasLeft := false
	for i := 0; i < cnt; i++ {
		if w.outputs[i] != nil {
			hasLeft = true
			break
		}
	}
	if hasLeft {
		if err := t.addLeaf(w.leftNodeID, w.splitKey); err != nil {
			t.mu.Unlock()
			return err
		}
		left = t.byID[w.leftNodeID]
		for i := 0; i < cnt; i++ {
			if out := w.outputs[i]; out != nil {
				left.kvsets = append(left.kvsets, out)
			}
		}
		left.cgen.Add(1)
	}

	if err := n.checkDgenOrder(); err != nil {
		t.mu.Unlock()
		return err
	}
	if left != nil {
		if err := left.checkDgenOrder(); err != nil {
			t.mu.Unlock()
			return err
		}
	}

	t.sampUpdateCompact(n)
	if left != nil {
		t.sampUpdateCompact(left)
	}
	n.releaseBusy(cnt)
	t.mu.Unlock()

	// The retired inputs carry their purge-block lists; verify the
	// transfer before the delete mark so a bookkeeping slip surfaces as
	// corruption instead of leaked blocks.
	for i, kv := range w.inputs {
		if i < len(w.purge) && !blockListsEqual(w.purge[i], allBlocks(kv)) {
			return t.corrupt("split purge list does not match retired kvset")
		}
	}

	t.retire(w, retired, false)
	return nil
}

// retire clears reservations, marks the retired kvsets for block
// deletion and drops both the list reference and the job's staking
// reference, outside the write lock.
func (t *Tree) retire(w *CompactionWork, retired []kvset.Kvset, keepVblks bool) {
	w.staked = false
	id := w.workID()
	for _, kv := range retired {
		if kv.WorkID() == id {
			kv.SetWorkID(0)
		}
		kv.MarkForDelete(keepVblks)
		kv.Unref() // list reference
	}
	for _, kv := range w.inputs {
		kv.Unref() // staking reference
	}
	w.inputs = nil
}

// allBlocks returns every block id a kvset references.
func allBlocks(kv kvset.Kvset) []mblock.ID {
	ids := make([]mblock.ID, 0, 1+len(kv.KblkIDs())+len(kv.VblkIDs()))
	ids = append(ids, kv.HblkID())
	ids = append(ids, kv.KblkIDs()...)
	ids = append(ids, kv.VblkIDs()...)
	return ids
}

func blockListsEqual(a, b []mblock.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

