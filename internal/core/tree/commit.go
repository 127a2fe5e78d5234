package tree

import (
	"errors"
	"time"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/journal"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// commit runs the metadata transaction for a compacted job and installs
// the result into the tree:
//
//  1. open the journal transaction sized for the adds and deletes
//  2. record one kvset-add per output with derived dgen/compc/dest
//  3. commit the output blocks with the allocator
//  4. record one kvset-delete per input, then ack every add
//  5. commit the transaction and dispatch the tree update
//
// Any failure after the transaction opened naks it and leaves the tree
// untouched; the caller's cleanup path destroys the outputs.
func (t *Tree) commit(w *CompactionWork) error {
	if w.canceled() {
		return domain.ErrShutdown
	}

	if w.Action == ActionKCompact && w.outputs[0] == nil {
		w.skipCommit = true
	}
	if w.skipCommit {
		// All keys tombstoned away: only the input deletes are logged.
		return t.commitSkip(w)
	}

	outc := 0
	for _, out := range w.outputs {
		if out != nil {
			outc++
		}
	}

	txn, err := t.jnl.TxStart(w.workID(), w.DgenHi, outc, w.KvsetCnt)
	if err != nil {
		return domain.ErrJournalFailed.WithCause(err)
	}
	w.txn = txn

	if w.Action == ActionSplit {
		if err := t.commitSplitNodes(w, txn); err != nil {
			txn.Nak()
			return err
		}
	}

	cookies := make([]journal.Cookie, 0, outc)
	for i, out := range w.outputs {
		if out == nil {
			continue
		}

		dgen := w.DgenHi
		if w.Action == ActionSplit {
			dgen = w.splitDgens[i]
		}
		out.SetCompc(t.deriveCompc(w, i, out))

		c, err := txn.RecordKvsetAdd(journal.AddRecord{
			Cnid:    t.cnid,
			NodeID:  w.outNodeIDs[i],
			KvsetID: out.ID(),
			Meta: journal.KvsetMeta{
				Dgen:     dgen,
				Compc:    out.Compc(),
				SeqnoMax: out.SeqnoMax(),
			},
			Hblk:  out.HblkID(),
			Kblks: out.KblkIDs(),
			Vblks: out.VblkIDs(),
		})
		if err != nil {
			txn.Nak()
			return domain.ErrJournalFailed.WithCause(err)
		}
		cookies = append(cookies, c)
	}

	if err := t.commitBlocks(w); err != nil {
		txn.Nak()
		if errors.Is(err, domain.ErrNoSpace) {
			t.nospace.Store(true)
		}
		return err
	}

	for _, kv := range w.inputs {
		if err := txn.RecordKvsetDelete(t.cnid, kv.ID()); err != nil {
			txn.Nak()
			return domain.ErrJournalFailed.WithCause(err)
		}
	}
	for _, c := range cookies {
		if err := txn.AckAdd(c); err != nil {
			txn.Nak()
			return domain.ErrJournalFailed.WithCause(err)
		}
	}

	if err := txn.Commit(); err != nil {
		txn.Nak()
		return domain.ErrJournalFailed.WithCause(err)
	}
	w.tCommitDone = time.Now()
	w.state.Store(int32(stateCommitted))

	if m := t.metrics; m != nil {
		var wlen uint64
		for _, out := range w.outputs {
			if out != nil {
				wlen += out.Stats().Wlen()
			}
		}
		m.BytesWritten.Add(float64(wlen))
	}

	switch w.Action {
	case ActionSpill:
		err = t.updateSpill(w)
	case ActionSplit:
		err = t.updateSplit(w)
	default:
		err = t.updateCompact(w)
	}
	if err != nil {
		return err
	}
	w.state.Store(int32(stateInstalled))
	return nil
}

// commitSkip logs only the input deletions: a k-compact whose merge
// produced zero key blocks retires its inputs without a replacement.
// The carried value blocks must not be kept alive either.
func (t *Tree) commitSkip(w *CompactionWork) error {
	txn, err := t.jnl.TxStart(w.workID(), w.DgenHi, 0, w.KvsetCnt)
	if err != nil {
		return domain.ErrJournalFailed.WithCause(err)
	}
	for _, kv := range w.inputs {
		if err := txn.RecordKvsetDelete(t.cnid, kv.ID()); err != nil {
			txn.Nak()
			return domain.ErrJournalFailed.WithCause(err)
		}
	}
	if err := txn.Commit(); err != nil {
		return domain.ErrJournalFailed.WithCause(err)
	}

	w.keepNoVblks = true
	return t.updateCompact(w)
}

// commitSplitNodes records the new left node and, when the right node's
// stored edge key falls at or below the split key while being the last
// route entry, rewrites it to the node's pre-split max key so no key
// orphans past the edge.
func (t *Tree) commitSplitNodes(w *CompactionWork, txn journal.Txn) error {
	hasLeft := false
	for i := 0; i < w.KvsetCnt; i++ {
		if w.outputs[i] != nil {
			hasLeft = true
			break
		}
	}
	if hasLeft {
		if err := txn.RecordNodeAdd(journal.NodeRecord{
			Cnid:    t.cnid,
			NodeID:  w.leftNodeID,
			EdgeKey: w.splitKey,
		}); err != nil {
			return domain.ErrJournalFailed.WithCause(err)
		}
	}

	t.mu.RLock()
	rewrite := t.rmap.IsLast(w.Node.routeEnt) && t.rmap.KeyCmp(w.Node.routeEnt, w.splitKey) <= 0
	t.mu.RUnlock()

	if rewrite {
		if err := txn.RecordNodeEdge(journal.NodeRecord{
			Cnid:    t.cnid,
			NodeID:  w.Node.id,
			EdgeKey: w.rightEdge,
		}); err != nil {
			return domain.ErrJournalFailed.WithCause(err)
		}
		w.rewriteEdge = true
	}
	return nil
}

// commitBlocks makes the output blocks durable: split commits each
// output's list separately, the other actions commit in bulk.
func (t *Tree) commitBlocks(w *CompactionWork) error {
	if w.Action == ActionSplit {
		for i, ids := range w.splitCommit {
			if len(ids) == 0 {
				continue
			}
			if err := t.alloc.Commit(ids); err != nil {
				return err
			}
			w.splitCommitted = i + 1
		}
		return nil
	}

	var ids []mblock.ID
	for _, out := range w.outputs {
		if out == nil {
			continue
		}
		ids = append(ids, out.HblkID())
		ids = append(ids, out.KblkIDs()...)
		if w.Action != ActionKCompact {
			// K-compact shares the input value blocks; they are already
			// committed.
			ids = append(ids, out.VblkIDs()...)
		}
	}
	return t.alloc.Commit(ids)
}

// deriveCompc computes the output's compaction count.
//
//   - spill: base zero, with a seed boost when the output becomes the
//     first kvset of an empty destination and is large enough that
//     rewriting it soon would be wasted work
//   - split: carried from the source input
//   - k/kv-compact: bumped by one unless the next-older sibling has a
//     smaller count, which keeps a hot run from drifting above its
//     neighbors
func (t *Tree) deriveCompc(w *CompactionWork, i int, out *kvset.Mem) uint32 {
	switch w.Action {
	case ActionSpill:
		rp := t.RuntimeParams()
		t.mu.RLock()
		dest := t.byID[w.outNodeIDs[i]]
		empty := dest != nil && len(dest.kvsets) == 0
		t.mu.RUnlock()

		st := out.Stats()
		if empty && (st.Kblks > uint64(rp.SpillSeedKblks) || st.Vblks > uint64(rp.SpillSeedVblks)) {
			return rp.SpillSeedBoost
		}
		return 0

	case ActionSplit:
		return out.Compc()

	default:
		var base uint32
		for _, kv := range w.inputs {
			if c := kv.Compc(); c > base {
				base = c
			}
		}
		t.mu.RLock()
		defer t.mu.RUnlock()
		mi := w.Node.dgenIndex(w.MarkDgen)
		if mi >= 0 && mi+1 < len(w.Node.kvsets) {
			if w.Node.kvsets[mi+1].Compc() < base {
				return base
			}
		}
		return base + 1
	}
}
