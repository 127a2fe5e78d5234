package tree

import (
	"bytes"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
)

// IngestUpdate appends a freshly built kvset at the head of the root's
// list and notifies the scheduler with the root growth deltas. The
// kvset's dgen must exceed everything already in the root.
func (t *Tree) IngestUpdate(kv kvset.Kvset) error {
	if t.cancel.Load() {
		return domain.ErrShutdown
	}

	t.mu.Lock()

	if head := t.root.headDgen(); kv.Dgen() <= head {
		t.mu.Unlock()
		return domain.ErrTreeBug.WithDetails("ingest dgen not newer than root head")
	}

	// The list adopts the caller's creation reference.
	t.root.kvsets = append([]kvset.Kvset{kv}, t.root.kvsets...)
	t.root.cgen.Add(1)

	if t.cp.Capped {
		if pt, ok := kv.MaxPtomb(); ok {
			t.notePtomb(pt.Key, pt.Seqno)
		}
	}

	pre := t.samp
	t.sampUpdateIngest(t.root)
	post := t.samp

	// Ingest can only grow the root; leaf totals must not move.
	if post.LAlen != pre.LAlen || post.LGood != pre.LGood {
		t.mu.Unlock()
		return domain.ErrTreeBug.WithDetails("ingest touched leaf samp totals")
	}
	dRAlen := post.RAlen - pre.RAlen
	dRWlen := post.RWlen - pre.RWlen

	t.mu.Unlock()

	if m := t.metrics; m != nil {
		m.IngestedKvsets.Inc()
	}
	t.sch.NotifyIngest(t.cnid, dRAlen, dRWlen)

	t.logger.Debug("ingest",
		"cnid", t.cnid,
		"dgen", kv.Dgen(),
		"d_r_alen", dRAlen,
		"d_r_wlen", dRWlen)
	return nil
}

// notePtomb remembers the latest prefix tombstone seen by a capped tree.
func (t *Tree) notePtomb(key []byte, seqno uint64) {
	t.ptombMu.Lock()
	defer t.ptombMu.Unlock()
	if seqno > t.ptombSeq {
		t.ptombKey = append(t.ptombKey[:0], key...)
		t.ptombSeq = seqno
	}
}

// ptombSnapshot returns the remembered prefix-tombstone high-water mark.
func (t *Tree) ptombSnapshot() (key []byte, seqno uint64, ok bool) {
	t.ptombMu.Lock()
	defer t.ptombMu.Unlock()
	if t.ptombSeq == 0 {
		return nil, 0, false
	}
	return append([]byte(nil), t.ptombKey...), t.ptombSeq, true
}

// ptombPrecedes reports whether the remembered ptomb lexicographically
// precedes the given key.
func ptombPrecedes(ptomb, key []byte) bool {
	return bytes.Compare(ptomb, key) < 0
}
