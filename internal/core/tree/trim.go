package tree

import (
	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
)

// Capped-tree trimmer.
//
// A capped tree is append-mostly with time-bounded retention: instead of
// compacting old root kvsets, the trimmer evicts expired ones from the
// tail. A kvset expires once every sequence number it holds falls below
// the horizon, which is capped by the remembered prefix-tombstone seqno
// so eviction never outruns a pending ptomb.

// CappedCompactTick runs one trimmer pass with the given sequence
// horizon and returns the number of evicted kvsets. Ticks are
// rate-limited by the runtime TrimBurst parameter.
func (t *Tree) CappedCompactTick(seqnoHorizon uint64) (int, error) {
	if !t.cp.Capped {
		return 0, domain.ErrInvalidConfig.WithDetails("trim on uncapped tree")
	}
	if t.cancel.Load() {
		return 0, domain.ErrShutdown
	}
	if !t.trimLimiter.Allow() {
		return 0, nil
	}

	ptombKey, ptombSeq, havePtomb := t.ptombSnapshot()

	horizon := seqnoHorizon
	if havePtomb && ptombSeq < horizon {
		horizon = ptombSeq
	}

	// Snapshot the expiring tail run under the read lock.
	t.mu.RLock()
	root := t.root

	// Resume from the memo: if the kvset that stopped the previous walk
	// is still the tail and still unexpired, nothing below it can have
	// appeared (ingest only prepends), so the whole tick is a no-op
	// without walking or snapshotting anything.
	if memo := t.trimDgen.Load(); memo != 0 && len(root.kvsets) > 0 {
		tail := root.kvsets[len(root.kvsets)-1]
		if tail.Dgen() == memo && tail.SeqnoMax() >= horizon {
			t.mu.RUnlock()
			return 0, nil
		}
	}

	var expired []uint64
	for i := len(root.kvsets) - 1; i >= 0; i-- {
		kv := root.kvsets[i]
		if kv.SeqnoMax() >= horizon {
			// Everything newer survives too; this dgen held the line and
			// seeds the next tick's fast path.
			t.trimDgen.Store(kv.Dgen())
			break
		}
		if havePtomb && !ptombPrecedes(ptombKey, kv.MaxKey()) {
			break
		}
		if kv.WorkID() != 0 {
			break
		}
		expired = append(expired, kv.Dgen())
	}
	t.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	txn, err := t.jnl.TxStart(0, horizon, 0, len(expired))
	if err != nil {
		return 0, domain.ErrJournalFailed.WithCause(err)
	}

	t.mu.RLock()
	for _, dgen := range expired {
		if i := t.root.dgenIndex(dgen); i >= 0 {
			if rerr := txn.RecordKvsetDelete(t.cnid, t.root.kvsets[i].ID()); rerr != nil {
				err = rerr
				break
			}
		}
	}
	t.mu.RUnlock()
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		txn.Nak()
		// Nothing is evicted; the page-eviction fallback is reported as a
		// warning only, and no pages are advised out here.
		t.logger.Warn("trim journal failed, advising page eviction",
			"cnid", t.cnid,
			"error", err)
		return 0, domain.ErrJournalFailed.WithCause(err)
	}

	// Splice the run out, re-verifying each entry is still the tail and
	// unreserved; a concurrent spill may have raced us to it.
	t.mu.Lock()
	var retired []kvset.Kvset
	for _, dgen := range expired {
		last := len(t.root.kvsets) - 1
		if last < 0 {
			break
		}
		kv := t.root.kvsets[last]
		if kv.Dgen() != dgen || kv.WorkID() != 0 {
			break
		}
		t.root.kvsets = t.root.kvsets[:last]
		retired = append(retired, kv)
	}
	t.root.cgen.Add(1)
	t.sampUpdateCompact(t.root)
	t.mu.Unlock()

	for _, kv := range retired {
		kv.MarkForDelete(false)
		kv.Unref()
	}

	if m := t.metrics; m != nil {
		m.TrimEvictions.Add(float64(len(retired)))
	}
	t.logger.Debug("capped trim",
		"cnid", t.cnid,
		"evicted", len(retired),
		"horizon", horizon)
	return len(retired), nil
}
