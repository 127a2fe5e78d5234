package tree

import (
	"bytes"
	"errors"
	"time"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/health"
)

// RunJob runs one compaction job to completion on the calling worker:
// stake the inputs, run the merge, commit the metadata transaction and
// install the result. Concurrent root spills are committed in submission
// order regardless of which worker finishes its merge first.
func (t *Tree) RunJob(w *CompactionWork) error {
	if m := t.metrics; m != nil {
		m.JobsStarted.WithLabelValues(w.Action.String()).Inc()
	}

	// The scheduler may have staked the job already at submission time;
	// concurrent root spills rely on that to fix their FIFO order.
	if !w.staked {
		if err := t.stake(w); err != nil {
			w.err = err
			t.reportJob(w)
			w.release()
			return err
		}
	}

	w.err = t.compact(w)
	w.tCompactDone = time.Now()
	w.state.Store(int32(stateCompacted))

	if w.rspill {
		// Hand the job to the ordered commit machinery. Whichever worker
		// observes a committable FIFO head does the committing, so this
		// job's outcome may be decided on another worker; it is reported
		// through the completion callback and the health channel.
		w.rspillDone.Store(true)
		t.processCompletedSpills(w.Node)
		return nil
	}

	t.finishJob(w)
	return w.err
}

// finishJob drives a compacted job through commit, install and release.
func (t *Tree) finishJob(w *CompactionWork) {
	if w.err == nil {
		w.err = t.commit(w)
	}

	if w.err != nil {
		t.cleanup(w)
	}

	t.reportJob(w)

	if m := t.metrics; m != nil {
		outcome := "ok"
		if w.err != nil {
			outcome = "error"
			if domain.IsShutdown(w.err) {
				outcome = "canceled"
			}
		}
		m.JobsFinished.WithLabelValues(w.Action.String(), outcome).Inc()
		m.JobDuration.WithLabelValues(w.Action.String()).Observe(time.Since(w.tSubmit).Seconds())
	}

	w.release()
}

// reportJob raises non-shutdown failures on the health channel.
func (t *Tree) reportJob(w *CompactionWork) {
	if w.err == nil || domain.IsShutdown(w.err) {
		return
	}
	kind := health.KindTransient
	switch {
	case errors.Is(w.err, domain.ErrCorrupt):
		kind = health.KindCorrupt
	case errors.Is(w.err, domain.ErrNoSpace):
		kind = health.KindNoSpace
	case errors.Is(w.err, domain.ErrTreeBug):
		kind = health.KindBug
	}
	t.hc.Error(kind, w.err)

	t.logger.Error("compaction failed",
		"job", w.ID.String(),
		"action", w.Action.String(),
		"node", w.Node.id,
		"error", w.err)
}

// compact runs the merge phase of the job and fills the output vector.
func (t *Tree) compact(w *CompactionWork) error {
	if w.canceled() {
		return domain.ErrShutdown
	}
	if t.nospace.Load() {
		return domain.ErrNoSpace.WithDetails("tree is in nospace state")
	}

	if err := w.prep(); err != nil {
		return err
	}

	var err error
	switch w.Action {
	case ActionKCompact:
		err = t.compactK(w)
	case ActionKVCompact, ActionSpill:
		err = t.compactMerge(w)
	case ActionSplit:
		err = t.compactSplit(w)
	}
	if err != nil && w.canceled() && !domain.IsShutdown(err) {
		// An error observed after a cancel request reports as shutdown.
		err = domain.ErrShutdown.WithCause(err)
	}
	return err
}

// compactK merges the input key streams into one kvset, carrying every
// input value block unchanged.
func (t *Tree) compactK(w *CompactionWork) error {
	m := kvset.NewMerge(w.inputIters(), w.dropTombs)
	m.Cancel = w.canceled

	b := kvset.NewBuilder(t.alloc, t.MclassOfNode(w.Node.id))

	var valAlen, valWlen uint64
	for _, kv := range w.inputs {
		st := kv.Stats()
		valAlen += st.ValAlen
		valWlen += st.ValWlen
	}
	b.CarryVblocks(w.carryVblks, valAlen, valWlen)

	for {
		e, ok := m.Next()
		if !ok {
			break
		}
		if err := b.Add(e); err != nil {
			return err
		}
	}
	if m.Canceled() {
		return domain.ErrShutdown
	}

	if b.Empty() {
		// Every key tombstoned away: nothing to commit, and the carried
		// value blocks must not be kept alive.
		w.skipCommit = true
		return nil
	}

	out, err := b.Build(w.outKvsetIDs[0], w.DgenHi, 0)
	if err != nil {
		return err
	}
	w.outputs[0] = out
	return nil
}

// compactMerge merges the inputs into per-output streams: one output for
// kv-compact, one per destination leaf for spill.
func (t *Tree) compactMerge(w *CompactionWork) error {
	m := kvset.NewMerge(w.inputIters(), w.dropTombs)
	m.Cancel = w.canceled

	class := domain.MediaCapacity
	if w.Action == ActionKVCompact {
		class = t.MclassOfNode(w.Node.id)
	}

	builders := make([]*kvset.Builder, len(w.outputs))
	for i := range builders {
		builders[i] = kvset.NewBuilder(t.alloc, class)
	}

	for {
		e, ok := m.Next()
		if !ok {
			break
		}
		slot := 0
		if w.Action == ActionSpill {
			var err error
			if slot, err = t.spillSlot(w, e.Key); err != nil {
				return err
			}
		}
		if err := builders[slot].Add(e); err != nil {
			return err
		}
	}
	if m.Canceled() {
		return domain.ErrShutdown
	}

	for i, b := range builders {
		if b.Empty() {
			continue
		}
		out, err := b.Build(w.outKvsetIDs[i], w.DgenHi, 0)
		if err != nil {
			return err
		}
		w.outputs[i] = out
	}
	return nil
}

// spillSlot resolves a key to its destination output index.
func (t *Tree) spillSlot(w *CompactionWork, key []byte) (int, error) {
	t.mu.RLock()
	ent, err := t.rmap.Lookup(key)
	t.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	leaf := ent.Ref().(*Node)
	for i, id := range w.outNodeIDs {
		if id == leaf.id {
			return i, nil
		}
	}
	return 0, t.corrupt("spill destination not in output vector")
}

// compactSplit range-partitions every input around the split key: keys
// up to and including the split key go left, the rest go right.
func (t *Tree) compactSplit(w *CompactionWork) error {
	if len(w.splitKey) == 0 {
		w.splitKey = w.chooseSplitKey()
		if len(w.splitKey) == 0 {
			return domain.ErrInvalidConfig.WithDetails("split of empty node")
		}
	}

	cnt := w.KvsetCnt
	for i, kv := range w.inputs {
		if w.canceled() {
			return domain.ErrShutdown
		}

		left := kvset.NewBuilder(t.alloc, domain.MediaCapacity)
		right := kvset.NewBuilder(t.alloc, domain.MediaCapacity)

		it := kv.NewIter()
		for {
			e, ok := it.Next()
			if !ok {
				break
			}
			// A prefix tombstone may cover keys on both sides of the
			// split; it goes to both halves.
			if e.Kind == kvset.KindPtomb {
				if err := left.Add(e); err != nil {
					return err
				}
				if err := right.Add(e); err != nil {
					return err
				}
				continue
			}
			b := right
			if bytes.Compare(e.Key, w.splitKey) <= 0 {
				b = left
			}
			if err := b.Add(e); err != nil {
				return err
			}
		}

		// Both halves keep the source kvset's dgen; they land in
		// different nodes, so per-node dgen uniqueness holds.
		dgen := kv.Dgen()
		w.splitDgens[i] = dgen
		w.splitDgens[cnt+i] = dgen

		if !left.Empty() {
			out, err := left.Build(w.outKvsetIDs[i], dgen, kv.Compc())
			if err != nil {
				return err
			}
			w.outputs[i] = out
			w.splitCommit[i] = out.AllBlockIDs()
		}
		if !right.Empty() {
			out, err := right.Build(w.outKvsetIDs[cnt+i], dgen, kv.Compc())
			if err != nil {
				return err
			}
			w.outputs[cnt+i] = out
			w.splitCommit[cnt+i] = out.AllBlockIDs()
		}

		w.purge[i] = allBlocks(kv)
	}
	return nil
}

// chooseSplitKey picks the median distinct key across the inputs.
func (w *CompactionWork) chooseSplitKey() []byte {
	m := kvset.NewMerge(w.inputIters(), false)
	var keys [][]byte
	var last []byte
	for {
		e, ok := m.Next()
		if !ok {
			break
		}
		if last != nil && bytes.Equal(last, e.Key) {
			continue
		}
		last = append([]byte(nil), e.Key...)
		keys = append(keys, last)
	}
	if len(keys) == 0 {
		return nil
	}
	return keys[(len(keys)-1)/2]
}

func (t *Tree) corrupt(msg string) error {
	err := domain.ErrCorrupt.WithDetails(msg)
	t.hc.Error(health.KindCorrupt, err)
	return err
}
