package tree

import (
	"time"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// Concurrent root-spill ordering.
//
// Several spills may run against the root at once, but their effects
// must apply in submission order so readers never observe a newer
// spill's outputs below an older spill's. Each job joins the root's
// FIFO at stake time; after its merge finishes it marks itself done and
// every worker then drains whatever contiguous prefix of the FIFO has
// become committable. Only the FIFO head may commit, and only one
// worker at a time claims it.

// getCompletedSpill atomically picks the FIFO head if it has finished
// compacting and nobody else is committing it. On a wedged root, a
// clean head is overridden to shutdown so it unwinds instead of
// committing.
func (t *Tree) getCompletedSpill(n *Node) *CompactionWork {
	n.rspillMu.Lock()
	defer n.rspillMu.Unlock()

	if len(n.rspills) == 0 {
		return nil
	}
	w := n.rspills[0]
	if !w.rspillDone.Load() || w.rspillCommitting.Load() {
		return nil
	}
	w.rspillCommitting.Store(true)

	if n.wedged.Load() && w.err == nil {
		w.err = domain.ErrShutdown
		w.cancelReq.Store(true)
	}
	return w
}

// dequeueSpill removes a committed (or unwound) job from the FIFO. The
// head must be the job just processed; anything else is corruption.
func (t *Tree) dequeueSpill(n *Node, w *CompactionWork) {
	n.rspillMu.Lock()
	defer n.rspillMu.Unlock()

	if len(n.rspills) == 0 || n.rspills[0] != w {
		panic(t.corrupt("spill FIFO head mismatch"))
	}
	n.rspills = n.rspills[1:]
}

// processCompletedSpills drains the committable prefix of the root's
// spill FIFO. A commit failure wedges the root: every later spill then
// short-circuits to shutdown.
func (t *Tree) processCompletedSpills(n *Node) {
	for {
		w := t.getCompletedSpill(n)
		if w == nil {
			return
		}

		if w.err == nil {
			w.err = t.commit(w)
			if w.err != nil && !domain.IsShutdown(w.err) {
				n.wedged.Store(true)
				if m := t.metrics; m != nil {
					m.NodesWedged.Inc()
				}
				t.logger.Error("root wedged by spill failure",
					"job", w.ID.String(),
					"error", w.err)
			}
		}

		if w.err != nil {
			t.cleanup(w)
		}

		t.dequeueSpill(n, w)
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
}
