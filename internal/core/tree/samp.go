package tree

import (
	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/pkg/hlog"
)

// Sampling engine.
//
// Each node carries rolled-up kvset stats plus a samp record; the tree
// total is the sum of the node records. The three update primitives are
// serialized by the tree write lock, which every caller holds. Each one
// captures the node's samp before and after so the tree total moves by
// exactly the delta the mutation caused.

// sampUpdateCompact fully recomputes a node's stats: clears them, folds
// every kvset back in and finishes.
func (t *Tree) sampUpdateCompact(n *Node) {
	pre := n.samp

	n.stats = domain.NodeStats{}
	n.sketch = hlog.New()
	for _, kv := range n.kvsets {
		n.stats.KvsetStats.Add(kv.Stats())
		n.stats.Kvsets++
		if err := n.sketch.Merge(kv.Hlog()); err != nil {
			// A merge failure only degrades the uniqueness estimate.
			t.logger.Warn("hlog merge failed", "node", n.id, "error", err)
		}
	}
	n.sampDgen = n.headDgen()

	t.sampFinish(n)
	t.sampApplyDelta(pre, n.samp)
}

// sampUpdateIngest incrementally folds the head kvset into a node's
// stats, but only when the head is newer than the fold watermark.
func (t *Tree) sampUpdateIngest(n *Node) {
	if len(n.kvsets) == 0 {
		return
	}
	head := n.kvsets[0]
	if head.Dgen() <= n.sampDgen {
		return
	}

	pre := n.samp

	n.stats.KvsetStats.Add(head.Stats())
	n.stats.Kvsets++
	if err := n.sketch.Merge(head.Hlog()); err != nil {
		t.logger.Warn("hlog merge failed", "node", n.id, "error", err)
	}
	n.sampDgen = head.Dgen()

	t.sampFinish(n)
	t.sampApplyDelta(pre, n.samp)
}

// sampUpdateSpill recomputes the source root and incrementally updates
// every destination leaf that received an output.
func (t *Tree) sampUpdateSpill(leaves []*Node) {
	t.sampUpdateCompact(t.root)
	for _, leaf := range leaves {
		t.sampUpdateIngest(leaf)
	}
}

// sampFinish derives the estimate-driven fields and rebuilds the node's
// samp record from its stats.
func (t *Tree) sampFinish(n *Node) {
	st := &n.stats

	// Unique keys: hlog estimate clamped to [0, keys]; no sketch means
	// every key is assumed unique.
	uniq := st.Keys
	if n.sketch != nil {
		uniq = n.sketch.Estimate()
		if uniq > st.Keys {
			uniq = st.Keys
		}
	}
	st.KeysUniq = uniq

	// Scale the written lengths by the unique fraction, then route them
	// through the media-class estimators.
	keyWlen, valWlen := st.KeyWlen, st.ValWlen
	if st.Keys > 0 && uniq < st.Keys {
		keyWlen = keyWlen * uniq / st.Keys
		valWlen = valWlen * uniq / st.Keys
	}
	kclass := t.MclassOfNode(n.id)
	st.Clen = t.est(keyWlen, kclass) + t.est(valWlen, kclass)

	pcap := uint64(0)
	if n.sizeMax > 0 {
		pcap = 100 * st.Clen / n.sizeMax
	}
	if pcap > 65535 {
		pcap = 65535
	}
	st.Pcap = uint16(pcap)

	if n.IsRoot() {
		n.samp = domain.SampStats{
			RAlen: st.Alen(),
			RWlen: st.Wlen(),
		}
	} else {
		n.samp = domain.SampStats{
			LAlen: st.Alen(),
			LGood: st.Clen,
		}
	}
}

// sampApplyDelta moves the tree total by the node's samp change and
// refreshes the exported gauges.
func (t *Tree) sampApplyDelta(pre, post domain.SampStats) {
	t.samp.Sub(pre)
	t.samp.Add(post)

	if m := t.metrics; m != nil {
		m.SampRootAlen.Set(float64(t.samp.RAlen))
		m.SampLeafAlen.Set(float64(t.samp.LAlen))
		m.SampLeafGood.Set(float64(t.samp.LGood))
	}
}
