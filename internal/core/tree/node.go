package tree

import (
	"sync"
	"sync/atomic"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/core/route"
	"github.com/yndnr/canopy-go/pkg/hlog"
)

// RootNodeID is the root's stable node id. All other ids are minted by
// the journal and are non-zero.
const RootNodeID = 0

// busyJob is the busy-counter increment for one active job; the low half
// of the word counts reserved kvsets.
const busyJob = 1 << 16

// Node is one tree node: an ordered list of kvsets plus the statistics
// and synchronization state the compaction machinery needs.
//
// The kvset list is ordered newest first: index 0 is the head and holds
// the highest dgen. List membership is guarded by the tree's structural
// lock; the per-node fields below carry their own synchronization.
type Node struct {
	id uint64

	// kvsets, stats, samp, sketch and sampDgen are guarded by the tree
	// lock (kvsets additionally by samp serialization for the stats).
	kvsets   []kvset.Kvset
	stats    domain.NodeStats
	samp     domain.SampStats
	sketch   *hlog.Sketch
	sampDgen uint64

	sizeMax uint64

	// token is the exclusive compaction token (0 or 1).
	token atomic.Uint32

	// busy encodes active jobs in the upper 16 bits and reserved kvsets
	// in the rest.
	busy atomic.Uint64

	// rspills is the FIFO of in-flight concurrent root spills.
	rspillMu sync.Mutex
	rspills  []*CompactionWork

	// wedged is set after an unrecoverable spill failure.
	wedged atomic.Bool

	// cgen bumps on any mutation of the node's kvset list.
	cgen atomic.Uint64

	routeEnt *route.Entry
}

func newNode(id uint64, sizeMax uint64) *Node {
	return &Node{
		id:      id,
		sizeMax: sizeMax,
		sketch:  hlog.New(),
	}
}

// ID returns the node's stable id.
func (n *Node) ID() uint64 { return n.id }

// IsRoot reports whether the node is the tree's root.
func (n *Node) IsRoot() bool { return n.id == RootNodeID }

// Len returns the number of kvsets. Callers hold the tree lock.
func (n *Node) Len() int { return len(n.kvsets) }

// ChangeGen returns the node's change generation.
func (n *Node) ChangeGen() uint64 { return n.cgen.Load() }

// Wedged reports whether the node has been wedged.
func (n *Node) Wedged() bool { return n.wedged.Load() }

// Stats returns the node's rolled-up statistics. Callers hold the tree
// lock or tolerate a stale read.
func (n *Node) Stats() domain.NodeStats { return n.stats }

// Samp returns the node's sampling record.
func (n *Node) Samp() domain.SampStats { return n.samp }

// SizeMax returns the node's size threshold.
func (n *Node) SizeMax() uint64 { return n.sizeMax }

// NeedsSplit reports whether the node has outgrown its threshold by the
// given percentage.
func (n *Node) NeedsSplit(pct int) bool {
	return uint64(n.stats.Pcap) >= uint64(pct)
}

// headDgen returns the newest dgen, or zero on an empty node.
func (n *Node) headDgen() uint64 {
	if len(n.kvsets) == 0 {
		return 0
	}
	return n.kvsets[0].Dgen()
}

// tailDgen returns the oldest dgen, or zero on an empty node.
func (n *Node) tailDgen() uint64 {
	if len(n.kvsets) == 0 {
		return 0
	}
	return n.kvsets[len(n.kvsets)-1].Dgen()
}

// dgenIndex returns the list index of the kvset with the given dgen, or
// -1 when absent. Callers hold the tree lock.
func (n *Node) dgenIndex(dgen uint64) int {
	for i, kv := range n.kvsets {
		if kv.Dgen() == dgen {
			return i
		}
	}
	return -1
}

// insertInit places a kvset into dgen order: before the first existing
// entry whose dgen is lower. Only initialization (journal replay) uses
// it; steady-state mutation goes through ingest and the commit paths.
func (n *Node) insertInit(kv kvset.Kvset) error {
	at := len(n.kvsets)
	for i, cur := range n.kvsets {
		if cur.Dgen() == kv.Dgen() {
			return domain.ErrTreeBug.WithDetails("duplicate dgen in node list")
		}
		if cur.Dgen() < kv.Dgen() {
			at = i
			break
		}
	}
	n.kvsets = append(n.kvsets, nil)
	copy(n.kvsets[at+1:], n.kvsets[at:])
	n.kvsets[at] = kv
	n.cgen.Add(1)
	return nil
}

// checkDgenOrder verifies the strictly-decreasing dgen invariant.
func (n *Node) checkDgenOrder() error {
	for i := 1; i < len(n.kvsets); i++ {
		if n.kvsets[i-1].Dgen() <= n.kvsets[i].Dgen() {
			return domain.ErrCorrupt.WithDetails("dgen ordering broken")
		}
	}
	return nil
}

// tryAcquireToken claims the node's exclusive compaction token.
func (n *Node) tryAcquireToken() bool {
	return n.token.CompareAndSwap(0, 1)
}

// releaseToken releases the compaction token.
func (n *Node) releaseToken() {
	if !n.token.CompareAndSwap(1, 0) {
		panic(domain.ErrTreeBug.WithDetails("token release without hold"))
	}
}

// acquireBusy accounts one job with cnt reserved kvsets.
func (n *Node) acquireBusy(cnt int) {
	n.busy.Add(busyJob + uint64(cnt))
}

// releaseBusy undoes acquireBusy.
func (n *Node) releaseBusy(cnt int) {
	n.busy.Add(^uint64(busyJob + uint64(cnt) - 1))
}

// Busy reports the active-job count and reserved-kvset count.
func (n *Node) Busy() (jobs, reserved int) {
	v := n.busy.Load()
	return int(v >> 16), int(v & (busyJob - 1))
}

// MinKey returns the smallest key stored in the node, or nil when the
// node is empty. Callers hold the tree lock.
func (n *Node) MinKey() []byte {
	var min []byte
	for _, kv := range n.kvsets {
		k := kv.MinKey()
		if min == nil || string(k) < string(min) {
			min = k
		}
	}
	return min
}

// MaxKey returns the largest key stored in the node, or nil when the
// node is empty. Callers hold the tree lock.
func (n *Node) MaxKey() []byte {
	var max []byte
	for _, kv := range n.kvsets {
		k := kv.MaxKey()
		if max == nil || string(k) > string(max) {
			max = k
		}
	}
	return max
}
