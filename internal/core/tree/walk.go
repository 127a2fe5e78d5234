package tree

import (
	"github.com/yndnr/canopy-go/internal/core/kvset"

	"github.com/samber/lo"
)

// WalkOrder selects the per-node kvset order of a walk.
type WalkOrder int

const (
	// NewestFirst walks each node head to tail.
	NewestFirst WalkOrder = iota

	// OldestFirst walks each node tail to head.
	OldestFirst
)

// walkYieldStride is how many kvsets a walk visits before yielding the
// read lock to let writers through.
const walkYieldStride = 128

// Walk visits every node in preorder (root first, then leaves in the
// order they were added to the tree, which after a split is not route
// order), calling fn for each kvset in the requested per-node order.
// Returning false stops the walk. Long walks periodically release the
// read lock, so fn may observe different change generations across
// nodes.
func (t *Tree) Walk(order WalkOrder, fn func(n *Node, kv kvset.Kvset) bool) {
	t.mu.RLock()

	visited := 0
	for i := 0; i < len(t.nodes); i++ {
		n := t.nodes[i]
		list := n.kvsets
		for j := range list {
			kv := list[j]
			if order == OldestFirst {
				kv = list[len(list)-1-j]
			}
			if !fn(n, kv) {
				t.mu.RUnlock()
				return
			}
			visited++
			if visited%walkYieldStride == 0 {
				// Yield briefly; node membership may change while the
				// lock is dropped, so re-check the bounds.
				t.mu.RUnlock()
				t.mu.RLock()
				if i >= len(t.nodes) {
					t.mu.RUnlock()
					return
				}
			}
		}
	}
	t.mu.RUnlock()
}

// ViewEntry is one node's slice of a stable tree snapshot.
type ViewEntry struct {
	NodeID  uint64
	EdgeKey []byte
	Kvsets  []kvset.Kvset
}

// View is a reference-counted, prefix-stable snapshot of the tree.
type View struct {
	Entries []ViewEntry
}

// NewView captures a stable snapshot: every kvset in it holds an extra
// reference, so compactions may retire list entries without pulling them
// out from under the viewer.
func (t *Tree) NewView() *View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v := &View{Entries: make([]ViewEntry, 0, len(t.nodes))}
	for _, n := range t.nodes {
		var edge []byte
		if n.routeEnt != nil {
			edge = append([]byte(nil), n.routeEnt.Key()...)
		}
		list := lo.Map(n.kvsets, func(kv kvset.Kvset, _ int) kvset.Kvset {
			kv.Ref()
			return kv
		})
		v.Entries = append(v.Entries, ViewEntry{
			NodeID:  n.id,
			EdgeKey: edge,
			Kvsets:  list,
		})
	}
	return v
}

// Destroy releases every reference the view holds. The reference-count
// delta of a NewView/Destroy round trip is zero.
func (v *View) Destroy() {
	for _, e := range v.Entries {
		for _, kv := range e.Kvsets {
			kv.Unref()
		}
	}
	v.Entries = nil
}
