package tree

import (
	"github.com/yndnr/canopy-go/internal/core/kvset"
)

// Get performs a point lookup: the root's kvset list is walked newest to
// oldest, then the route map resolves the key to exactly one leaf whose
// list is walked the same way. The descent depth is at most two nodes.
func (t *Tree) Get(key []byte, seqno uint64) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if val, res := getInNode(t.root, key, seqno); res != kvset.NotFound {
		return val, res == kvset.Found, nil
	}

	ent, err := t.rmap.Lookup(key)
	if err != nil {
		return nil, false, err
	}
	leaf := ent.Ref().(*Node)
	if val, res := getInNode(leaf, key, seqno); res != kvset.NotFound {
		return val, res == kvset.Found, nil
	}
	return nil, false, nil
}

func getInNode(n *Node, key []byte, seqno uint64) ([]byte, kvset.GetResult) {
	for _, kv := range n.kvsets {
		if val, res := kv.Get(key, seqno); res != kvset.NotFound {
			return val, res
		}
	}
	return nil, kvset.NotFound
}

// ProbePrefix reports whether any live key carrying pfx exists at seqno.
// The walk accumulates hits until a prefix tombstone is observed or more
// than one hit is found, which is enough to answer existence.
func (t *Tree) ProbePrefix(pfx []byte, seqno uint64) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hits := 0
	for _, kv := range t.root.kvsets {
		h, ptomb := kv.PrefixProbe(pfx, seqno, 1)
		hits += h
		if ptomb || hits > 1 {
			return hits > 0, nil
		}
	}

	ent, err := t.rmap.Lookup(pfx)
	if err != nil {
		return false, err
	}
	leaf := ent.Ref().(*Node)
	for _, kv := range leaf.kvsets {
		h, ptomb := kv.PrefixProbe(pfx, seqno, 1)
		hits += h
		if ptomb || hits > 1 {
			return hits > 0, nil
		}
	}
	return hits > 0, nil
}
