package kvset

import (
	"bytes"
	"container/heap"
)

// Merge combines ordered entry streams from several kvsets into one
// ordered stream, newest input first on ties.
//
// Inputs are given newest first: on an exact (key, seqno) collision the
// lower input index wins. A point tombstone suppresses every older record
// of its key; a prefix tombstone suppresses every older record carrying
// its prefix. With tombstone dropping enabled the tombstones themselves
// are also elided, which is only legal when the output lands at the oldest
// position of its node.
type Merge struct {
	h         srcHeap
	dropTombs bool

	// Suppression state for the key currently being emitted.
	curKey  []byte
	haveCur bool
	tombSeq uint64
	lastSeq uint64
	haveSeq bool

	// Active prefix tombstones observed so far.
	ptombs []Entry

	// Cancel is polled at every iterator boundary; when it returns true
	// the merge stops and Canceled reports true.
	Cancel func() bool

	canceled bool
}

type src struct {
	it   Iter
	head Entry
	idx  int
}

type srcHeap []*src

func (h srcHeap) Len() int { return len(h) }
func (h srcHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].head.Key, h[j].head.Key)
	if c != 0 {
		return c < 0
	}
	// Ptombs first at equal key, then seqno descending, then newest input.
	pi, pj := h[i].head.Kind == KindPtomb, h[j].head.Kind == KindPtomb
	if pi != pj {
		return pi
	}
	if h[i].head.Seqno != h[j].head.Seqno {
		return h[i].head.Seqno > h[j].head.Seqno
	}
	return h[i].idx < h[j].idx
}
func (h srcHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *srcHeap) Push(x any) { *h = append(*h, x.(*src)) }
func (h *srcHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// NewMerge creates a merge over iterators ordered newest first. dropTombs
// enables tombstone elision.
func NewMerge(iters []Iter, dropTombs bool) *Merge {
	m := &Merge{dropTombs: dropTombs}
	for i, it := range iters {
		e, ok := it.Next()
		if !ok {
			continue
		}
		m.h = append(m.h, &src{it: it, head: e, idx: i})
	}
	heap.Init(&m.h)
	return m
}

// Canceled reports whether the merge stopped due to cancellation.
func (m *Merge) Canceled() bool { return m.canceled }

// Next returns the next merged entry.
func (m *Merge) Next() (Entry, bool) {
	for m.h.Len() > 0 {
		if m.Cancel != nil && m.Cancel() {
			m.canceled = true
			return Entry{}, false
		}

		s := m.h[0]
		e := s.head
		if ne, ok := s.it.Next(); ok {
			s.head = ne
			heap.Fix(&m.h, 0)
		} else {
			heap.Pop(&m.h)
		}

		if emit, out := m.sift(e); emit {
			return out, true
		}
	}
	return Entry{}, false
}

// sift applies duplicate elimination and tombstone suppression to one
// entry popped off the heap.
func (m *Merge) sift(e Entry) (bool, Entry) {
	if e.Kind == KindPtomb {
		m.ptombs = append(m.ptombs, e)
		if m.dropTombs {
			return false, Entry{}
		}
		return true, e
	}

	if !m.haveCur || !bytes.Equal(m.curKey, e.Key) {
		m.curKey = append(m.curKey[:0], e.Key...)
		m.haveCur = true
		m.tombSeq = 0
		m.haveSeq = false
	}

	// Shadowed by a newer point tombstone of the same key.
	if m.tombSeq > 0 && e.Seqno <= m.tombSeq {
		return false, Entry{}
	}

	// Shadowed by a prefix tombstone.
	for i := range m.ptombs {
		pt := &m.ptombs[i]
		if pt.Seqno >= e.Seqno && bytes.HasPrefix(e.Key, pt.Key) {
			return false, Entry{}
		}
	}

	// Exact (key, seqno) duplicate across inputs: the newer input popped
	// first, so a later duplicate is dropped.
	if m.haveSeq && m.lastSeq == e.Seqno {
		return false, Entry{}
	}
	m.lastSeq = e.Seqno
	m.haveSeq = true

	if e.Kind == KindTomb {
		m.tombSeq = e.Seqno
		if m.dropTombs {
			return false, Entry{}
		}
	}
	return true, e
}
