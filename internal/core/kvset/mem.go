package kvset

import (
	"bytes"
	"sort"
	"sync/atomic"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
	"github.com/yndnr/canopy-go/pkg/hlog"
)

// Mem is the reference kvset implementation. Entries live in memory;
// block IDs are real reservations against the block allocator so the
// commit and delete paths exercise the same accounting a media-backed
// kvset would.
type Mem struct {
	id    uint64
	dgen  uint64
	compc atomic.Uint32

	workID atomic.Uint64

	refs      atomic.Int32
	delMarked atomic.Bool
	keepVblks atomic.Bool

	// entries sorted by key ascending, seqno descending.
	entries []Entry
	ptombs  []Entry // prefix tombstones, key ascending

	minKey, maxKey []byte
	seqnoMax       uint64

	sketch *hlog.Sketch
	stats  domain.KvsetStats

	hblk  mblock.ID
	kblks []mblock.ID
	vblks []mblock.ID

	alloc mblock.Allocator
}

var _ Kvset = (*Mem)(nil)

// ID implements Kvset.
func (m *Mem) ID() uint64 { return m.id }

// Dgen implements Kvset.
func (m *Mem) Dgen() uint64 { return m.dgen }

// Compc implements Kvset.
func (m *Mem) Compc() uint32 { return m.compc.Load() }

// SetCompc implements Kvset.
func (m *Mem) SetCompc(c uint32) { m.compc.Store(c) }

// WorkID implements Kvset.
func (m *Mem) WorkID() uint64 { return m.workID.Load() }

// SetWorkID implements Kvset.
func (m *Mem) SetWorkID(id uint64) { m.workID.Store(id) }

// MinKey implements Kvset.
func (m *Mem) MinKey() []byte { return m.minKey }

// MaxKey implements Kvset.
func (m *Mem) MaxKey() []byte { return m.maxKey }

// SeqnoMax implements Kvset.
func (m *Mem) SeqnoMax() uint64 { return m.seqnoMax }

// Hlog implements Kvset.
func (m *Mem) Hlog() *hlog.Sketch { return m.sketch }

// Stats implements Kvset.
func (m *Mem) Stats() domain.KvsetStats { return m.stats }

// HblkID implements Kvset.
func (m *Mem) HblkID() mblock.ID { return m.hblk }

// KblkIDs implements Kvset.
func (m *Mem) KblkIDs() []mblock.ID { return m.kblks }

// VblkIDs implements Kvset.
func (m *Mem) VblkIDs() []mblock.ID { return m.vblks }

// AllBlockIDs returns every block id the kvset references: hblock, key
// blocks, then value blocks.
func (m *Mem) AllBlockIDs() []mblock.ID {
	ids := make([]mblock.ID, 0, 1+len(m.kblks)+len(m.vblks))
	ids = append(ids, m.hblk)
	ids = append(ids, m.kblks...)
	ids = append(ids, m.vblks...)
	return ids
}

// Ref implements Kvset.
func (m *Mem) Ref() { m.refs.Add(1) }

// Unref implements Kvset. Dropping the last reference deletes the blocks
// if the kvset was marked, sparing vblocks when a k-compact output took
// them over.
func (m *Mem) Unref() {
	n := m.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(domain.ErrTreeBug.WithDetails("kvset refcount underflow"))
	}
	if !m.delMarked.Load() || m.alloc == nil {
		return
	}
	ids := append([]mblock.ID{m.hblk}, m.kblks...)
	if !m.keepVblks.Load() {
		ids = append(ids, m.vblks...)
	}
	_ = m.alloc.Delete(ids)
}

// Refs returns the current reference count. Test helper.
func (m *Mem) Refs() int32 { return m.refs.Load() }

// MarkForDelete implements Kvset.
func (m *Mem) MarkForDelete(keepVblocks bool) {
	m.keepVblks.Store(keepVblocks)
	m.delMarked.Store(true)
}

// MaxPtomb implements Kvset.
func (m *Mem) MaxPtomb() (Entry, bool) {
	var best *Entry
	for i := range m.ptombs {
		if best == nil || m.ptombs[i].Seqno > best.Seqno {
			best = &m.ptombs[i]
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Get implements Kvset.
func (m *Mem) Get(key []byte, seqno uint64) ([]byte, GetResult) {
	// Newest visible point record for the key.
	var hit *Entry
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, key) >= 0
	})
	for ; i < len(m.entries) && bytes.Equal(m.entries[i].Key, key); i++ {
		if m.entries[i].Seqno <= seqno {
			hit = &m.entries[i]
			break
		}
	}

	// A prefix tombstone newer than the point record shadows it.
	var ptombSeq uint64
	for i := range m.ptombs {
		pt := &m.ptombs[i]
		if pt.Seqno <= seqno && bytes.HasPrefix(key, pt.Key) && pt.Seqno > ptombSeq {
			ptombSeq = pt.Seqno
		}
	}

	if hit == nil {
		if ptombSeq > 0 {
			return nil, FoundTomb
		}
		return nil, NotFound
	}
	if ptombSeq > hit.Seqno {
		return nil, FoundTomb
	}
	if hit.Kind == KindTomb {
		return nil, FoundTomb
	}
	return hit.Value, Found
}

// PrefixProbe implements Kvset.
func (m *Mem) PrefixProbe(pfx []byte, seqno uint64, max int) (int, bool) {
	for i := range m.ptombs {
		pt := &m.ptombs[i]
		if pt.Seqno <= seqno && (bytes.HasPrefix(pfx, pt.Key) || bytes.HasPrefix(pt.Key, pfx)) {
			return 0, true
		}
	}

	hits := 0
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].Key, pfx) >= 0
	})
	var lastKey []byte
	for ; i < len(m.entries) && bytes.HasPrefix(m.entries[i].Key, pfx); i++ {
		e := &m.entries[i]
		if e.Seqno > seqno || bytes.Equal(e.Key, lastKey) {
			continue
		}
		lastKey = e.Key
		if e.Kind == KindValue {
			hits++
			if hits > max {
				return hits, false
			}
		}
	}
	return hits, false
}

// NewIter implements Kvset. Prefix tombstones are interleaved at their key
// position so a merge across kvsets observes them in order.
func (m *Mem) NewIter() Iter {
	return &memIter{kv: m}
}

type memIter struct {
	kv *Mem
	ei int // next point entry
	pi int // next prefix tombstone
}

// Next implements Iter.
func (it *memIter) Next() (Entry, bool) {
	kv := it.kv
	eOK := it.ei < len(kv.entries)
	pOK := it.pi < len(kv.ptombs)

	switch {
	case !eOK && !pOK:
		return Entry{}, false
	case eOK && pOK:
		// A ptomb sorts before the point entries it covers; ties go to
		// the ptomb so suppression sees it first.
		c := bytes.Compare(kv.ptombs[it.pi].Key, kv.entries[it.ei].Key)
		if c <= 0 {
			e := kv.ptombs[it.pi]
			it.pi++
			return e, true
		}
		e := kv.entries[it.ei]
		it.ei++
		return e, true
	case pOK:
		e := kv.ptombs[it.pi]
		it.pi++
		return e, true
	default:
		e := kv.entries[it.ei]
		it.ei++
		return e, true
	}
}
