package kvset

import (
	"bytes"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
	"github.com/yndnr/canopy-go/pkg/hlog"
)

// Block capacity and record overhead used for sizing the reference kvset.
const (
	kblkCap = 4 << 20
	vblkCap = 8 << 20

	// keyRecOverhead covers seqno, kind and length framing per record.
	keyRecOverhead = 16
)

// Builder assembles a Mem kvset from an ordered entry stream.
//
// Entries must arrive key ascending, seqno descending within a key, with
// prefix tombstones sorted at their key position. The builder enforces the
// ordering so a merge bug surfaces at build time rather than as a corrupt
// kvset.
type Builder struct {
	alloc mblock.Allocator
	class domain.MediaClass

	entries []Entry
	ptombs  []Entry

	sketch *hlog.Sketch

	keyWlen uint64
	valWlen uint64
	keys    uint64
	tombs   uint64

	carriedVblks []mblock.ID
	carryValAlen uint64
	carryValWlen uint64
	carrying     bool

	last     Entry
	haveLast bool
}

// NewBuilder creates a builder allocating output blocks on the given media
// class.
func NewBuilder(alloc mblock.Allocator, class domain.MediaClass) *Builder {
	return &Builder{
		alloc:  alloc,
		class:  class,
		sketch: hlog.New(),
	}
}

// Add appends one entry to the output.
func (b *Builder) Add(e Entry) error {
	if b.haveLast {
		c := bytes.Compare(b.last.Key, e.Key)
		if c > 0 || (c == 0 && b.last.Seqno <= e.Seqno && b.last.Kind != KindPtomb) {
			return domain.ErrCorrupt.WithDetails("builder input out of order")
		}
	}
	b.last = e
	b.haveLast = true

	e.Key = append([]byte(nil), e.Key...)
	e.Value = append([]byte(nil), e.Value...)

	switch e.Kind {
	case KindPtomb:
		b.ptombs = append(b.ptombs, e)
		b.tombs++
	case KindTomb:
		b.entries = append(b.entries, e)
		b.tombs++
	default:
		b.entries = append(b.entries, e)
		b.keys++
		b.valWlen += uint64(len(e.Value))
	}
	b.keyWlen += uint64(len(e.Key)) + keyRecOverhead
	b.sketch.Insert(e.Key)
	return nil
}

// CarryVblocks hands the builder value blocks taken over from the inputs
// of a key-only compaction. The built kvset references them instead of
// allocating fresh value blocks.
func (b *Builder) CarryVblocks(ids []mblock.ID, valAlen, valWlen uint64) {
	b.carriedVblks = append([]mblock.ID(nil), ids...)
	b.carryValAlen = valAlen
	b.carryValWlen = valWlen
	b.carrying = true
}

// Empty reports whether nothing was added.
func (b *Builder) Empty() bool {
	return len(b.entries) == 0 && len(b.ptombs) == 0
}

// KeyBlockCount returns the number of key blocks Build will allocate.
func (b *Builder) KeyBlockCount() int {
	return int((b.keyWlen + kblkCap - 1) / kblkCap)
}

// Build allocates blocks and produces the finished kvset. Building an
// empty stream returns nil with no error; callers skip the output.
func (b *Builder) Build(id, dgen uint64, compc uint32) (*Mem, error) {
	if b.Empty() {
		return nil, nil
	}

	nkblks := b.KeyBlockCount()
	nvblks := 0
	if !b.carrying {
		nvblks = int((b.valWlen + vblkCap - 1) / vblkCap)
	}

	ids, err := b.alloc.Alloc(1+nkblks+nvblks, b.class)
	if err != nil {
		return nil, err
	}

	m := &Mem{
		id:      id,
		dgen:    dgen,
		entries: b.entries,
		ptombs:  b.ptombs,
		sketch:  b.sketch,
		hblk:    ids[0],
		kblks:   ids[1 : 1+nkblks],
		vblks:   ids[1+nkblks:],
		alloc:   b.alloc,
	}
	m.compc.Store(compc)
	if b.carrying {
		m.vblks = b.carriedVblks
	}

	m.stats = domain.KvsetStats{
		Keys:    b.keys,
		Tombs:   b.tombs,
		KeyWlen: b.keyWlen,
		KeyAlen: domain.EstimateCompactedAlen(b.keyWlen, b.class),
		ValWlen: b.valWlen,
		ValAlen: domain.EstimateCompactedAlen(b.valWlen, b.class),
		Hblks:   1,
		Kblks:   uint64(nkblks),
		Vblks:   uint64(len(m.vblks)),
	}
	if b.carrying {
		m.stats.ValAlen = b.carryValAlen
		m.stats.ValWlen = b.carryValWlen
	}

	for i := range b.entries {
		m.noteKey(b.entries[i].Key, b.entries[i].Seqno)
	}
	for i := range b.ptombs {
		m.noteKey(b.ptombs[i].Key, b.ptombs[i].Seqno)
	}

	m.refs.Store(1)
	return m, nil
}

func (m *Mem) noteKey(key []byte, seqno uint64) {
	if m.minKey == nil || bytes.Compare(key, m.minKey) < 0 {
		m.minKey = append([]byte(nil), key...)
	}
	if m.maxKey == nil || bytes.Compare(key, m.maxKey) > 0 {
		m.maxKey = append([]byte(nil), key...)
	}
	if seqno > m.seqnoMax {
		m.seqnoMax = seqno
	}
}
