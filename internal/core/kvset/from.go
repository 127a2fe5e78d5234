package kvset

import (
	"bytes"
	"sort"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// FromEntries builds a kvset directly from a batch of entries, sorting
// them into kvset order first. This is the construction path an ingest
// uses: the client's sorted batch becomes the newest kvset of the root.
func FromEntries(alloc mblock.Allocator, class domain.MediaClass, id, dgen uint64, entries []Entry) (*Mem, error) {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := bytes.Compare(sorted[i].Key, sorted[j].Key)
		if c != 0 {
			return c < 0
		}
		pi, pj := sorted[i].Kind == KindPtomb, sorted[j].Kind == KindPtomb
		if pi != pj {
			return pi
		}
		return sorted[i].Seqno > sorted[j].Seqno
	})

	b := NewBuilder(alloc, class)
	for _, e := range sorted {
		if err := b.Add(e); err != nil {
			return nil, err
		}
	}
	kv, err := b.Build(id, dgen, 0)
	if err != nil {
		return nil, err
	}
	if kv == nil {
		return nil, domain.ErrInvalidConfig.WithDetails("ingest of empty entry batch")
	}
	return kv, nil
}
