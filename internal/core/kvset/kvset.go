// Package kvset defines the immutable key-value set surface the tree
// consumes, plus a reference implementation backed by the in-memory block
// allocator.
//
// A kvset is an immutable, sorted set of entries persisted as one header
// block, n key blocks and m value blocks. Kvsets are reference counted and
// shared between the tree's node lists and transient readers; when the
// last reference drops, a kvset marked for delete releases its blocks.
//
// @req RQ-0102
// @design DS-0102
package kvset

import (
	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
	"github.com/yndnr/canopy-go/pkg/hlog"
)

// EntryKind discriminates the three entry flavors a kvset stores.
type EntryKind uint8

const (
	// KindValue is a live key-value pair.
	KindValue EntryKind = iota

	// KindTomb is a point tombstone: the key was deleted at Seqno.
	KindTomb

	// KindPtomb is a prefix tombstone: every key carrying Key as a prefix
	// was deleted at Seqno.
	KindPtomb
)

// Entry is one logical record inside a kvset.
type Entry struct {
	Key   []byte
	Seqno uint64
	Kind  EntryKind
	Value []byte
}

// GetResult classifies the outcome of a point lookup inside one kvset.
type GetResult int

const (
	// NotFound means the kvset holds nothing visible for the key.
	NotFound GetResult = iota

	// Found means a live value was found.
	Found

	// FoundTomb means the newest visible record is a tombstone; the
	// descent must stop without consulting older kvsets.
	FoundTomb
)

// Kvset is the capability set the tree consumes. Implementations must be
// immutable after construction except for the work-id reservation stamp,
// the compaction counter and the delete mark.
type Kvset interface {
	// ID is the journal-minted kvset id.
	ID() uint64

	// Dgen is the data generation: a monotonic integer, higher is newer.
	Dgen() uint64

	// Compc is the compaction-count policy hint.
	Compc() uint32
	SetCompc(uint32)

	// WorkID is the reservation stamp. A non-zero work-id means exactly
	// one in-flight compaction owns this kvset as input.
	WorkID() uint64
	SetWorkID(uint64)

	// MinKey and MaxKey bound the keys stored. Empty kvsets are never
	// valid compaction inputs, so both are always well-defined.
	MinKey() []byte
	MaxKey() []byte

	// SeqnoMax is the highest sequence number stored.
	SeqnoMax() uint64

	// Hlog returns the unique-key sketch, or nil when none was built.
	Hlog() *hlog.Sketch

	// Stats returns the kvset's size and count statistics.
	Stats() domain.KvsetStats

	// Block identity.
	HblkID() mblock.ID
	KblkIDs() []mblock.ID
	VblkIDs() []mblock.ID

	// Ref and Unref adjust the reference count. Unref of the last
	// reference frees the blocks if the kvset was marked for delete.
	Ref()
	Unref()

	// MarkForDelete arranges for block deletion at final Unref. With
	// keepVblocks the value blocks survive; a k-compact output shares
	// them with its inputs.
	MarkForDelete(keepVblocks bool)

	// MaxPtomb returns the highest-seqno prefix tombstone stored, if
	// any. Capped trees track it as an eviction high-water mark.
	MaxPtomb() (Entry, bool)

	// Get finds the newest record for key visible at seqno.
	Get(key []byte, seqno uint64) ([]byte, GetResult)

	// PrefixProbe counts live keys carrying pfx visible at seqno, up to
	// max+1, and reports whether a prefix tombstone was seen first.
	PrefixProbe(pfx []byte, seqno uint64, max int) (hits int, ptomb bool)

	// NewIter returns an ordered iterator over all entries.
	NewIter() Iter
}

// Iter walks kvset entries ordered by key ascending, seqno descending.
type Iter interface {
	// Next returns the next entry, or ok=false at end.
	Next() (Entry, bool)
}
