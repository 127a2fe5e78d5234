// Package journal records tree metadata transactions.
//
// Every compaction commit runs one journal transaction: additions for the
// output kvsets, deletions for the retired inputs, plus node records when
// a split creates or re-edges nodes. The journal is the tree's only
// durable metadata store; replaying it rebuilds the tree shape at attach.
//
// Implementations buffer records inside a transaction and apply them
// atomically at Commit. Nak discards the transaction; nothing written
// before Commit is visible to replay.
//
// @req RQ-0103
// @design DS-0105
package journal

import (
	"github.com/yndnr/canopy-go/internal/mblock"
)

// KvsetMeta is the per-kvset metadata a transaction records.
type KvsetMeta struct {
	Dgen     uint64
	Compc    uint32
	SeqnoMax uint64
}

// AddRecord describes one kvset addition.
type AddRecord struct {
	Cnid    uint64
	NodeID  uint64
	KvsetID uint64
	Meta    KvsetMeta
	Hblk    mblock.ID
	Kblks   []mblock.ID
	Vblks   []mblock.ID
}

// NodeRecord describes one node creation or edge-key rewrite.
type NodeRecord struct {
	Cnid    uint64
	NodeID  uint64
	EdgeKey []byte
}

// Cookie identifies a buffered add record within its transaction.
type Cookie int

// Txn is one metadata transaction.
type Txn interface {
	// RecordKvsetAdd buffers a kvset addition and returns its cookie.
	RecordKvsetAdd(rec AddRecord) (Cookie, error)

	// AckAdd finalizes a buffered addition. Unacked additions are
	// dropped at Commit.
	AckAdd(c Cookie) error

	// RecordKvsetDelete buffers a kvset deletion.
	RecordKvsetDelete(cnid, kvsetID uint64) error

	// RecordNodeAdd buffers a node creation with its route edge key.
	RecordNodeAdd(rec NodeRecord) error

	// RecordNodeEdge buffers an edge-key rewrite for an existing node.
	RecordNodeEdge(rec NodeRecord) error

	// Commit applies the buffered records atomically.
	Commit() error

	// Nak discards the transaction.
	Nak() error
}

// Replay receives the journal's surviving records at attach. Node records
// arrive before kvset records.
type Replay struct {
	OnNode  func(rec NodeRecord) error
	OnKvset func(rec AddRecord) error
}

// Journal is the metadata journal capability the tree consumes.
type Journal interface {
	// TxStart opens a transaction sized for nAdds additions and nDels
	// deletions. The ingest id and sequence horizon are recorded for
	// diagnostics.
	TxStart(ingestID, horizon uint64, nAdds, nDels int) (Txn, error)

	// MintNodeID returns a fresh non-zero node id.
	MintNodeID() (uint64, error)

	// MintKvsetID returns a fresh non-zero kvset id.
	MintKvsetID() (uint64, error)

	// Replay streams surviving records for one tree.
	Replay(cnid uint64, r Replay) error

	// Close releases the journal.
	Close() error
}
