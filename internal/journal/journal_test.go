package journal

import (
	"errors"
	"testing"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
)

func testJournals(t *testing.T) map[string]Journal {
	t.Helper()

	b, err := NewBadger(BadgerConfig{Dir: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	return map[string]Journal{
		"mem":    NewMem(),
		"badger": b,
	}
}

func TestJournal_CommitThenReplay(t *testing.T) {
	for name, j := range testJournals(t) {
		t.Run(name, func(t *testing.T) {
			const cnid = 7

			txn, err := j.TxStart(1, 100, 2, 1)
			if err != nil {
				t.Fatalf("TxStart: %v", err)
			}

			if err := txn.RecordNodeAdd(NodeRecord{Cnid: cnid, NodeID: 3, EdgeKey: []byte("m")}); err != nil {
				t.Fatalf("RecordNodeAdd: %v", err)
			}

			rec := AddRecord{
				Cnid:    cnid,
				NodeID:  3,
				KvsetID: 11,
				Meta:    KvsetMeta{Dgen: 9, Compc: 2, SeqnoMax: 42},
				Hblk:    100,
				Kblks:   []mblock.ID{101, 102},
				Vblks:   []mblock.ID{103},
			}
			c1, err := txn.RecordKvsetAdd(rec)
			if err != nil {
				t.Fatalf("RecordKvsetAdd: %v", err)
			}

			// A second add that never gets acked must not survive.
			unacked := rec
			unacked.KvsetID = 12
			if _, err := txn.RecordKvsetAdd(unacked); err != nil {
				t.Fatalf("RecordKvsetAdd: %v", err)
			}

			if err := txn.AckAdd(c1); err != nil {
				t.Fatalf("AckAdd: %v", err)
			}
			if err := txn.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			var nodes []NodeRecord
			var kvsets []AddRecord
			err = j.Replay(cnid, Replay{
				OnNode:  func(r NodeRecord) error { nodes = append(nodes, r); return nil },
				OnKvset: func(r AddRecord) error { kvsets = append(kvsets, r); return nil },
			})
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}

			if len(nodes) != 1 || nodes[0].NodeID != 3 || string(nodes[0].EdgeKey) != "m" {
				t.Fatalf("nodes = %+v, want one node 3 with edge m", nodes)
			}
			if len(kvsets) != 1 {
				t.Fatalf("len(kvsets) = %d, want 1 (unacked add dropped)", len(kvsets))
			}
			got := kvsets[0]
			if got.KvsetID != 11 || got.Meta.Dgen != 9 || got.Meta.Compc != 2 || got.Meta.SeqnoMax != 42 {
				t.Fatalf("kvset meta = %+v", got)
			}
			if got.Hblk != 100 || len(got.Kblks) != 2 || len(got.Vblks) != 1 {
				t.Fatalf("block ids = %+v", got)
			}
		})
	}
}

func TestJournal_DeleteRemovesRecord(t *testing.T) {
	for name, j := range testJournals(t) {
		t.Run(name, func(t *testing.T) {
			const cnid = 1

			txn, _ := j.TxStart(0, 0, 1, 0)
			c, _ := txn.RecordKvsetAdd(AddRecord{Cnid: cnid, KvsetID: 5, Meta: KvsetMeta{Dgen: 1}})
			txn.AckAdd(c)
			if err := txn.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			txn, _ = j.TxStart(0, 0, 0, 1)
			if err := txn.RecordKvsetDelete(cnid, 5); err != nil {
				t.Fatalf("RecordKvsetDelete: %v", err)
			}
			if err := txn.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			n := 0
			j.Replay(cnid, Replay{OnKvset: func(AddRecord) error { n++; return nil }})
			if n != 0 {
				t.Fatalf("replayed %d kvsets after delete, want 0", n)
			}
		})
	}
}

func TestJournal_NakDiscards(t *testing.T) {
	for name, j := range testJournals(t) {
		t.Run(name, func(t *testing.T) {
			txn, _ := j.TxStart(0, 0, 1, 0)
			c, _ := txn.RecordKvsetAdd(AddRecord{Cnid: 2, KvsetID: 9, Meta: KvsetMeta{Dgen: 1}})
			txn.AckAdd(c)
			if err := txn.Nak(); err != nil {
				t.Fatalf("Nak: %v", err)
			}

			n := 0
			j.Replay(2, Replay{OnKvset: func(AddRecord) error { n++; return nil }})
			if n != 0 {
				t.Fatalf("replayed %d kvsets after nak, want 0", n)
			}
		})
	}
}

func TestJournal_MintedIDsAreNonZeroAndUnique(t *testing.T) {
	for name, j := range testJournals(t) {
		t.Run(name, func(t *testing.T) {
			seen := make(map[uint64]bool)
			for i := 0; i < 100; i++ {
				id, err := j.MintNodeID()
				if err != nil {
					t.Fatalf("MintNodeID: %v", err)
				}
				if id == 0 {
					t.Fatal("minted node id 0 (reserved for root)")
				}
				if seen[id] {
					t.Fatalf("duplicate node id %d", id)
				}
				seen[id] = true
			}
		})
	}
}

func TestMem_FailureInjection(t *testing.T) {
	j := NewMem()

	j.FailTxStart = domain.ErrJournalFailed
	if _, err := j.TxStart(0, 0, 0, 0); !errors.Is(err, domain.ErrJournalFailed) {
		t.Fatalf("TxStart err = %v, want ErrJournalFailed", err)
	}

	j.FailCommit = domain.ErrJournalFailed
	txn, err := j.TxStart(0, 0, 0, 0)
	if err != nil {
		t.Fatalf("TxStart: %v", err)
	}
	if err := txn.Commit(); !errors.Is(err, domain.ErrJournalFailed) {
		t.Fatalf("Commit err = %v, want ErrJournalFailed", err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	rec := AddRecord{
		Cnid:    3,
		NodeID:  4,
		KvsetID: 5,
		Meta:    KvsetMeta{Dgen: 6, Compc: 7, SeqnoMax: 8},
		Hblk:    9,
		Kblks:   []mblock.ID{10, 11, 12},
		Vblks:   nil,
	}

	got, err := decodeAdd(3, 5, encodeAdd(rec))
	if err != nil {
		t.Fatalf("decodeAdd: %v", err)
	}
	if got.NodeID != rec.NodeID || got.Meta != rec.Meta || got.Hblk != rec.Hblk {
		t.Fatalf("round trip = %+v, want %+v", got, rec)
	}
	if len(got.Kblks) != 3 || len(got.Vblks) != 0 {
		t.Fatalf("block lists = %+v", got)
	}

	if _, err := decodeAdd(3, 5, []byte{recVersion, 1, 2}); err == nil {
		t.Fatal("truncated record decoded without error")
	}
}

func TestCodec_RejectsCorruption(t *testing.T) {
	buf := encodeAdd(AddRecord{Cnid: 1, KvsetID: 2, Meta: KvsetMeta{Dgen: 3}, Hblk: 4})

	flipped := append([]byte(nil), buf...)
	flipped[recHdrSize] ^= 0xff
	if _, err := decodeAdd(1, 2, flipped); err == nil {
		t.Fatal("checksum mismatch decoded without error")
	}

	badMagic := append([]byte(nil), buf...)
	badMagic[0] = 'X'
	if _, err := decodeAdd(1, 2, badMagic); err == nil {
		t.Fatal("bad magic decoded without error")
	}
}
