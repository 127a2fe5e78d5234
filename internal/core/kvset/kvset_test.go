package kvset

import (
	"testing"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/mblock"
)

func val(key string, seqno uint64, v string) Entry {
	return Entry{Key: []byte(key), Seqno: seqno, Kind: KindValue, Value: []byte(v)}
}

func tomb(key string, seqno uint64) Entry {
	return Entry{Key: []byte(key), Seqno: seqno, Kind: KindTomb}
}

func ptomb(pfx string, seqno uint64) Entry {
	return Entry{Key: []byte(pfx), Seqno: seqno, Kind: KindPtomb}
}

func build(t *testing.T, alloc mblock.Allocator, id, dgen uint64, entries ...Entry) *Mem {
	t.Helper()
	kv, err := FromEntries(alloc, domain.MediaStaging, id, dgen, entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	return kv
}

func TestMem_GetVisibility(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1,
		val("a", 5, "v5"),
		val("a", 2, "v2"),
		val("b", 3, "w3"),
	)

	tests := []struct {
		key   string
		seqno uint64
		want  string
		res   GetResult
	}{
		{"a", 10, "v5", Found},
		{"a", 5, "v5", Found},
		{"a", 4, "v2", Found},
		{"a", 1, "", NotFound},
		{"b", 3, "w3", Found},
		{"c", 10, "", NotFound},
	}

	for _, tt := range tests {
		v, res := kv.Get([]byte(tt.key), tt.seqno)
		if res != tt.res {
			t.Errorf("Get(%q@%d) res = %v, want %v", tt.key, tt.seqno, res, tt.res)
			continue
		}
		if res == Found && string(v) != tt.want {
			t.Errorf("Get(%q@%d) = %q, want %q", tt.key, tt.seqno, v, tt.want)
		}
	}
}

func TestMem_GetTombstones(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1,
		val("a", 2, "old"),
		tomb("a", 5),
		ptomb("p", 7),
		val("px", 4, "shadowed"),
		val("px", 9, "live"),
	)

	if _, res := kv.Get([]byte("a"), 10); res != FoundTomb {
		t.Fatalf("tombstoned key res = %v, want FoundTomb", res)
	}
	if v, res := kv.Get([]byte("a"), 3); res != Found || string(v) != "old" {
		t.Fatalf("pre-tombstone Get = %q/%v, want old/Found", v, res)
	}

	// Ptomb at seq 7 shadows px@4 but not px@9.
	if v, res := kv.Get([]byte("px"), 20); res != Found || string(v) != "live" {
		t.Fatalf("Get(px@20) = %q/%v, want live/Found", v, res)
	}
	if _, res := kv.Get([]byte("px"), 7); res != FoundTomb {
		t.Fatalf("Get(px@7) res = %v, want FoundTomb", res)
	}
}

func TestMem_PrefixProbe(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1,
		val("pa", 1, "1"),
		val("pb", 1, "2"),
		val("q", 1, "3"),
	)

	hits, pt := kv.PrefixProbe([]byte("p"), 10, 1)
	if pt {
		t.Fatal("unexpected ptomb")
	}
	if hits != 2 {
		t.Fatalf("hits = %d, want 2 (stop past max)", hits)
	}

	kv2 := build(t, alloc, 2, 2, ptomb("p", 5), val("pa", 3, "x"))
	if _, pt := kv2.PrefixProbe([]byte("pa"), 10, 1); !pt {
		t.Fatal("ptomb not reported")
	}
}

func TestMem_RefcountDeletesBlocks(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1, val("a", 1, "x"))

	ids := append([]mblock.ID{kv.HblkID()}, kv.KblkIDs()...)
	ids = append(ids, kv.VblkIDs()...)
	if err := alloc.Commit(ids); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	kv.Ref()
	kv.MarkForDelete(false)
	kv.Unref()
	if alloc.Deleted(kv.HblkID()) {
		t.Fatal("blocks deleted while a reference remains")
	}

	kv.Unref()
	for _, id := range ids {
		if !alloc.Deleted(id) {
			t.Fatalf("block %d not deleted at final unref", id)
		}
	}
}

func TestMem_KeepVblocksSurviveDelete(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1, val("a", 1, "x"))

	kv.MarkForDelete(true)
	kv.Unref()

	if !alloc.Deleted(kv.HblkID()) {
		t.Fatal("hblock should be deleted")
	}
	for _, id := range kv.VblkIDs() {
		if alloc.Deleted(id) {
			t.Fatal("vblock deleted despite keepVblocks")
		}
	}
}

func TestBuilder_RejectsDisorder(t *testing.T) {
	b := NewBuilder(mblock.NewMem(), domain.MediaStaging)
	if err := b.Add(val("b", 1, "x")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(val("a", 1, "y")); err == nil {
		t.Fatal("out-of-order Add accepted")
	}
}

func TestBuilder_EmptyBuildsNil(t *testing.T) {
	b := NewBuilder(mblock.NewMem(), domain.MediaStaging)
	kv, err := b.Build(1, 1, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if kv != nil {
		t.Fatal("empty build should return nil")
	}
}

func TestMem_MinMaxAndStats(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 7,
		val("m", 4, "v"),
		val("a", 2, "v"),
		val("z", 9, "v"),
		tomb("q", 3),
	)

	if string(kv.MinKey()) != "a" || string(kv.MaxKey()) != "z" {
		t.Fatalf("min/max = %q/%q, want a/z", kv.MinKey(), kv.MaxKey())
	}
	if kv.SeqnoMax() != 9 {
		t.Fatalf("SeqnoMax = %d, want 9", kv.SeqnoMax())
	}
	if kv.Dgen() != 7 {
		t.Fatalf("Dgen = %d, want 7", kv.Dgen())
	}

	st := kv.Stats()
	if st.Keys != 3 || st.Tombs != 1 {
		t.Fatalf("stats keys/tombs = %d/%d, want 3/1", st.Keys, st.Tombs)
	}
	if st.Alen() == 0 || st.Wlen() == 0 {
		t.Fatal("zero alen/wlen")
	}
	if est := kv.Hlog().Estimate(); est != 4 {
		t.Fatalf("hlog estimate = %d, want 4", est)
	}
}
