package kvset

import (
	"testing"

	"github.com/yndnr/canopy-go/internal/mblock"
)

func drain(m *Merge) []Entry {
	var out []Entry
	for {
		e, ok := m.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestMerge_NewestWinsOnCollision(t *testing.T) {
	alloc := mblock.NewMem()
	newer := build(t, alloc, 2, 2, val("a", 5, "new"), val("b", 1, "b1"))
	older := build(t, alloc, 1, 1, val("a", 5, "old"), val("c", 1, "c1"))

	out := drain(NewMerge([]Iter{newer.NewIter(), older.NewIter()}, false))
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if string(out[0].Key) != "a" || string(out[0].Value) != "new" {
		t.Fatalf("out[0] = %q/%q, want a/new", out[0].Key, out[0].Value)
	}
}

func TestMerge_KeepsDistinctVersions(t *testing.T) {
	alloc := mblock.NewMem()
	newer := build(t, alloc, 2, 2, val("a", 5, "v5"))
	older := build(t, alloc, 1, 1, val("a", 2, "v2"))

	out := drain(NewMerge([]Iter{newer.NewIter(), older.NewIter()}, false))
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want both versions", len(out))
	}
	if out[0].Seqno != 5 || out[1].Seqno != 2 {
		t.Fatalf("seqnos = %d,%d, want 5,2", out[0].Seqno, out[1].Seqno)
	}
}

func TestMerge_TombSuppressesOlder(t *testing.T) {
	alloc := mblock.NewMem()
	newer := build(t, alloc, 2, 2, tomb("k", 5))
	older := build(t, alloc, 1, 1, val("k", 3, "dead"), val("k", 7, "live"))

	// Without dropping: tombstone survives, k@3 suppressed, k@7 (newer
	// than the tombstone) survives.
	out := drain(NewMerge([]Iter{newer.NewIter(), older.NewIter()}, false))
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Seqno != 7 || out[1].Kind != KindTomb {
		t.Fatalf("out = %+v, want k@7 then tomb", out)
	}

	// With dropping the tombstone itself goes too.
	out = drain(NewMerge([]Iter{newer.NewIter(), older.NewIter()}, true))
	if len(out) != 1 || out[0].Seqno != 7 {
		t.Fatalf("dropped merge out = %+v, want only k@7", out)
	}
}

func TestMerge_PtombSuppressesPrefix(t *testing.T) {
	alloc := mblock.NewMem()
	newer := build(t, alloc, 2, 2, ptomb("p", 6))
	older := build(t, alloc, 1, 1, val("pa", 3, "dead"), val("pb", 8, "live"), val("q", 1, "other"))

	out := drain(NewMerge([]Iter{newer.NewIter(), older.NewIter()}, true))
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (pb@8, q@1)", len(out))
	}
	if string(out[0].Key) != "pb" || string(out[1].Key) != "q" {
		t.Fatalf("keys = %q,%q, want pb,q", out[0].Key, out[1].Key)
	}
}

func TestMerge_CancelStopsAtBoundary(t *testing.T) {
	alloc := mblock.NewMem()
	kv := build(t, alloc, 1, 1, val("a", 1, "x"), val("b", 1, "y"))

	m := NewMerge([]Iter{kv.NewIter()}, false)
	calls := 0
	m.Cancel = func() bool {
		calls++
		return calls > 1
	}

	if _, ok := m.Next(); !ok {
		t.Fatal("first Next should succeed")
	}
	if _, ok := m.Next(); ok {
		t.Fatal("Next should observe cancellation")
	}
	if !m.Canceled() {
		t.Fatal("Canceled() = false")
	}
}

func TestMerge_OutputOrderFeedsBuilder(t *testing.T) {
	alloc := mblock.NewMem()
	a := build(t, alloc, 3, 3, val("d", 9, "d9"), val("f", 2, "f2"))
	b := build(t, alloc, 2, 2, val("a", 4, "a4"), val("d", 1, "d1"))
	c := build(t, alloc, 1, 1, val("b", 7, "b7"))

	m := NewMerge([]Iter{a.NewIter(), b.NewIter(), c.NewIter()}, false)
	bld := NewBuilder(alloc, 0)
	for {
		e, ok := m.Next()
		if !ok {
			break
		}
		if err := bld.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	kv, err := bld.Build(9, 3, 1)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if kv.Stats().Keys != 5 {
		t.Fatalf("keys = %d, want 5", kv.Stats().Keys)
	}
}
