package tree

import (
	"testing"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

func TestSamp_UpdateCompactIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(1, val("a", 1, "x"), val("b", 1, "y"))
	e.ingest(2, val("a", 2, "z"))

	e.tree.mu.Lock()
	e.tree.sampUpdateCompact(e.tree.root)
	first := e.tree.root.stats
	firstSamp := e.tree.root.samp
	treeFirst := e.tree.samp

	e.tree.sampUpdateCompact(e.tree.root)
	second := e.tree.root.stats
	secondSamp := e.tree.root.samp
	treeSecond := e.tree.samp
	e.tree.mu.Unlock()

	if first != second {
		t.Fatalf("stats differ across idempotent recompute:\n%+v\n%+v", first, second)
	}
	if firstSamp != secondSamp || treeFirst != treeSecond {
		t.Fatal("samp drifted across idempotent recompute")
	}
}

func TestSamp_IngestWatermarkSkipsRefold(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(1, val("a", 1, "x"))

	e.tree.mu.Lock()
	before := e.tree.root.stats
	// The head was already folded by the ingest; a second incremental
	// update must be a no-op.
	e.tree.sampUpdateIngest(e.tree.root)
	after := e.tree.root.stats
	e.tree.mu.Unlock()

	if before != after {
		t.Fatalf("watermarked refold changed stats:\n%+v\n%+v", before, after)
	}
	if before.Kvsets != 1 {
		t.Fatalf("kvset count = %d, want 1", before.Kvsets)
	}
}

func TestSamp_UniqueFractionScalesClen(t *testing.T) {
	e := newTestEnv(t)

	// Two kvsets with identical keys: half the key population is
	// duplicate, so the compacted-length projection must shrink.
	e.ingest(1, val("a", 1, "x"), val("b", 1, "y"))
	e.ingest(2, val("a", 2, "x2"), val("b", 2, "y2"))

	st, err := e.tree.NodeStats(RootNodeID)
	if err != nil {
		t.Fatalf("NodeStats: %v", err)
	}
	if st.Keys != 4 {
		t.Fatalf("keys = %d, want 4", st.Keys)
	}
	if st.KeysUniq != 2 {
		t.Fatalf("unique keys = %d, want 2", st.KeysUniq)
	}
	if st.Clen == 0 {
		t.Fatal("clen must be non-zero")
	}

	full := domain.EstimateCompactedAlen(st.KeyWlen, domain.MediaStaging) +
		domain.EstimateCompactedAlen(st.ValWlen, domain.MediaStaging)
	if st.Clen > full {
		t.Fatalf("clen %d exceeds unscaled estimate %d", st.Clen, full)
	}
}

func TestSamp_PcapSaturates(t *testing.T) {
	e := newTestEnv(t, func(cfg *Config) {
		cfg.Params.RootMaxSize = 1 // absurdly small threshold
	})
	e.ingest(1, val("a", 1, "x"))

	st, err := e.tree.NodeStats(RootNodeID)
	if err != nil {
		t.Fatalf("NodeStats: %v", err)
	}
	if st.Pcap != 65535 {
		t.Fatalf("pcap = %d, want saturation at 65535", st.Pcap)
	}
	if !e.tree.root.NeedsSplit(100) {
		t.Fatal("NeedsSplit must trigger at saturation")
	}
}

func TestSamp_TreeTotalTracksNodeSum(t *testing.T) {
	e := newTestEnv(t)

	e.ingest(1, val("\x10a", 1, "x"), val("\x90b", 1, "y"))
	e.checkSampSum()

	w := e.newWork(RootNodeID, ActionSpill, 1, 1)
	e.run(w)
	e.checkSampSum()

	leaf, err := e.tree.NodeByKey([]byte("\x10a"))
	if err != nil {
		t.Fatalf("NodeByKey: %v", err)
	}
	w2 := e.newWork(leaf.ID(), ActionKVCompact, e.nodeDgens(leaf.ID())[0], 1)
	e.run(w2)
	e.checkSampSum()
}
