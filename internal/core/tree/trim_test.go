package tree

import (
	"errors"
	"testing"
	"time"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

func newCappedEnv(t *testing.T) *testEnv {
	return newTestEnv(t, func(cfg *Config) {
		cfg.Params.Capped = true
		cfg.Params.CappedTTL = time.Hour
		rp := domain.DefaultRuntimeParams()
		rp.TrimBurst = 100 // tests tick freely
		cfg.Rparams = rp
	})
}

func TestTrim_EvictsExpiredTail(t *testing.T) {
	e := newCappedEnv(t)

	e.ingest(1, val("a", 10, "x"))
	e.ingest(2, val("b", 20, "y"))
	e.ingest(3, val("c", 90, "z"))

	// Horizon 50: dgens 1 and 2 expire, 3 survives.
	n, err := e.tree.CappedCompactTick(50)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 2 {
		t.Fatalf("evicted = %d, want 2", n)
	}
	if got := e.nodeDgens(RootNodeID); !dgensEqual(got, []uint64{3}) {
		t.Fatalf("root dgens = %v, want [3]", got)
	}
	e.mustGet("a", 100, "", false)
	e.mustGet("c", 100, "z", true)
	e.checkSampSum()
}

func TestTrim_StopsAtFirstSurvivor(t *testing.T) {
	e := newCappedEnv(t)

	e.ingest(1, val("a", 10, "x"))
	e.ingest(2, val("b", 90, "y")) // survives
	e.ingest(3, val("c", 20, "z")) // newer but low seqno

	// The walk stops at dgen 2; dgen 3 is never considered even though
	// its seqnos are below the horizon.
	n, err := e.tree.CappedCompactTick(50)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if got := e.nodeDgens(RootNodeID); !dgensEqual(got, []uint64{3, 2}) {
		t.Fatalf("root dgens = %v", got)
	}

	// The survivor seeds the resume memo; the next tick takes the fast
	// path and evicts nothing.
	if memo := e.tree.trimDgen.Load(); memo != 2 {
		t.Fatalf("trim memo = %d, want 2", memo)
	}
	n, err = e.tree.CappedCompactTick(50)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 0 {
		t.Fatalf("resumed tick evicted = %d, want 0", n)
	}

	// A horizon past the survivor invalidates the memo and the walk
	// resumes for real.
	n, err = e.tree.CappedCompactTick(100)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 2 {
		t.Fatalf("evicted = %d after horizon advance, want 2", n)
	}
}

func TestTrim_PtombCapsHorizon(t *testing.T) {
	e := newCappedEnv(t)

	e.ingest(1, val("m", 10, "x"))
	e.ingest(2, ptombE("A", 15)) // remembered high-water mark, precedes "m"

	// Horizon would be 100, but the ptomb seqno caps it at 15, so the
	// kvset at seqno 10 expires and the ptomb carrier (max seqno 15)
	// does not.
	n, err := e.tree.CappedCompactTick(100)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
}

func TestTrim_PtombKeyBlocksEviction(t *testing.T) {
	e := newCappedEnv(t)

	// The remembered ptomb ("z...") does not precede the tail kvset's
	// max key, so the tail must not be evicted.
	e.ingest(1, val("m", 10, "x"))
	e.ingest(2, ptombE("z", 60))

	n, err := e.tree.CappedCompactTick(100)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 0 {
		t.Fatalf("evicted = %d, want 0 (ptomb does not precede max key)", n)
	}
}

func TestTrim_ReservedKvsetIsSkipped(t *testing.T) {
	e := newCappedEnv(t)

	e.ingest(1, val("a", 10, "x"))
	e.ingest(2, val("b", 20, "y"))

	w := e.newWork(RootNodeID, ActionSpill, 1, 1)
	if err := e.tree.stake(w); err != nil {
		t.Fatalf("stake: %v", err)
	}
	defer func() {
		e.tree.unstake(w)
		w.release()
	}()

	n, err := e.tree.CappedCompactTick(50)
	if err != nil {
		t.Fatalf("CappedCompactTick: %v", err)
	}
	if n != 0 {
		t.Fatalf("evicted = %d, want 0 (tail reserved by a spill)", n)
	}
}

func TestTrim_JournalFailureEvictsNothing(t *testing.T) {
	e := newCappedEnv(t)
	e.ingest(1, val("a", 10, "x"))

	e.jnl.FailCommit = domain.ErrJournalFailed
	_, err := e.tree.CappedCompactTick(50)
	if !errors.Is(err, domain.ErrJournalFailed) {
		t.Fatalf("err = %v, want ErrJournalFailed", err)
	}
	if got := e.nodeDgens(RootNodeID); !dgensEqual(got, []uint64{1}) {
		t.Fatalf("root dgens = %v, want untouched [1]", got)
	}
	if e.jnl.Naks != 1 {
		t.Fatalf("naks = %d, want 1", e.jnl.Naks)
	}
}

func TestTrim_UncappedTreeRejected(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.tree.CappedCompactTick(10)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}
