package tree

import (
	"testing"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/health"
	"github.com/yndnr/canopy-go/internal/journal"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// testEnv bundles the fakes a tree test needs.
type testEnv struct {
	t     *testing.T
	jnl   *journal.Mem
	alloc *mblock.Mem
	tree  *Tree
	sch   *recordingSched
}

type recordingSched struct {
	notifies []struct {
		cnid, dRAlen, dRWlen uint64
	}
}

func (s *recordingSched) NotifyIngest(cnid, dRAlen, dRWlen uint64) {
	s.notifies = append(s.notifies, struct {
		cnid, dRAlen, dRWlen uint64
	}{cnid, dRAlen, dRWlen})
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	e := &testEnv{
		t:     t,
		jnl:   journal.NewMem(),
		alloc: mblock.NewMem(),
		sch:   &recordingSched{},
	}

	cfg := Config{
		Cnid:      1,
		Params:    domain.CreateParams{Fanout: 4, RootMaxSize: 1 << 20, LeafMaxSize: 1 << 20},
		Rparams:   domain.DefaultRuntimeParams(),
		Journal:   e.jnl,
		Alloc:     e.alloc,
		Health:    health.Discard{},
		Scheduler: e.sch,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	tr, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	e.tree = tr
	return e
}

func val(key string, seqno uint64, v string) kvset.Entry {
	return kvset.Entry{Key: []byte(key), Seqno: seqno, Kind: kvset.KindValue, Value: []byte(v)}
}

func tombE(key string, seqno uint64) kvset.Entry {
	return kvset.Entry{Key: []byte(key), Seqno: seqno, Kind: kvset.KindTomb}
}

func ptombE(pfx string, seqno uint64) kvset.Entry {
	return kvset.Entry{Key: []byte(pfx), Seqno: seqno, Kind: kvset.KindPtomb}
}

// makeKvset builds a kvset with a minted id at the given dgen.
func (e *testEnv) makeKvset(dgen uint64, entries ...kvset.Entry) *kvset.Mem {
	e.t.Helper()
	id, err := e.jnl.MintKvsetID()
	if err != nil {
		e.t.Fatalf("MintKvsetID: %v", err)
	}
	kv, err := kvset.FromEntries(e.alloc, domain.MediaStaging, id, dgen, entries)
	if err != nil {
		e.t.Fatalf("FromEntries: %v", err)
	}
	// An external ingest commits its blocks before handing the kvset in.
	if err := e.alloc.Commit(kv.AllBlockIDs()); err != nil {
		e.t.Fatalf("Commit blocks: %v", err)
	}
	return kv
}

// ingest appends a kvset to the root.
func (e *testEnv) ingest(dgen uint64, entries ...kvset.Entry) *kvset.Mem {
	e.t.Helper()
	kv := e.makeKvset(dgen, entries...)
	if err := e.tree.IngestUpdate(kv); err != nil {
		e.t.Fatalf("IngestUpdate: %v", err)
	}
	return kv
}

// seedNode places a kvset directly into a node via the init path.
func (e *testEnv) seedNode(nodeID, dgen uint64, entries ...kvset.Entry) *kvset.Mem {
	e.t.Helper()
	kv := e.makeKvset(dgen, entries...)
	if err := e.tree.InsertKvset(nodeID, kv); err != nil {
		e.t.Fatalf("InsertKvset: %v", err)
	}
	return kv
}

// run executes a job through the full pipeline and fails on error.
func (e *testEnv) run(w *CompactionWork) {
	e.t.Helper()
	if err := e.tree.RunJob(w); err != nil {
		e.t.Fatalf("RunJob(%v): %v", w.Action, err)
	}
}

// newWork wraps NewWork with a fatal on error.
func (e *testEnv) newWork(nodeID uint64, action Action, markDgen uint64, cnt int) *CompactionWork {
	e.t.Helper()
	w, err := e.tree.NewWork(nodeID, action, markDgen, cnt)
	if err != nil {
		e.t.Fatalf("NewWork: %v", err)
	}
	return w
}

// nodeDgens returns a node's kvset dgens head to tail.
func (e *testEnv) nodeDgens(nodeID uint64) []uint64 {
	e.t.Helper()
	n, err := e.tree.FindNode(nodeID)
	if err != nil {
		e.t.Fatalf("FindNode: %v", err)
	}
	e.tree.mu.RLock()
	defer e.tree.mu.RUnlock()
	out := make([]uint64, 0, len(n.kvsets))
	for _, kv := range n.kvsets {
		out = append(out, kv.Dgen())
	}
	return out
}

// leafIDs returns the leaf node ids in route order.
func (e *testEnv) leafIDs() []uint64 {
	var ids []uint64
	for _, n := range e.tree.leavesInRouteOrder() {
		ids = append(ids, n.id)
	}
	return ids
}

// mustGet asserts a point lookup result.
func (e *testEnv) mustGet(key string, seqno uint64, want string, wantFound bool) {
	e.t.Helper()
	v, found, err := e.tree.Get([]byte(key), seqno)
	if err != nil {
		e.t.Fatalf("Get(%q): %v", key, err)
	}
	if found != wantFound {
		e.t.Fatalf("Get(%q@%d) found = %v, want %v", key, seqno, found, wantFound)
	}
	if found && string(v) != want {
		e.t.Fatalf("Get(%q@%d) = %q, want %q", key, seqno, v, want)
	}
}

// checkSampSum verifies the tree roll-up equals the sum of node samps.
func (e *testEnv) checkSampSum() {
	e.t.Helper()
	e.tree.mu.RLock()
	defer e.tree.mu.RUnlock()

	var sum domain.SampStats
	for _, n := range e.tree.nodes {
		sum.Add(n.samp)
	}
	if sum != e.tree.samp {
		e.t.Fatalf("tree samp %+v != node sum %+v", e.tree.samp, sum)
	}
}

// checkDgenOrder verifies invariant 1 on every node.
func (e *testEnv) checkDgenOrder() {
	e.t.Helper()
	e.tree.mu.RLock()
	defer e.tree.mu.RUnlock()
	for _, n := range e.tree.nodes {
		if err := n.checkDgenOrder(); err != nil {
			e.t.Fatalf("node %d: %v", n.id, err)
		}
	}
}

func dgensEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
