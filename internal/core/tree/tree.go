// Package tree implements the Canopy storage core: a persistent,
// versioned tree of nodes, each holding an ordered list of immutable
// kvsets, plus the compaction machinery that rewrites and relocates
// kvsets and the sampling engine that steers the compaction scheduler.
//
// The root (node id 0) receives ingested kvsets at the head of its list.
// A spill rewrites root kvsets into per-leaf streams; k-compact and
// kv-compact merge consecutive runs within one node; a split partitions
// a leaf across a chosen key into two nodes. All durable metadata goes
// through the journal; blocks go through the allocator.
//
// @req RQ-0101, RQ-0102
// @design DS-0101
package tree

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/core/route"
	"github.com/yndnr/canopy-go/internal/health"
	"github.com/yndnr/canopy-go/internal/journal"
	"github.com/yndnr/canopy-go/internal/mblock"
	"github.com/yndnr/canopy-go/internal/sched"
	"github.com/yndnr/canopy-go/internal/telemetry/metric"
)

// Config assembles a tree's collaborators and parameters.
type Config struct {
	// Cnid identifies the tree in the journal.
	Cnid uint64

	// Params are the immutable create-time parameters.
	Params domain.CreateParams

	// Rparams are the initial runtime parameters; zero value means
	// defaults. They can be replaced at runtime via SetRuntimeParams.
	Rparams domain.RuntimeParams

	// Journal is the metadata journal. Required.
	Journal journal.Journal

	// Alloc is the block allocator. Required.
	Alloc mblock.Allocator

	// Health receives fault reports. Defaults to a logging channel.
	Health health.Channel

	// Scheduler receives ingest notifications. Defaults to a no-op.
	Scheduler sched.Scheduler

	// Metrics is the optional metric set.
	Metrics *metric.Set

	// Estimator converts written lengths to media-allocated lengths for
	// the sampling engine. Defaults to domain.EstimateCompactedAlen.
	Estimator domain.Estimator

	// Logger is the structured logger.
	Logger *slog.Logger
}

func (cfg *Config) applyDefaults() error {
	if cfg.Journal == nil || cfg.Alloc == nil {
		return domain.ErrInvalidConfig.WithDetails("journal and allocator are required")
	}
	if cfg.Health == nil {
		cfg.Health = health.NewLog(cfg.Logger)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.Nop{}
	}
	if cfg.Estimator == nil {
		cfg.Estimator = domain.EstimateCompactedAlen
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if (cfg.Rparams == domain.RuntimeParams{}) {
		cfg.Rparams = domain.DefaultRuntimeParams()
	}
	return cfg.Params.Validate()
}

// Tree is the keyspace organizer.
type Tree struct {
	cnid uint64
	cp   domain.CreateParams
	rp   atomic.Pointer[domain.RuntimeParams]

	// mu is the read-mostly structural lock: readers share it for node
	// and kvset-list membership; every splice takes it exclusively.
	mu sync.RWMutex

	root  *Node
	nodes []*Node // root first
	byID  map[uint64]*Node
	rmap  *route.Map

	// samp is the tree-wide sampling roll-up, maintained by the samp
	// update primitives under the write lock.
	samp domain.SampStats

	cancel  atomic.Bool
	nospace atomic.Bool

	// Capped-tree state.
	ptombMu     sync.Mutex
	ptombKey    []byte
	ptombSeq    uint64
	trimDgen    atomic.Uint64 // last surviving dgen, resumes the trimmer cheaply
	trimLimiter *rate.Limiter

	jnl     journal.Journal
	alloc   mblock.Allocator
	hc      health.Channel
	sch     sched.Scheduler
	metrics *metric.Set
	est     domain.Estimator
	logger  *slog.Logger

	// freeg drains async kvset releases off the write path.
	freeg  errgroup.Group
	closed atomic.Bool
}

// Create builds a new, empty tree: the root plus one leaf per fanout
// slot, with route edges evenly partitioning the key space. The leaves
// are recorded in the journal so Attach can rebuild the same shape.
func Create(cfg Config) (*Tree, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	t := newShell(cfg)

	txn, err := t.jnl.TxStart(0, 0, 0, 0)
	if err != nil {
		return nil, domain.ErrJournalFailed.WithCause(err)
	}

	fanout := t.cp.Fanout
	for i := 0; i < fanout; i++ {
		id, err := t.jnl.MintNodeID()
		if err != nil {
			txn.Nak()
			return nil, domain.ErrJournalFailed.WithCause(err)
		}
		edge := initialEdgeKey(i, fanout)
		if err := txn.RecordNodeAdd(journal.NodeRecord{Cnid: t.cnid, NodeID: id, EdgeKey: edge}); err != nil {
			txn.Nak()
			return nil, domain.ErrJournalFailed.WithCause(err)
		}
		if err := t.addLeaf(id, edge); err != nil {
			txn.Nak()
			return nil, err
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, domain.ErrJournalFailed.WithCause(err)
	}

	t.logger.Info("tree created",
		"cnid", t.cnid,
		"fanout", fanout,
		"capped", t.cp.Capped)
	return t, nil
}

// Opener reconstructs a kvset from its journal record at attach.
type Opener func(rec journal.AddRecord) (kvset.Kvset, error)

// Attach rebuilds a tree from its journal records.
func Attach(cfg Config, open Opener) (*Tree, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if open == nil {
		return nil, domain.ErrInvalidConfig.WithDetails("attach requires a kvset opener")
	}

	t := newShell(cfg)

	err := t.jnl.Replay(t.cnid, journal.Replay{
		OnNode: func(rec journal.NodeRecord) error {
			return t.addLeaf(rec.NodeID, rec.EdgeKey)
		},
		OnKvset: func(rec journal.AddRecord) error {
			kv, err := open(rec)
			if err != nil {
				return fmt.Errorf("open kvset %d: %w", rec.KvsetID, err)
			}
			return t.InsertKvset(rec.NodeID, kv)
		},
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	for _, n := range t.nodes {
		t.sampUpdateCompact(n)
	}
	t.mu.Unlock()

	t.logger.Info("tree attached",
		"cnid", t.cnid,
		"nodes", len(t.nodes))
	return t, nil
}

func newShell(cfg Config) *Tree {
	t := &Tree{
		cnid:    cfg.Cnid,
		cp:      cfg.Params,
		byID:    make(map[uint64]*Node),
		rmap:    route.New(cfg.Params.PfxLen, cfg.Params.SfxLen),
		jnl:     cfg.Journal,
		alloc:   cfg.Alloc,
		hc:      cfg.Health,
		sch:     cfg.Scheduler,
		metrics: cfg.Metrics,
		est:     cfg.Estimator,
		logger:  cfg.Logger,
	}
	rp := cfg.Rparams
	t.rp.Store(&rp)

	burst := rp.TrimBurst
	if burst < 1 {
		burst = 1
	}
	t.trimLimiter = rate.NewLimiter(rate.Every(time.Second), burst)

	t.root = newNode(RootNodeID, cfg.Params.RootMaxSize)
	t.nodes = []*Node{t.root}
	t.byID[RootNodeID] = t.root
	return t
}

// initialEdgeKey evenly partitions the one-byte key space across the
// fanout; the last edge is 0xff so every key routes somewhere.
func initialEdgeKey(i, fanout int) []byte {
	if i == fanout-1 {
		return []byte{0xff}
	}
	return []byte{byte((i+1)*256/fanout - 1)}
}

// addLeaf creates a leaf node and its route entry. Used by Create,
// Attach and the split install path (the latter under the write lock).
func (t *Tree) addLeaf(id uint64, edgeKey []byte) error {
	if id == RootNodeID {
		return domain.ErrCorrupt.WithDetails("leaf with root id")
	}
	if _, ok := t.byID[id]; ok {
		return domain.ErrCorrupt.WithDetails("duplicate node id")
	}

	n := newNode(id, t.cp.LeafMaxSize)
	ent, err := t.rmap.Insert(edgeKey, n)
	if err != nil {
		return err
	}
	n.routeEnt = ent
	t.nodes = append(t.nodes, n)
	t.byID[id] = n
	return nil
}

// FindNode returns the node with the given id.
func (t *Tree) FindNode(id uint64) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return nil, domain.ErrTreeBug.WithDetails(fmt.Sprintf("node %d not found", id))
	}
	return n, nil
}

// InsertKvset places a kvset into a node in dgen order, adopting the
// caller's reference. Initialization only: Attach uses it while
// replaying the journal.
func (t *Tree) InsertKvset(nodeID uint64, kv kvset.Kvset) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byID[nodeID]
	if !ok {
		return domain.ErrTreeBug.WithDetails(fmt.Sprintf("node %d not found", nodeID))
	}
	// On failure ownership stays with the caller.
	return n.insertInit(kv)
}

// NodeByKey resolves a key to its owning node via the route map.
func (t *Tree) NodeByKey(key []byte) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ent, err := t.rmap.Lookup(key)
	if err != nil {
		return nil, err
	}
	return ent.Ref().(*Node), nil
}

// Cnid returns the tree's journal identity.
func (t *Tree) Cnid() uint64 { return t.cnid }

// Params returns the create-time parameters.
func (t *Tree) Params() domain.CreateParams { return t.cp }

// RuntimeParams returns the current runtime parameters.
func (t *Tree) RuntimeParams() domain.RuntimeParams { return *t.rp.Load() }

// SetRuntimeParams replaces the runtime parameters. Safe to call from a
// configuration watcher while compactions run.
func (t *Tree) SetRuntimeParams(rp domain.RuntimeParams) {
	t.rp.Store(&rp)
}

// SampSnapshot returns the tree-wide sampling roll-up.
func (t *Tree) SampSnapshot() domain.SampStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.samp
}

// NodeStats returns a node's statistics.
func (t *Tree) NodeStats(id uint64) (domain.NodeStats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return domain.NodeStats{}, domain.ErrTreeBug.WithDetails(fmt.Sprintf("node %d not found", id))
	}
	return n.stats, nil
}

// MinMaxKeyOfNode returns the smallest and largest keys stored in a node.
func (t *Tree) MinMaxKeyOfNode(id uint64) (min, max []byte, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	if !ok {
		return nil, nil, domain.ErrTreeBug.WithDetails(fmt.Sprintf("node %d not found", id))
	}
	return n.MinKey(), n.MaxKey(), nil
}

// MclassOfNode returns the media class a node's compaction outputs land
// on: root output stays on staging media, leaf output goes to capacity.
func (t *Tree) MclassOfNode(id uint64) domain.MediaClass {
	if id == RootNodeID {
		return domain.MediaStaging
	}
	return domain.MediaCapacity
}

// NoSpace reports whether the allocator has signaled media exhaustion.
func (t *Tree) NoSpace() bool { return t.nospace.Load() }

// CancelRequested reports whether teardown has begun. Compaction workers
// poll it at iterator boundaries.
func (t *Tree) CancelRequested() bool { return t.cancel.Load() }

// Close cancels in-flight work, releases every kvset reference through
// the async free pool and detaches from the journal. The journal itself
// belongs to the caller and stays open.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel.Store(true)

	t.mu.Lock()
	nodes := t.nodes
	t.nodes = nil
	t.byID = map[uint64]*Node{}
	t.mu.Unlock()

	// Node destruction is deferred to the free pool so reference drops
	// (which may trigger block deletion) never run on the teardown
	// caller.
	for _, n := range nodes {
		n := n
		t.freeg.Go(func() error {
			for _, kv := range n.kvsets {
				kv.Unref()
			}
			n.kvsets = nil
			return nil
		})
	}

	var err error
	if werr := t.freeg.Wait(); werr != nil {
		err = multierr.Append(err, werr)
	}

	t.logger.Info("tree closed", "cnid", t.cnid)
	return err
}
