package tree

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yndnr/canopy-go/internal/core/domain"
	"github.com/yndnr/canopy-go/internal/core/kvset"
	"github.com/yndnr/canopy-go/internal/journal"
	"github.com/yndnr/canopy-go/internal/mblock"
)

// Action is the compaction kind a work descriptor carries.
type Action int

const (
	// ActionKCompact merges a run rewriting key blocks only; value
	// blocks are carried over from the inputs.
	ActionKCompact Action = iota

	// ActionKVCompact merges a run rewriting keys and values.
	ActionKVCompact

	// ActionSpill rewrites root kvsets into per-leaf streams.
	ActionSpill

	// ActionSplit partitions a leaf around a chosen key into two nodes.
	ActionSplit
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionKCompact:
		return "k-compact"
	case ActionKVCompact:
		return "kv-compact"
	case ActionSpill:
		return "spill"
	case ActionSplit:
		return "split"
	default:
		return "unknown"
	}
}

// workState tracks the job through its lifecycle.
type workState int32

const (
	stateSubmitted workState = iota
	stateCompacted
	stateCommitted
	stateInstalled
	stateReleased
)

// CompactionWork is one scheduled compaction job. The scheduler allocates
// it, the pipeline runs it to completion on one worker.
type CompactionWork struct {
	// ID is the job's ulid, stamped into each input kvset's work-id.
	ID ulid.ULID

	Tree *Tree
	Node *Node

	Action Action

	// MarkDgen names the oldest input: the job's inputs are the
	// KvsetCnt consecutive list entries ending at the kvset with this
	// dgen. Carrying the dgen instead of a list position keeps the
	// window stable while ingest prepends at the head.
	MarkDgen uint64
	KvsetCnt int

	// DgenLo and DgenHi bound the input dgens.
	DgenLo, DgenHi uint64

	// inputs are resolved at submit, newest first, each holding a
	// reference.
	inputs []kvset.Kvset

	// Outputs, newest-first semantics per action; see prep.go.
	outKvsetIDs []uint64
	outNodeIDs  []uint64
	outputs     []*kvset.Mem

	// Split scratch.
	splitKey    []byte
	splitDgens  []uint64
	splitCommit [][]mblock.ID
	purge       [][]mblock.ID
	leftNodeID  uint64
	rightEdge   []byte // right node's actual max key, captured under token

	// K-compact scratch: value blocks carried from the inputs.
	carryVblks []mblock.ID

	txn journal.Txn

	// OnDone, when set, owns the descriptor after the job finishes;
	// otherwise the pipeline frees it.
	OnDone func(*CompactionWork)

	cancelReq atomic.Bool
	state     atomic.Int32

	tokenHeld bool
	rspill    bool

	rspillDone       atomic.Bool
	rspillCommitting atomic.Bool

	skipCommit     bool
	keepNoVblks    bool
	dropTombs      bool
	rewriteEdge    bool
	splitCommitted int
	staked         bool

	tSubmit      time.Time
	tCompactDone time.Time
	tCommitDone  time.Time

	err error
}

// NewWork allocates a job descriptor for the given node and input
// window.
func (t *Tree) NewWork(nodeID uint64, action Action, markDgen uint64, kvsetCnt int) (*CompactionWork, error) {
	n, err := t.FindNode(nodeID)
	if err != nil {
		return nil, err
	}
	if kvsetCnt <= 0 {
		return nil, domain.ErrInvalidConfig.WithDetails("kvset count must be positive")
	}
	if action == ActionSpill && !n.IsRoot() {
		return nil, domain.ErrInvalidConfig.WithDetails("spill source must be the root")
	}
	if action == ActionSplit && n.IsRoot() {
		return nil, domain.ErrInvalidConfig.WithDetails("split target must be a leaf")
	}

	return &CompactionWork{
		ID:       ulid.Make(),
		Tree:     t,
		Node:     n,
		Action:   action,
		MarkDgen: markDgen,
		KvsetCnt: kvsetCnt,
	}, nil
}

// workID derives the reservation stamp from the job id.
func (w *CompactionWork) workID() uint64 {
	b := w.ID.Bytes()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	if v == 0 {
		v = 1
	}
	return v
}

// Err returns the job's terminal error, if any.
func (w *CompactionWork) Err() error { return w.err }

// Cancel requests cancellation; the job observes it at the next blocking
// point and aborts with a shutdown error.
func (w *CompactionWork) Cancel() { w.cancelReq.Store(true) }

func (w *CompactionWork) canceled() bool {
	return w.cancelReq.Load() || w.Tree.cancel.Load()
}

// stake resolves and reserves the input window under the write lock:
// verifies contiguity, stamps each input's work-id, takes references and
// accounts the node busy. Non-spill actions also claim the node token.
func (t *Tree) stake(w *CompactionWork) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := w.Node
	mi := n.dgenIndex(w.MarkDgen)
	if mi < 0 || mi-w.KvsetCnt+1 < 0 {
		return domain.ErrInvalidConfig.WithDetails("input window out of range")
	}
	if w.Action == ActionSplit && (w.KvsetCnt != len(n.kvsets) || mi != len(n.kvsets)-1) {
		return domain.ErrInvalidConfig.WithDetails("split window must cover the whole node")
	}
	win := n.kvsets[mi-w.KvsetCnt+1 : mi+1]

	for _, kv := range win {
		if kv.WorkID() != 0 {
			return domain.ErrInvalidConfig.WithDetails("input kvset already reserved")
		}
	}

	if w.Action != ActionSpill {
		if !n.tryAcquireToken() {
			return domain.ErrInvalidConfig.WithDetails(fmt.Sprintf("node %d compaction token busy", n.id))
		}
		w.tokenHeld = true
	}

	id := w.workID()
	w.inputs = make([]kvset.Kvset, 0, w.KvsetCnt)
	// Newest first: walk the window from its head-ward end back to mark.
	for i := 0; i < len(win); i++ {
		kv := win[i]
		kv.SetWorkID(id)
		kv.Ref()
		w.inputs = append(w.inputs, kv)
	}
	w.DgenHi = w.inputs[0].Dgen()
	w.DgenLo = w.inputs[len(w.inputs)-1].Dgen()

	// Tombstones may only be dropped when the window reaches the node's
	// oldest kvset and nothing is being relocated.
	w.dropTombs = w.Action != ActionSpill && w.MarkDgen == n.tailDgen()

	if w.Action == ActionSplit {
		// The right node keeps the source id; capture its pre-split max
		// key while the token guarantees no competing mutation.
		w.rightEdge = append([]byte(nil), n.MaxKey()...)
	}

	n.acquireBusy(w.KvsetCnt)

	if w.rspill = w.Action == ActionSpill && n.IsRoot(); w.rspill {
		n.rspillMu.Lock()
		n.rspills = append(n.rspills, w)
		n.rspillMu.Unlock()
	}

	w.tSubmit = time.Now()
	w.staked = true
	w.state.Store(int32(stateSubmitted))
	return nil
}

// unstake releases the reservation of a job that never installed:
// work-ids are cleared, references dropped and busy released.
func (t *Tree) unstake(w *CompactionWork) {
	if !w.staked {
		return
	}
	w.staked = false

	t.mu.Lock()
	for _, kv := range w.inputs {
		if kv.WorkID() == w.workID() {
			kv.SetWorkID(0)
		}
	}
	t.mu.Unlock()

	for _, kv := range w.inputs {
		kv.Unref()
	}
	w.inputs = nil
	w.Node.releaseBusy(w.KvsetCnt)
}

// release finishes the job: token returned, rspill FIFO membership
// already handled by the commit loop, completion callback run.
func (w *CompactionWork) release() {
	if w.tokenHeld {
		w.Node.releaseToken()
		w.tokenHeld = false
	}
	w.state.Store(int32(stateReleased))
	if w.OnDone != nil {
		w.OnDone(w)
	}
}
