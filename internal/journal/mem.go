package journal

import (
	"sort"
	"sync"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// Mem is an in-memory journal used by tests. It supports failure
// injection on transaction start and commit so the commit-path error
// branches can be exercised.
type Mem struct {
	mu sync.Mutex

	nextNodeID  uint64
	nextKvsetID uint64

	nodes  map[uint64]map[uint64][]byte    // cnid -> nodeID -> edge key
	kvsets map[uint64]map[uint64]AddRecord // cnid -> kvsetID -> record

	// FailTxStart, when set, fails the next TxStart.
	FailTxStart error

	// FailCommit, when set, fails the next Commit.
	FailCommit error

	// Naks counts discarded transactions.
	Naks int
}

// NewMem creates an empty in-memory journal.
func NewMem() *Mem {
	return &Mem{
		nextNodeID:  1,
		nextKvsetID: 1,
		nodes:       make(map[uint64]map[uint64][]byte),
		kvsets:      make(map[uint64]map[uint64]AddRecord),
	}
}

type memTxn struct {
	j *Mem

	adds  []AddRecord
	acked []bool
	dels  []struct{ cnid, kvsetID uint64 }
	nodes []NodeRecord
	edges []NodeRecord

	done bool
}

// TxStart implements Journal.
func (j *Mem) TxStart(ingestID, horizon uint64, nAdds, nDels int) (Txn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.FailTxStart; err != nil {
		j.FailTxStart = nil
		return nil, err
	}
	_ = ingestID
	_ = horizon
	return &memTxn{
		j:    j,
		adds: make([]AddRecord, 0, nAdds),
		dels: make([]struct{ cnid, kvsetID uint64 }, 0, nDels),
	}, nil
}

// MintNodeID implements Journal.
func (j *Mem) MintNodeID() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextNodeID
	j.nextNodeID++
	return id, nil
}

// MintKvsetID implements Journal.
func (j *Mem) MintKvsetID() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextKvsetID
	j.nextKvsetID++
	return id, nil
}

// Replay implements Journal.
func (j *Mem) Replay(cnid uint64, r Replay) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if r.OnNode != nil {
		ids := make([]uint64, 0, len(j.nodes[cnid]))
		for id := range j.nodes[cnid] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		for _, id := range ids {
			if err := r.OnNode(NodeRecord{Cnid: cnid, NodeID: id, EdgeKey: j.nodes[cnid][id]}); err != nil {
				return err
			}
		}
	}
	if r.OnKvset != nil {
		ids := make([]uint64, 0, len(j.kvsets[cnid]))
		for id := range j.kvsets[cnid] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		for _, id := range ids {
			if err := r.OnKvset(j.kvsets[cnid][id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close implements Journal.
func (j *Mem) Close() error { return nil }

// KvsetCount returns the number of surviving kvset records for a tree.
func (j *Mem) KvsetCount(cnid uint64) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.kvsets[cnid])
}

// RecordKvsetAdd implements Txn.
func (t *memTxn) RecordKvsetAdd(rec AddRecord) (Cookie, error) {
	if t.done {
		return 0, domain.ErrTreeBug.WithDetails("record on finished txn")
	}
	t.adds = append(t.adds, rec)
	t.acked = append(t.acked, false)
	return Cookie(len(t.adds) - 1), nil
}

// AckAdd implements Txn.
func (t *memTxn) AckAdd(c Cookie) error {
	if int(c) < 0 || int(c) >= len(t.adds) {
		return domain.ErrTreeBug.WithDetails("ack of unknown cookie")
	}
	t.acked[c] = true
	return nil
}

// RecordKvsetDelete implements Txn.
func (t *memTxn) RecordKvsetDelete(cnid, kvsetID uint64) error {
	if t.done {
		return domain.ErrTreeBug.WithDetails("record on finished txn")
	}
	t.dels = append(t.dels, struct{ cnid, kvsetID uint64 }{cnid, kvsetID})
	return nil
}

// RecordNodeAdd implements Txn.
func (t *memTxn) RecordNodeAdd(rec NodeRecord) error {
	t.nodes = append(t.nodes, rec)
	return nil
}

// RecordNodeEdge implements Txn.
func (t *memTxn) RecordNodeEdge(rec NodeRecord) error {
	t.edges = append(t.edges, rec)
	return nil
}

// Commit implements Txn.
func (t *memTxn) Commit() error {
	j := t.j
	j.mu.Lock()
	defer j.mu.Unlock()

	if t.done {
		return domain.ErrTreeBug.WithDetails("double commit")
	}

	if err := j.FailCommit; err != nil {
		// The transaction stays open so the caller's nak is observable.
		j.FailCommit = nil
		return err
	}
	t.done = true

	for _, rec := range t.nodes {
		if j.nodes[rec.Cnid] == nil {
			j.nodes[rec.Cnid] = make(map[uint64][]byte)
		}
		j.nodes[rec.Cnid][rec.NodeID] = append([]byte(nil), rec.EdgeKey...)
	}
	for _, rec := range t.edges {
		if j.nodes[rec.Cnid] == nil {
			j.nodes[rec.Cnid] = make(map[uint64][]byte)
		}
		j.nodes[rec.Cnid][rec.NodeID] = append([]byte(nil), rec.EdgeKey...)
	}
	for i, rec := range t.adds {
		if !t.acked[i] {
			continue
		}
		if j.kvsets[rec.Cnid] == nil {
			j.kvsets[rec.Cnid] = make(map[uint64]AddRecord)
		}
		j.kvsets[rec.Cnid][rec.KvsetID] = rec
	}
	for _, d := range t.dels {
		delete(j.kvsets[d.cnid], d.kvsetID)
	}
	return nil
}

// Nak implements Txn.
func (t *memTxn) Nak() error {
	t.j.mu.Lock()
	defer t.j.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.j.Naks++
	return nil
}
