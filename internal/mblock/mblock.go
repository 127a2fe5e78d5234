// Package mblock abstracts the on-media block allocator.
//
// The tree core never touches media directly; it allocates block IDs for
// kvset outputs, commits them when the journal transaction lands, and
// deletes them when a retired kvset drops its last reference.
//
// @req RQ-0105
package mblock

import (
	"sync"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// ID identifies one on-media block.
type ID uint64

// Allocator is the block allocator capability the core consumes.
type Allocator interface {
	// Alloc reserves n uncommitted blocks on the given media class.
	Alloc(n int, class domain.MediaClass) ([]ID, error)

	// Commit makes previously allocated blocks durable.
	Commit(ids []ID) error

	// Delete releases blocks, committed or not.
	Delete(ids []ID) error
}

// Mem is an in-memory allocator used by tests and by the reference kvset
// implementation. It tracks block state so tests can assert that every
// allocated block ends up either committed or deleted.
type Mem struct {
	mu        sync.Mutex
	next      ID
	allocated map[ID]domain.MediaClass
	committed map[ID]bool
	deleted   map[ID]bool

	// FailAlloc, when set, makes the next Alloc fail with the given error.
	// Used to exercise the no-space path.
	FailAlloc error

	// FailCommit, when set, makes the next Commit fail.
	FailCommit error
}

// NewMem creates an empty in-memory allocator.
func NewMem() *Mem {
	return &Mem{
		next:      1,
		allocated: make(map[ID]domain.MediaClass),
		committed: make(map[ID]bool),
		deleted:   make(map[ID]bool),
	}
}

// Alloc implements Allocator.
func (m *Mem) Alloc(n int, class domain.MediaClass) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailAlloc; err != nil {
		m.FailAlloc = nil
		return nil, err
	}

	ids := make([]ID, n)
	for i := range ids {
		ids[i] = m.next
		m.allocated[m.next] = class
		m.next++
	}
	return ids, nil
}

// Commit implements Allocator.
func (m *Mem) Commit(ids []ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailCommit; err != nil {
		m.FailCommit = nil
		return err
	}

	for _, id := range ids {
		if _, ok := m.allocated[id]; !ok {
			return domain.ErrTreeBug.WithDetails("commit of unallocated block")
		}
		m.committed[id] = true
	}
	return nil
}

// Delete implements Allocator.
func (m *Mem) Delete(ids []ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		m.deleted[id] = true
	}
	return nil
}

// Committed reports whether the block has been committed.
func (m *Mem) Committed(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[id]
}

// Deleted reports whether the block has been deleted.
func (m *Mem) Deleted(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[id]
}

// Live returns the number of committed, undeleted blocks.
func (m *Mem) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.committed {
		if !m.deleted[id] {
			n++
		}
	}
	return n
}

// Leaked returns the number of allocated blocks that were neither
// committed nor deleted. A clean shutdown leaves zero.
func (m *Mem) Leaked() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.allocated {
		if !m.committed[id] && !m.deleted[id] {
			n++
		}
	}
	return n
}
