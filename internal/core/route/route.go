// Package route maps keys to tree nodes.
//
// The map holds one entry per leaf, ordered by edge key. An entry's edge
// key is the inclusive upper bound of the key range its node owns; keys
// beyond the last edge resolve to the last entry. The tree guards the map
// with its structural lock, so the map itself carries no locking.
//
// @design DS-0104
package route

import (
	"bytes"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/canopy-go/internal/core/domain"
)

// Map routes keys to node references.
type Map struct {
	pfxLen  int
	sfxLen  int
	entries []*Entry
}

// Entry is one edge-key slot in the map.
type Entry struct {
	key []byte
	ref any
	m   *Map
}

// New creates an empty route map with the given key prefix and suffix
// lengths. Zero lengths disable the corresponding clipping.
func New(pfxLen, sfxLen int) *Map {
	return &Map{pfxLen: pfxLen, sfxLen: sfxLen}
}

// RoutingKey derives the span of key used for routing.
//
// With a suffix length S the span is key[:len(key)-S]; keys shorter than
// pfxLen+S are rejected. With a prefix length P a span longer than P is
// clipped to its P-byte prefix; shorter spans route by the whole span.
func (m *Map) RoutingKey(key []byte) ([]byte, error) {
	span := key
	if m.sfxLen > 0 {
		if len(key) < m.pfxLen+m.sfxLen {
			return nil, domain.ErrKeyTooShort
		}
		span = key[:len(key)-m.sfxLen]
	}
	if m.pfxLen > 0 && len(span) > m.pfxLen {
		span = span[:m.pfxLen]
	}
	return span, nil
}

// Hash returns the murmur3 hash of the routing span. Callers that probe the
// map repeatedly with one key may precompute it.
func (m *Map) Hash(key []byte) (uint64, error) {
	span, err := m.RoutingKey(key)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(span), nil
}

// Insert adds an entry with the given edge key. Duplicate edge keys are an
// invariant violation.
func (m *Map) Insert(edgeKey []byte, ref any) (*Entry, error) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].key, edgeKey) >= 0
	})
	if i < len(m.entries) && bytes.Equal(m.entries[i].key, edgeKey) {
		return nil, domain.ErrTreeBug.WithDetails("duplicate route edge key")
	}

	e := &Entry{key: append([]byte(nil), edgeKey...), ref: ref, m: m}
	m.entries = append(m.entries, nil)
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
	return e, nil
}

// Delete removes an entry from the map.
func (m *Map) Delete(e *Entry) {
	for i, cur := range m.entries {
		if cur == e {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			e.m = nil
			return
		}
	}
}

// KeyModify rewrites an entry's edge key in place. The new key must keep
// the map ordered.
func (m *Map) KeyModify(e *Entry, newKey []byte) error {
	i := m.indexOf(e)
	if i < 0 {
		return domain.ErrTreeBug.WithDetails("route entry not in map")
	}
	if i > 0 && bytes.Compare(m.entries[i-1].key, newKey) >= 0 {
		return domain.ErrTreeBug.WithDetails("edge key modify breaks ordering")
	}
	if i < len(m.entries)-1 && bytes.Compare(newKey, m.entries[i+1].key) >= 0 {
		return domain.ErrTreeBug.WithDetails("edge key modify breaks ordering")
	}
	e.key = append([]byte(nil), newKey...)
	return nil
}

// Lookup resolves a key to the entry owning it: the first entry whose edge
// key is greater than or equal to the routing span, or the last entry when
// the span is beyond every edge.
func (m *Map) Lookup(key []byte) (*Entry, error) {
	if len(m.entries) == 0 {
		return nil, domain.ErrTreeBug.WithDetails("lookup on empty route map")
	}
	span, err := m.RoutingKey(key)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].key, span) >= 0
	})
	if i == len(m.entries) {
		i = len(m.entries) - 1
	}
	return m.entries[i], nil
}

// IsLast reports whether the entry is the last edge in the map.
func (m *Map) IsLast(e *Entry) bool {
	return len(m.entries) > 0 && m.entries[len(m.entries)-1] == e
}

// KeyCmp compares the entry's edge key with key, bytes.Compare style.
func (m *Map) KeyCmp(e *Entry, key []byte) int {
	return bytes.Compare(e.key, key)
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Each calls fn for every entry in edge-key order.
func (m *Map) Each(fn func(*Entry) bool) {
	for _, e := range m.entries {
		if !fn(e) {
			return
		}
	}
}

func (m *Map) indexOf(e *Entry) int {
	for i, cur := range m.entries {
		if cur == e {
			return i
		}
	}
	return -1
}

// Key returns the entry's edge key. Callers must not mutate it.
func (e *Entry) Key() []byte { return e.key }

// Ref returns the node reference stored at insert time.
func (e *Entry) Ref() any { return e.ref }
