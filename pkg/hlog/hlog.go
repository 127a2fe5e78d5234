// Package hlog provides a mergeable unique-key sketch.
//
// Each kvset carries a sketch of the keys it holds; the tree merges kvset
// sketches into a per-node sketch to estimate key uniqueness across a
// node's kvset list. The estimate drives the sampling engine's
// compacted-length projection.
//
// Keys are hashed with murmur3 before insertion so two sketches built from
// the same key population are mergeable regardless of where they were built.
//
// @design DS-0103
package hlog

import (
	"github.com/axiomhq/hyperloglog"
	"github.com/spaolacci/murmur3"
)

// Sketch estimates the number of unique keys inserted into it.
type Sketch struct {
	hll *hyperloglog.Sketch
}

// New creates an empty sketch.
func New() *Sketch {
	return &Sketch{hll: hyperloglog.New14()}
}

// Insert adds a key to the sketch.
func (s *Sketch) Insert(key []byte) {
	s.hll.InsertHash(murmur3.Sum64(key))
}

// InsertHash adds a precomputed murmur3 key hash to the sketch.
func (s *Sketch) InsertHash(hash uint64) {
	s.hll.InsertHash(hash)
}

// Merge folds o into s. A nil o is a no-op.
func (s *Sketch) Merge(o *Sketch) error {
	if o == nil {
		return nil
	}
	return s.hll.Merge(o.hll)
}

// Estimate returns the estimated unique-key count.
func (s *Sketch) Estimate() uint64 {
	return s.hll.Estimate()
}

// Clone returns an independent copy of the sketch.
func (s *Sketch) Clone() *Sketch {
	return &Sketch{hll: s.hll.Clone()}
}

// Reset empties the sketch in place.
func (s *Sketch) Reset() {
	s.hll = hyperloglog.New14()
}
