// Package metric provides Prometheus metrics for the Canopy storage core.
//
// Metrics cover the compaction control plane:
//
//   - job counts and durations by action
//   - bytes written by compaction outputs
//   - tree-wide sampling gauges the scheduler steers by
//   - wedged-node and trimmer-eviction counters
//
// The Set registers against a caller-supplied prometheus.Registerer so
// embedding applications control exposition.
//
// @req RQ-0403
// @design DS-0402
package metric
