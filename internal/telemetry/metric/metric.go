package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the core's metrics.
type Set struct {
	JobsStarted  *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	BytesWritten prometheus.Counter

	SampRootAlen prometheus.Gauge
	SampLeafAlen prometheus.Gauge
	SampLeafGood prometheus.Gauge

	NodesWedged    prometheus.Counter
	TrimEvictions  prometheus.Counter
	IngestedKvsets prometheus.Counter
}

// New creates a metric set and registers it with reg. A nil reg leaves
// the metrics unregistered, which tests use to avoid collisions.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		JobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "compact",
			Name:      "jobs_started_total",
			Help:      "Compaction jobs started, by action.",
		}, []string{"action"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "compact",
			Name:      "jobs_finished_total",
			Help:      "Compaction jobs finished, by action and outcome.",
		}, []string{"action", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Subsystem: "compact",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of compaction jobs, by action.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"action"}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "compact",
			Name:      "bytes_written_total",
			Help:      "Bytes written by compaction outputs.",
		}),
		SampRootAlen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "samp",
			Name:      "root_alen_bytes",
			Help:      "Root node allocated length.",
		}),
		SampLeafAlen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "samp",
			Name:      "leaf_alen_bytes",
			Help:      "Leaf allocated length.",
		}),
		SampLeafGood: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canopy",
			Subsystem: "samp",
			Name:      "leaf_good_bytes",
			Help:      "Leaf compacted-equivalent length.",
		}),
		NodesWedged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "tree",
			Name:      "nodes_wedged_total",
			Help:      "Nodes wedged by unrecoverable spill failures.",
		}),
		TrimEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "tree",
			Name:      "trim_evictions_total",
			Help:      "Kvsets evicted by the capped-tree trimmer.",
		}),
		IngestedKvsets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "tree",
			Name:      "ingested_kvsets_total",
			Help:      "Kvsets appended to the root by ingest.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.JobsStarted,
			s.JobsFinished,
			s.JobDuration,
			s.BytesWritten,
			s.SampRootAlen,
			s.SampLeafAlen,
			s.SampLeafGood,
			s.NodesWedged,
			s.TrimEvictions,
			s.IngestedKvsets,
		)
	}
	return s
}
