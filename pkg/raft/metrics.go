package raft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the node's consensus gauges and counters. A nil *Metrics
// disables instrumentation; every call site nil-checks.
type Metrics struct {
	Term         prometheus.Gauge
	Role         prometheus.Gauge
	CommitIndex  prometheus.Gauge
	AppliedIndex prometheus.Gauge
	Submissions  prometheus.Counter
}

// NewMetrics registers the raft metric family on reg, labelled with the
// node's ID so multi-replica test processes can share a registry.
func NewMetrics(reg prometheus.Registerer, id NodeID) *Metrics {
	labels := prometheus.Labels{"node": string(id)}
	return &Metrics{
		Term: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "gavel_raft_current_term",
			Help:        "Current raft term.",
			ConstLabels: labels,
		}),
		Role: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "gavel_raft_role",
			Help:        "Current role: 0 follower, 1 candidate, 2 leader.",
			ConstLabels: labels,
		}),
		CommitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "gavel_raft_commit_index",
			Help:        "Highest log index known committed.",
			ConstLabels: labels,
		}),
		AppliedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "gavel_raft_applied_index",
			Help:        "Highest log index handed to the apply stream.",
			ConstLabels: labels,
		}),
		Submissions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "gavel_raft_submissions_total",
			Help:        "Commands appended by the local leader.",
			ConstLabels: labels,
		}),
	}
}
