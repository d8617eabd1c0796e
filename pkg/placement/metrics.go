package placement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	placementRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridgefs_placement_requests_total",
		Help: "Total number of replica placement requests",
	})

	placementTargets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridgefs_placement_targets_total",
		Help: "Total number of replica targets handed out",
	})

	placementShortResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridgefs_placement_short_results_total",
		Help: "Placement calls that returned fewer targets than requested",
	})

	placementRelaxations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridgefs_placement_relaxations_total",
		Help: "Spread constraints dropped because a scope ran out of qualified nodes",
	}, []string{"stage"})

	rejectedCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridgefs_placement_rejected_candidates_total",
		Help: "Candidate nodes skipped during selection by reason",
	}, []string{"reason"})

	evictionVictims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridgefs_eviction_victims_total",
		Help: "Replicas chosen for deletion by partition set",
	}, []string{"set"})
)
