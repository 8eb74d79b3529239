package solver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hashesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scavenger",
		Subsystem: "solver",
		Name:      "hashes_total",
		Help:      "Number of preimages hashed",
	})

	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scavenger",
		Subsystem: "solver",
		Name:      "batches_total",
		Help:      "Number of hash batches issued",
	})

	solutionsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scavenger",
		Subsystem: "solver",
		Name:      "solutions_total",
		Help:      "Number of solutions found per challenge",
	}, []string{"challenge_id"})
)
