package sssp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// stats counts the engine's relaxation work: successful distance updates,
// stale updates that lost the comparison, and total edge traversals.
type stats struct {
	usefulWork     prometheus.Counter
	uselessWork    prometheus.Counter
	edgeTraversals prometheus.Counter
}

func newStats(reg prometheus.Registerer) *stats {
	s := &stats{
		usefulWork: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxgl_sssp_useful_work_total",
			Help: "Relax tasks whose distance update improved the vertex.",
		}),
		uselessWork: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxgl_sssp_useless_work_total",
			Help: "Relax tasks whose distance update was stale.",
		}),
		edgeTraversals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pxgl_sssp_edge_traversals_total",
			Help: "Outgoing edges relaxed by successful updates.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.usefulWork, s.uselessWork, s.edgeTraversals)
	}
	return s
}
