// Package metrics holds the Prometheus collectors shared by the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

var (
	// JobsTotal counts dispatched jobs by type and outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrunner_jobs_total",
			Help: "Total number of dispatched jobs.",
		},
		[]string{"type", "outcome"},
	)

	// StageDuration observes how long each pipeline stage took.
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simrunner_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"type", "stage", "outcome"},
	)

	// ArtifactsTotal counts artifact generation tasks by outcome.
	ArtifactsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrunner_artifacts_total",
			Help: "Total number of artifact generation tasks.",
		},
		[]string{"outcome"},
	)

	// TeardownsTotal counts workspace teardown attempts by result.
	TeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simrunner_workspace_teardowns_total",
			Help: "Total number of workspace teardown attempts.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(ArtifactsTotal)
	prometheus.MustRegister(TeardownsTotal)
}

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeOK
}
