package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_task_runs_total",
		Help: "The total number of task executions",
	}, []string{"type", "status"})

	metricTaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_task_duration_seconds",
		Help:    "Task execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	metricItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_items_total",
		Help: "Collected items by outcome",
	}, []string{"feed", "outcome"})

	metricStateRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_state_removed_total",
		Help: "State records removed by retention cleanup",
	})
)

// Item outcomes
const (
	outcomeNew       = "new"
	outcomeUpdated   = "updated"
	outcomeUnchanged = "unchanged"
	outcomePending   = "pending"
	outcomeFiltered  = "filtered"
	outcomeError     = "error"
)
