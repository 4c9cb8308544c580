package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts indexing task outcomes.
	// Labels: result (indexed, dropped, failed)
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "indexer",
			Name:      "tasks_total",
			Help:      "Total number of chat indexing tasks by outcome",
		},
		[]string{"result"},
	)

	// QueueDepth tracks the number of tasks waiting in the queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragd",
			Subsystem: "indexer",
			Name:      "queue_depth",
			Help:      "Number of indexing tasks currently queued",
		},
	)
)
