package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkpointsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quarry_checkpoints_triggered_total",
	Help: "counter of checkpoint attempts accepted by the coordinator",
}, []string{"mode"})

var checkpointsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quarry_checkpoints_completed_total",
	Help: "counter of checkpoint attempts by terminal outcome",
}, []string{"outcome"})

var checkpointsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quarry_checkpoints_skipped_total",
	Help: "counter of checkpoint requests which ran no checkpoint of their own",
}, []string{"reason"})
