package tracing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkpointEventsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_events_started_total",
	Help: "counter of checkpoint trace events begun by the database tracer",
})

var checkpointEventsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_events_completed_total",
	Help: "counter of checkpoint trace events which ran to completion",
})

var checkpointPagesFlushed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_pages_flushed_total",
	Help: "counter of pages flushed to the page store during checkpoints",
})

var checkpointIOs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_io_total",
	Help: "counter of I/O operations performed during checkpoint flushes",
})

var checkpointPauses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_io_pauses_total",
	Help: "counter of times checkpoint flushing was paused by the I/O controller",
})

var checkpointAppendedBytes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quarry_checkpoint_appended_bytes_total",
	Help: "counter of bytes appended to the checkpoint log",
})

var checkpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "quarry_checkpoint_duration_seconds",
	Help:    "histogram of wall-clock durations of completed checkpoints",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
})
