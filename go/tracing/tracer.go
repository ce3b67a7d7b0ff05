// Package tracing exposes the database tracers: cheap counters attached to
// long-running storage operations, published through prometheus. Subsystems
// receive trace events as scoped values and record into them as work
// progresses; they never talk to prometheus directly.
package tracing

import (
	"sync/atomic"
	"time"
)

// Tracer hands out trace events for storage-engine operations.
type Tracer interface {
	// BeginCheckPoint opens a trace event spanning one checkpoint attempt.
	// The caller must Close it on every exit path.
	BeginCheckPoint() CheckpointEvent
}

// CheckpointEvent traces a single checkpoint attempt. Counters accumulate as
// the flush progresses and are readable afterwards for the operator-facing
// completion message.
type CheckpointEvent interface {
	// BeginFlush opens the nested flush scope. The caller must Done it.
	BeginFlush() FlushEvent
	// SetIOLimit records the I/O controller's configured limit.
	SetIOLimit(limit int64)
	// RecordAppend notes bytes appended to the checkpoint log.
	RecordAppend(bytes int64)
	// Done marks the checkpoint as completed after the given elapsed time.
	Done(elapsed time.Duration)
	// Close releases the event. Safe after Done; required on failure paths.
	Close()

	PagesFlushed() int64
	IOsPerformed() int64
	FlushRatio() float64
	TimesPaused() int64
	MillisPaused() int64
	IOLimit() int64
}

// FlushEvent traces the flush-and-force nested within a checkpoint. The page
// cache records into it; the checkpoint coordinator owns its scope.
type FlushEvent interface {
	AddPagesFlushed(n int64)
	AddIOs(n int64)
	// SetPagesTotal records the total page capacity, for the flush ratio.
	SetPagesTotal(n int64)
	AddPause(d time.Duration)
	Done()
}

// DatabaseTracers is the per-database bundle of tracers.
type DatabaseTracers struct {
	checkpoint Tracer
}

func NewDatabaseTracers() *DatabaseTracers {
	return &DatabaseTracers{checkpoint: defaultTracer{}}
}

// Checkpoint returns the checkpoint tracer.
func (t *DatabaseTracers) Checkpoint() Tracer { return t.checkpoint }

type defaultTracer struct{}

func (defaultTracer) BeginCheckPoint() CheckpointEvent {
	checkpointEventsStarted.Inc()
	return &checkpointEvent{}
}

type checkpointEvent struct {
	pagesFlushed atomic.Int64
	pagesTotal   atomic.Int64
	ios          atomic.Int64
	pauses       atomic.Int64
	pausedMillis atomic.Int64
	ioLimit      atomic.Int64
}

func (e *checkpointEvent) BeginFlush() FlushEvent { return (*flushEvent)(e) }

func (e *checkpointEvent) SetIOLimit(limit int64) { e.ioLimit.Store(limit) }

func (e *checkpointEvent) RecordAppend(bytes int64) {
	checkpointAppendedBytes.Add(float64(bytes))
}

func (e *checkpointEvent) Done(elapsed time.Duration) {
	checkpointEventsCompleted.Inc()
	checkpointDuration.Observe(elapsed.Seconds())
}

func (e *checkpointEvent) Close() {}

func (e *checkpointEvent) PagesFlushed() int64 { return e.pagesFlushed.Load() }
func (e *checkpointEvent) IOsPerformed() int64 { return e.ios.Load() }
func (e *checkpointEvent) TimesPaused() int64  { return e.pauses.Load() }
func (e *checkpointEvent) MillisPaused() int64 { return e.pausedMillis.Load() }
func (e *checkpointEvent) IOLimit() int64      { return e.ioLimit.Load() }

func (e *checkpointEvent) FlushRatio() float64 {
	var total = e.pagesTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(e.pagesFlushed.Load()) / float64(total)
}

// flushEvent is the nested flush view over the same counters.
type flushEvent checkpointEvent

func (e *flushEvent) AddPagesFlushed(n int64) {
	e.pagesFlushed.Add(n)
	checkpointPagesFlushed.Add(float64(n))
}

func (e *flushEvent) AddIOs(n int64) {
	e.ios.Add(n)
	checkpointIOs.Add(float64(n))
}

func (e *flushEvent) SetPagesTotal(n int64) { e.pagesTotal.Store(n) }

func (e *flushEvent) AddPause(d time.Duration) {
	e.pauses.Add(1)
	e.pausedMillis.Add(d.Milliseconds())
	checkpointPauses.Inc()
}

func (e *flushEvent) Done() {}
