// Package checkpoint coordinates durable snapshot points in the transaction
// log. A checkpoint flushes every dirty page to the page store, then appends
// a checkpoint record to the log, so that recovery after a crash need only
// replay log entries written after the last record. The coordinator owns the
// ordering discipline between the commit clock, the page cache, and the log;
// it decides when checkpoints run, never what is dirty.
package checkpoint

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/quarrydb/quarry/go/kernel"
	"github.com/quarrydb/quarry/go/pagecache"
	"github.com/quarrydb/quarry/go/tracing"
	"github.com/quarrydb/quarry/go/wal"
	log "github.com/sirupsen/logrus"
)

// NoTransaction is returned by trigger operations which ran no checkpoint
// and joined none: contended no-wait attempts, not-needed skips, and
// requests after shutdown.
const NoTransaction int64 = -1

// TxIDStore is the commit clock consumed by the coordinator.
type TxIDStore interface {
	LastClosedTransaction() (kernel.TransactionID, wal.Position)
}

// Flusher writes all dirty pages to durable storage and fsyncs them.
type Flusher interface {
	FlushAndForce(event tracing.FlushEvent, cc *pagecache.CursorContext) error
}

// Appender appends one checkpoint record to the log and fsyncs its tail.
type Appender interface {
	CheckPoint(event tracing.CheckpointEvent, tx kernel.TransactionID,
		version kernel.Version, pos wal.Position, now time.Time, reason string) error
}

// IOController is the read-only view the coordinator has of flush pacing,
// used only for the operator-facing completion message.
type IOController interface {
	IsEnabled() bool
	ConfiguredLimit() int64
}

// Coordinator runs checkpoints. All trigger operations are safe to call from
// any goroutine; at most one checkpoint executes at a time.
type Coordinator struct {
	mutex     *Mutex
	threshold Threshold
	txIDs     TxIDStore
	flusher   Flusher
	appender  Appender
	pruner    wal.Pruner
	health    kernel.PanicSignal
	versions  kernel.VersionProvider
	io        IOController
	contexts  *pagecache.ContextFactory
	tracers   *tracing.DatabaseTracers
	logger    *log.Logger
	clock     func() time.Time

	latest atomic.Pointer[LatestInfo]
	// Terminal; written under mutex, read under mutex at checkpoint entry.
	shutdown bool
}

// Config collects the coordinator's collaborators. All fields but Logger and
// Clock are required.
type Config struct {
	Threshold Threshold
	TxIDs     TxIDStore
	Flusher   Flusher
	Appender  Appender
	Pruner    wal.Pruner
	Health    kernel.PanicSignal
	Versions  kernel.VersionProvider
	IO        IOController
	Contexts  *pagecache.ContextFactory
	Tracers   *tracing.DatabaseTracers
	Logger    *log.Logger
	Clock     func() time.Time
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	var c = &Coordinator{
		mutex:     NewMutex(),
		threshold: cfg.Threshold,
		txIDs:     cfg.TxIDs,
		flusher:   cfg.Flusher,
		appender:  cfg.Appender,
		pruner:    cfg.Pruner,
		health:    cfg.Health,
		versions:  cfg.Versions,
		io:        cfg.IO,
		contexts:  cfg.Contexts,
		tracers:   cfg.Tracers,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
	}
	c.latest.Store(&UnknownLatestInfo)
	return c
}

// Start initialises the threshold from the current commit clock. Call once,
// before any trigger operation.
func (c *Coordinator) Start() {
	var tx, pos = c.txIDs.LastClosedTransaction()
	c.threshold.Initialize(tx.ID, pos)
}

// Shutdown latches the terminal shutdown state. It waits for any in-flight
// checkpoint to complete; once it returns, every subsequent trigger is a
// warned no-op. It never interrupts a running checkpoint.
func (c *Coordinator) Shutdown() {
	var guard = c.mutex.Lock()
	defer guard.Unlock()
	c.shutdown = true
}

// LatestCheckPointInfo returns the most recently published checkpoint info,
// UnknownLatestInfo before the first success. Lock-free.
func (c *Coordinator) LatestCheckPointInfo() LatestInfo {
	return *c.latest.Load()
}

// ForceCheckPoint runs a checkpoint unconditionally, waiting behind any
// in-flight one. It returns the transaction id just checkpointed.
func (c *Coordinator) ForceCheckPoint(info TriggerInfo) (int64, error) {
	checkpointsTriggered.WithLabelValues("forced").Inc()
	var guard = c.mutex.Lock()
	defer guard.Unlock()

	var tx, pos = c.txIDs.LastClosedTransaction()
	return c.checkPointLocked(info, tx, pos)
}

// ForceCheckPointAt is ForceCheckPoint with an externally chosen transaction
// and log position, used by backup and replication: the given pair is
// recorded verbatim instead of the commit clock's snapshot.
func (c *Coordinator) ForceCheckPointAt(tx kernel.TransactionID, pos wal.Position, info TriggerInfo) (int64, error) {
	checkpointsTriggered.WithLabelValues("forced").Inc()
	var guard = c.mutex.Lock()
	defer guard.Unlock()
	return c.checkPointLocked(info, tx, pos)
}

// TryCheckPoint runs a checkpoint, or joins one already running: when the
// mutex is contended it waits for the running checkpoint to finish and
// returns that checkpoint's transaction id without starting another. It is a
// barrier, not a queue.
func (c *Coordinator) TryCheckPoint(info TriggerInfo) (int64, error) {
	return c.TryCheckPointUntil(info, func() bool { return false })
}

// TryCheckPointNoWait is TryCheckPoint except that a contended mutex returns
// NoTransaction immediately, touching no collaborator.
func (c *Coordinator) TryCheckPointNoWait(info TriggerInfo) (int64, error) {
	var guard, ok = c.mutex.TryLock()
	if !ok {
		checkpointsSkipped.WithLabelValues("contended").Inc()
		return NoTransaction, nil
	}
	defer guard.Unlock()

	checkpointsTriggered.WithLabelValues("try").Inc()
	var tx, pos = c.txIDs.LastClosedTransaction()
	return c.checkPointLocked(info, tx, pos)
}

// TryCheckPointUntil is TryCheckPoint with the wait for a running checkpoint
// bounded by timedOut; once the predicate reports true the call gives up and
// returns NoTransaction.
func (c *Coordinator) TryCheckPointUntil(info TriggerInfo, timedOut func() bool) (int64, error) {
	if guard, ok := c.mutex.TryLock(); ok {
		defer guard.Unlock()
		checkpointsTriggered.WithLabelValues("try").Inc()
		var tx, pos = c.txIDs.LastClosedTransaction()
		return c.checkPointLocked(info, tx, pos)
	}

	// Someone else is checkpointing. Wait for them: their checkpoint
	// satisfies this request's purpose.
	var guard, ok = c.mutex.TryLockUntil(timedOut)
	if !ok {
		checkpointsSkipped.WithLabelValues("timeout").Inc()
		return NoTransaction, nil
	}
	defer guard.Unlock()

	var latest = c.LatestCheckPointInfo()
	c.logger.WithField("txId", latest.CommittedTx.ID).
		Info("checkpoint was already running; completed now")
	checkpointsSkipped.WithLabelValues("joined").Inc()
	return int64(latest.CommittedTx.ID), nil
}

// CheckPointIfNeeded consults the threshold and runs a checkpoint only when
// the policy asks for one. The threshold is evaluated without the mutex:
// a not-needed verdict costs no serialisation at all.
func (c *Coordinator) CheckPointIfNeeded(info TriggerInfo) (int64, error) {
	var tx, pos = c.txIDs.LastClosedTransaction()
	if !c.threshold.IsNeeded(tx.ID, pos, info) {
		checkpointsSkipped.WithLabelValues("not-needed").Inc()
		return NoTransaction, nil
	}

	checkpointsTriggered.WithLabelValues("needed").Inc()
	var guard = c.mutex.Lock()
	defer guard.Unlock()

	tx, pos = c.txIDs.LastClosedTransaction()
	return c.checkPointLocked(info, tx, pos)
}

// checkPointLocked runs the checkpoint protocol. Caller holds the mutex.
func (c *Coordinator) checkPointLocked(info TriggerInfo, tx kernel.TransactionID, pos wal.Position) (int64, error) {
	if c.shutdown {
		c.logger.WithField("trigger", info.Describe(c.LatestCheckPointInfo())).
			Warn("checkpoint requested after shutdown; ignoring")
		checkpointsSkipped.WithLabelValues("shutdown").Inc()
		return NoTransaction, nil
	}

	var txID, err = c.doCheckPoint(info, tx, pos)
	if err != nil {
		c.logger.WithField("error", err).Error("Checkpoint failed")
		checkpointsCompleted.WithLabelValues("failure").Inc()
		return NoTransaction, err
	}
	checkpointsCompleted.WithLabelValues("success").Inc()
	return txID, nil
}

func (c *Coordinator) doCheckPoint(info TriggerInfo, tx kernel.TransactionID, pos wal.Position) (int64, error) {
	var event = c.tracers.Checkpoint().BeginCheckPoint()
	defer event.Close()

	var cc = c.contexts.Create("checkpoint")
	defer cc.Close()
	cc.VersionContext().InitWrite(tx.ID)

	var version = c.versions.KernelVersion()
	// Constructed now, published only after the full protocol succeeds.
	var ongoing = &LatestInfo{CommittedTx: tx, Kernel: version}

	// Flushing waits on subsystems which may never respond once the
	// database has panicked. Don't start.
	if err := c.health.AssertNoPanic(); err != nil {
		return NoTransaction, fmt.Errorf("checkpoint aborted before flush: %w", err)
	}

	var description = info.Describe(c.LatestCheckPointInfo())
	c.logger.Info(description + " checkpoint started...")
	var started = c.clock()

	var flushErr = func() error {
		var flush = event.BeginFlush()
		defer flush.Done()
		if c.io.IsEnabled() {
			event.SetIOLimit(c.io.ConfiguredLimit())
		}
		return c.flusher.FlushAndForce(flush, cc)
	}()
	if flushErr != nil {
		return NoTransaction, fmt.Errorf("flushing page cache: %w", flushErr)
	}

	// The flush is harmless without a checkpoint record: recovery replays
	// from the previous checkpoint. A record over unflushed pages is not.
	// So re-check the panic latch before the record becomes real.
	if err := c.health.AssertNoPanic(); err != nil {
		return NoTransaction, fmt.Errorf("checkpoint aborted after flush: %w", err)
	}

	if err := c.appender.CheckPoint(event, tx, version, pos, c.clock(),
		reasonOf(info, c.LatestCheckPointInfo())); err != nil {
		return NoTransaction, fmt.Errorf("appending checkpoint record: %w", err)
	}
	c.threshold.OnCheckpoint(tx.ID, pos)

	var elapsed = c.clock().Sub(started)
	event.Done(elapsed)
	c.logger.Info(createCheckpointMessageDescription(description, elapsed, event, c.io))

	if err := c.pruner.PruneLogs(pos.LogVersion); err != nil {
		return NoTransaction, fmt.Errorf("pruning transaction logs: %w", err)
	}

	c.latest.Store(ongoing)
	return int64(tx.ID), nil
}

// createCheckpointMessageDescription renders the operator-facing completion
// line from the checkpoint trace counters.
func createCheckpointMessageDescription(description string, elapsed time.Duration,
	event tracing.CheckpointEvent, io IOController) string {

	var limit = "unlimited"
	if io.IsEnabled() && io.ConfiguredLimit() >= 0 {
		limit = fmt.Sprintf("%d", io.ConfiguredLimit())
	}
	var ratio = int64(math.Floor(event.FlushRatio() * 100))

	return fmt.Sprintf("%s checkpoint completed in %s. "+
		"Checkpoint flushed %d pages (%d%% of total available pages), in %d IOs. "+
		"Checkpoint performed with IO limit: %s, paused in total %d times( %d millis).",
		description, elapsed, event.PagesFlushed(), ratio, event.IOsPerformed(),
		limit, event.TimesPaused(), event.MillisPaused())
}
