package checkpoint

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarrydb/quarry/go/kernel"
	"github.com/quarrydb/quarry/go/pagecache"
	"github.com/quarrydb/quarry/go/tracing"
	"github.com/quarrydb/quarry/go/wal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeTxIDs struct {
	mu  sync.Mutex
	tx  kernel.TransactionID
	pos wal.Position
}

func (f *fakeTxIDs) LastClosedTransaction() (kernel.TransactionID, wal.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx, f.pos
}

func (f *fakeTxIDs) set(tx kernel.TransactionID, pos wal.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx, f.pos = tx, pos
}

type fakeFlusher struct {
	calls atomic.Int32
	// When non-nil, entry is signalled and the flush blocks until release.
	entered chan struct{}
	release chan struct{}
	// Runs after any latch, before returning.
	onFlush func()
	err     error
}

func (f *fakeFlusher) FlushAndForce(event tracing.FlushEvent, cc *pagecache.CursorContext) error {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.onFlush != nil {
		f.onFlush()
	}
	if f.err != nil {
		return f.err
	}
	event.SetPagesTotal(400)
	event.AddPagesFlushed(40)
	event.AddIOs(4)
	return nil
}

type fakeAppender struct {
	calls atomic.Int32
	err   error

	mu      sync.Mutex
	tx      kernel.TransactionID
	version kernel.Version
	pos     wal.Position
	reason  string
}

func (f *fakeAppender) CheckPoint(event tracing.CheckpointEvent, tx kernel.TransactionID,
	version kernel.Version, pos wal.Position, now time.Time, reason string) error {

	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx, f.version, f.pos, f.reason = tx, version, pos, reason
	return nil
}

type fakePruner struct {
	calls   atomic.Int32
	version atomic.Uint64
	err     error
}

func (f *fakePruner) PruneLogs(upToVersion uint64) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	f.version.Store(upToVersion)
	return nil
}

type fixture struct {
	coordinator *Coordinator
	txIDs       *fakeTxIDs
	flusher     *fakeFlusher
	appender    *fakeAppender
	pruner      *fakePruner
	health      *kernel.Health
	hook        *logtest.Hook
}

func newFixture(t *testing.T, threshold Threshold) *fixture {
	t.Helper()
	var logger, hook = logtest.NewNullLogger()
	var f = &fixture{
		txIDs:    &fakeTxIDs{tx: kernel.TransactionID{ID: 42, Checksum: 0xfeed}, pos: wal.Position{LogVersion: 7, ByteOffset: 1024}},
		flusher:  new(fakeFlusher),
		appender: new(fakeAppender),
		pruner:   new(fakePruner),
		health:   kernel.NewHealth(logger),
		hook:     hook,
	}
	f.coordinator = NewCoordinator(Config{
		Threshold: threshold,
		TxIDs:     f.txIDs,
		Flusher:   f.flusher,
		Appender:  f.appender,
		Pruner:    f.pruner,
		Health:    f.health,
		Versions:  kernel.StaticVersion(5),
		IO:        pagecache.Unlimited{},
		Contexts:  pagecache.NewContextFactory(),
		Tracers:   tracing.NewDatabaseTracers(),
		Logger:    logger,
	})
	f.coordinator.Start()
	return f
}

func (f *fixture) hasLogLine(level logrus.Level, substring string) bool {
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == level && strings.Contains(entry.Message, substring) {
			return true
		}
	}
	return false
}

func TestColdStartForcedCheckpoint(t *testing.T) {
	var f = newFixture(t, Never{})
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())

	var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.NoError(t, err)
	require.Equal(t, int64(42), txID)

	require.Equal(t, int32(1), f.flusher.calls.Load())
	require.Equal(t, int32(1), f.appender.calls.Load())
	require.Equal(t, uint64(42), f.appender.tx.ID)
	require.Equal(t, wal.Position{LogVersion: 7, ByteOffset: 1024}, f.appender.pos)
	require.Equal(t, kernel.Version(5), f.appender.version)
	require.Equal(t, int32(1), f.pruner.calls.Load())
	require.Equal(t, uint64(7), f.pruner.version.Load())

	var latest = f.coordinator.LatestCheckPointInfo()
	require.Equal(t, uint64(42), latest.CommittedTx.ID)
	require.Equal(t, kernel.Version(5), latest.Kernel)

	require.True(t, f.hasLogLine(logrus.InfoLevel, "checkpoint started..."))
	require.True(t, f.hasLogLine(logrus.InfoLevel, "checkpoint completed in"))
}

func TestForceCheckPointAtUsesGivenPairVerbatim(t *testing.T) {
	var f = newFixture(t, Never{})

	var tx = kernel.TransactionID{ID: 99, Checksum: 0xbeef}
	var pos = wal.Position{LogVersion: 12, ByteOffset: 4096}
	var txID, err = f.coordinator.ForceCheckPointAt(tx, pos, BackupBegin())
	require.NoError(t, err)
	require.Equal(t, int64(99), txID)

	require.Equal(t, uint64(99), f.appender.tx.ID)
	require.Equal(t, pos, f.appender.pos)
	require.Equal(t, uint64(12), f.pruner.version.Load())
	require.Equal(t, uint64(99), f.coordinator.LatestCheckPointInfo().CommittedTx.ID)
}

func TestNotNeededSkipsEverything(t *testing.T) {
	var f = newFixture(t, Never{})

	var txID, err = f.coordinator.CheckPointIfNeeded(Scheduled())
	require.NoError(t, err)
	require.Equal(t, NoTransaction, txID)

	require.Zero(t, f.flusher.calls.Load())
	require.Zero(t, f.appender.calls.Load())
	require.Zero(t, f.pruner.calls.Load())
}

func TestCheckPointIfNeededRunsWhenThresholdSays(t *testing.T) {
	var f = newFixture(t, NewCountThreshold(10))
	// Threshold was initialised at tx 42; advance past it.
	f.txIDs.set(kernel.TransactionID{ID: 55}, wal.Position{LogVersion: 8, ByteOffset: 10})

	var txID, err = f.coordinator.CheckPointIfNeeded(Scheduled())
	require.NoError(t, err)
	require.Equal(t, int64(55), txID)
	require.Equal(t, int32(1), f.flusher.calls.Load())

	// The threshold was updated: no second checkpoint is needed.
	txID, err = f.coordinator.CheckPointIfNeeded(Scheduled())
	require.NoError(t, err)
	require.Equal(t, NoTransaction, txID)
	require.Equal(t, int32(1), f.flusher.calls.Load())
}

func TestTryCheckPointJoinsRunningCheckpoint(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.entered = make(chan struct{})
	f.flusher.release = make(chan struct{})

	type result struct {
		txID int64
		err  error
	}
	var forcedResult = make(chan result, 1)
	go func() {
		var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
		forcedResult <- result{txID, err}
	}()
	<-f.flusher.entered // A is inside flushAndForce.

	var joinedResult = make(chan result, 1)
	go func() {
		var txID, err = f.coordinator.TryCheckPoint(Scheduled())
		joinedResult <- result{txID, err}
	}()

	// Give B time to contend, then let A finish.
	time.Sleep(20 * time.Millisecond)
	close(f.flusher.release)

	var forced = <-forcedResult
	require.NoError(t, forced.err)
	require.Equal(t, int64(42), forced.txID)

	var joined = <-joinedResult
	require.NoError(t, joined.err)
	require.Equal(t, int64(42), joined.txID)

	// B triggered no second flush or append.
	require.Equal(t, int32(1), f.flusher.calls.Load())
	require.Equal(t, int32(1), f.appender.calls.Load())
	require.True(t, f.hasLogLine(logrus.InfoLevel, "checkpoint was already running; completed now"))
}

func TestTryCheckPointNoWaitReturnsImmediatelyWhenContended(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.entered = make(chan struct{})
	f.flusher.release = make(chan struct{})

	var forcedResult = make(chan int64, 1)
	go func() {
		var txID, _ = f.coordinator.ForceCheckPoint(ForcedByOperator())
		forcedResult <- txID
	}()
	<-f.flusher.entered

	var txID, err = f.coordinator.TryCheckPointNoWait(Scheduled())
	require.NoError(t, err)
	require.Equal(t, NoTransaction, txID)

	close(f.flusher.release)
	require.Equal(t, int64(42), <-forcedResult)

	require.Equal(t, int32(1), f.flusher.calls.Load())
	require.Equal(t, int32(1), f.appender.calls.Load())
}

func TestTryCheckPointUntilGivesUpOnTimeout(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.entered = make(chan struct{})
	f.flusher.release = make(chan struct{})

	go f.coordinator.ForceCheckPoint(ForcedByOperator())
	<-f.flusher.entered

	var txID, err = f.coordinator.TryCheckPointUntil(Scheduled(), func() bool { return true })
	require.NoError(t, err)
	require.Equal(t, NoTransaction, txID)

	close(f.flusher.release)
}

func TestPanicBeforeFlushAbortsWithoutFlushing(t *testing.T) {
	var f = newFixture(t, Never{})
	f.health.Panic(fmt.Errorf("store corrupted"))

	var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.ErrorContains(t, err, "checkpoint aborted before flush")
	require.Equal(t, NoTransaction, txID)

	require.Zero(t, f.flusher.calls.Load())
	require.Zero(t, f.appender.calls.Load())
	require.Zero(t, f.pruner.calls.Load())
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())
	require.True(t, f.hasLogLine(logrus.ErrorLevel, "Checkpoint failed"))
}

func TestPanicBetweenFlushAndAppendAborts(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.onFlush = func() { f.health.Panic(fmt.Errorf("disk vanished")) }

	var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.ErrorContains(t, err, "checkpoint aborted after flush")
	require.Equal(t, NoTransaction, txID)

	require.Equal(t, int32(1), f.flusher.calls.Load())
	require.Zero(t, f.appender.calls.Load())
	require.Zero(t, f.pruner.calls.Load())
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())
}

func TestFlushFailureStopsTheProtocol(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.err = fmt.Errorf("short write")

	var _, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.ErrorContains(t, err, "flushing page cache")
	require.ErrorContains(t, err, "short write")

	require.Zero(t, f.appender.calls.Load())
	require.Zero(t, f.pruner.calls.Load())
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())
	require.True(t, f.hasLogLine(logrus.ErrorLevel, "Checkpoint failed"))
}

func TestAppendFailureLeavesStateUntouched(t *testing.T) {
	var f = newFixture(t, NewCountThreshold(1))
	f.appender.err = fmt.Errorf("log is full")

	var _, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.ErrorContains(t, err, "appending checkpoint record")

	require.Zero(t, f.pruner.calls.Load())
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())

	// The threshold was not updated: the next opportunistic check retries.
	f.appender.err = nil
	f.txIDs.set(kernel.TransactionID{ID: 44}, wal.Position{LogVersion: 7, ByteOffset: 2048})
	var txID, retryErr = f.coordinator.CheckPointIfNeeded(Scheduled())
	require.NoError(t, retryErr)
	require.Equal(t, int64(44), txID)
}

func TestPruneFailureSuppressesPublication(t *testing.T) {
	var f = newFixture(t, Never{})
	f.pruner.err = fmt.Errorf("segment busy")

	var _, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.ErrorContains(t, err, "pruning transaction logs")

	// The record is in the log, but publication was suppressed; the stale
	// info self-heals on the next successful checkpoint.
	require.Equal(t, int32(1), f.appender.calls.Load())
	require.Equal(t, UnknownLatestInfo, f.coordinator.LatestCheckPointInfo())

	f.pruner.err = nil
	var txID, retryErr = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.NoError(t, retryErr)
	require.Equal(t, int64(42), txID)
	require.Equal(t, uint64(42), f.coordinator.LatestCheckPointInfo().CommittedTx.ID)
}

func TestLatestInfoIsMonotonic(t *testing.T) {
	var f = newFixture(t, Never{})

	var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.NoError(t, err)
	require.Equal(t, int64(42), txID)

	f.txIDs.set(kernel.TransactionID{ID: 50}, wal.Position{LogVersion: 8, ByteOffset: 64})
	txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.NoError(t, err)
	require.Equal(t, int64(50), txID)
	require.Equal(t, uint64(50), f.coordinator.LatestCheckPointInfo().CommittedTx.ID)
}

func TestShutdownDuringCheckpoint(t *testing.T) {
	var f = newFixture(t, Never{})
	f.flusher.entered = make(chan struct{})
	f.flusher.release = make(chan struct{})

	var forcedResult = make(chan int64, 1)
	go func() {
		var txID, _ = f.coordinator.ForceCheckPoint(ForcedByOperator())
		forcedResult <- txID
	}()
	<-f.flusher.entered

	var shutdownDone = make(chan struct{})
	go func() {
		f.coordinator.Shutdown()
		close(shutdownDone)
	}()

	// Shutdown blocks behind the in-flight checkpoint.
	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while a checkpoint was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(f.flusher.release)
	<-shutdownDone

	// The in-flight checkpoint still published normally.
	require.Equal(t, int64(42), <-forcedResult)
	require.Equal(t, uint64(42), f.coordinator.LatestCheckPointInfo().CommittedTx.ID)

	// Every subsequent trigger is a warned no-op.
	var txID, err = f.coordinator.ForceCheckPoint(ForcedByOperator())
	require.NoError(t, err)
	require.Equal(t, NoTransaction, txID)
	require.True(t, f.hasLogLine(logrus.WarnLevel, "checkpoint requested after shutdown"))
	require.Equal(t, int32(1), f.flusher.calls.Load())
}

func TestConcurrentTriggersRunExactlyOneFlushEach(t *testing.T) {
	var f = newFixture(t, Never{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				f.coordinator.ForceCheckPoint(ForcedByOperator())
			case 1:
				f.coordinator.TryCheckPoint(Scheduled())
			default:
				f.coordinator.TryCheckPointNoWait(Scheduled())
			}
		}(i)
	}
	wg.Wait()

	// Every flush was paired with exactly one append, and at least one ran.
	require.Equal(t, f.flusher.calls.Load(), f.appender.calls.Load())
	require.GreaterOrEqual(t, f.flusher.calls.Load(), int32(1))
	require.Equal(t, uint64(42), f.coordinator.LatestCheckPointInfo().CommittedTx.ID)
}

func TestTriggerDescriptions(t *testing.T) {
	require.Equal(t, `Checkpoint triggered by "scheduled checkpoint" @ txId: unknown`,
		Scheduled().Describe(UnknownLatestInfo))

	var latest = LatestInfo{CommittedTx: kernel.TransactionID{ID: 42}, Kernel: 5}
	require.Equal(t, `Checkpoint triggered by "call to checkpoint" @ txId: 42`,
		ForcedByOperator().Describe(latest))
	require.Equal(t, `Checkpoint triggered by "database shutdown" @ txId: 42`,
		ShutdownTrigger().Describe(latest))
}

func TestCheckpointMessageDescription(t *testing.T) {
	var event = tracing.NewDatabaseTracers().Checkpoint().BeginCheckPoint()
	defer event.Close()

	var flush = event.BeginFlush()
	flush.SetPagesTotal(400)
	flush.AddPagesFlushed(40)
	flush.AddIOs(4)
	flush.Done()

	require.Equal(t,
		"Scheduled checkpoint checkpoint completed in 2s. "+
			"Checkpoint flushed 40 pages (10% of total available pages), in 4 IOs. "+
			"Checkpoint performed with IO limit: unlimited, paused in total 0 times( 0 millis).",
		createCheckpointMessageDescription("Scheduled checkpoint", 2*time.Second, event, pagecache.Unlimited{}))

	// An enabled controller with a non-negative limit renders the limit.
	flush.AddPause(70 * time.Millisecond)
	flush.AddPause(30 * time.Millisecond)
	require.Equal(t,
		"Scheduled checkpoint checkpoint completed in 1.5s. "+
			"Checkpoint flushed 40 pages (10% of total available pages), in 4 IOs. "+
			"Checkpoint performed with IO limit: 300, paused in total 2 times( 100 millis).",
		createCheckpointMessageDescription("Scheduled checkpoint", 1500*time.Millisecond, event, pagecache.NewLimiter(300)))

	// An enabled controller with a negative limit is unlimited.
	require.Contains(t,
		createCheckpointMessageDescription("x", time.Second, event, pagecache.NewLimiter(-1)),
		"IO limit: unlimited")
}
