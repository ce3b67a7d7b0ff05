package checkpoint

import (
	"sync"

	"github.com/quarrydb/quarry/go/wal"
)

// Threshold is the policy deciding whether an opportunistic checkpoint is
// warranted. Initialize is called exactly once before use; IsNeeded is cheap
// and safe to call without the checkpoint mutex; OnCheckpoint is called with
// the mutex held, after a successful log append.
type Threshold interface {
	Initialize(txID uint64, pos wal.Position)
	IsNeeded(txID uint64, pos wal.Position, info TriggerInfo) bool
	OnCheckpoint(txID uint64, pos wal.Position)
}

// CountThreshold triggers once the given number of transactions have closed
// since the last checkpoint.
type CountThreshold struct {
	every uint64

	mu       sync.Mutex
	lastTxID uint64
}

func NewCountThreshold(everyNTransactions uint64) *CountThreshold {
	return &CountThreshold{every: everyNTransactions}
}

func (t *CountThreshold) Initialize(txID uint64, pos wal.Position) {
	t.OnCheckpoint(txID, pos)
}

func (t *CountThreshold) IsNeeded(txID uint64, pos wal.Position, info TriggerInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return txID >= t.lastTxID+t.every
}

func (t *CountThreshold) OnCheckpoint(txID uint64, pos wal.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTxID = txID
}

// VolumeThreshold triggers once the log has grown by the given number of
// bytes since the last checkpoint, counting rolled segments at segmentSize.
type VolumeThreshold struct {
	bytes       uint64
	segmentSize uint64

	mu      sync.Mutex
	lastPos wal.Position
}

func NewVolumeThreshold(bytes, segmentSize uint64) *VolumeThreshold {
	return &VolumeThreshold{bytes: bytes, segmentSize: segmentSize}
}

func (t *VolumeThreshold) Initialize(txID uint64, pos wal.Position) {
	t.OnCheckpoint(txID, pos)
}

func (t *VolumeThreshold) IsNeeded(txID uint64, pos wal.Position, info TriggerInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return pos.DistanceFrom(t.lastPos, t.segmentSize) >= t.bytes
}

func (t *VolumeThreshold) OnCheckpoint(txID uint64, pos wal.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPos = pos
}

// Or combines thresholds: a checkpoint is needed when any member says so.
// Initialize and OnCheckpoint fan out to every member.
func Or(thresholds ...Threshold) Threshold { return orThreshold(thresholds) }

type orThreshold []Threshold

func (o orThreshold) Initialize(txID uint64, pos wal.Position) {
	for _, t := range o {
		t.Initialize(txID, pos)
	}
}

func (o orThreshold) IsNeeded(txID uint64, pos wal.Position, info TriggerInfo) bool {
	for _, t := range o {
		if t.IsNeeded(txID, pos, info) {
			return true
		}
	}
	return false
}

func (o orThreshold) OnCheckpoint(txID uint64, pos wal.Position) {
	for _, t := range o {
		t.OnCheckpoint(txID, pos)
	}
}

// Never is a Threshold which never asks for a checkpoint. Forced triggers
// bypass thresholds entirely, so Never disables opportunistic checkpoints
// without disabling checkpointing.
type Never struct{}

func (Never) Initialize(txID uint64, pos wal.Position) {}
func (Never) IsNeeded(txID uint64, pos wal.Position, info TriggerInfo) bool { return false }
func (Never) OnCheckpoint(txID uint64, pos wal.Position) {}
