package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SegmentPrefix names the versioned segment files of the transaction log:
// wal.0, wal.1, ... Each version is a single append-only file.
const SegmentPrefix = "wal."

// Pruner drops transaction log segments which precede a checkpoint and are
// therefore no longer needed for recovery.
type Pruner interface {
	// PruneLogs removes segments with versions strictly below upToVersion.
	// The segment containing upToVersion is always retained. Idempotent.
	PruneLogs(upToVersion uint64) error
}

// SegmentPruner unlinks segment files from a database directory.
type SegmentPruner struct {
	dir    string
	logger *log.Logger
}

func NewSegmentPruner(dir string, logger *log.Logger) *SegmentPruner {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &SegmentPruner{dir: dir, logger: logger}
}

func (p *SegmentPruner) PruneLogs(upToVersion uint64) error {
	var entries, err = os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("listing log directory %q: %w", p.dir, err)
	}

	var pruned int
	for _, entry := range entries {
		var version, ok = segmentVersion(entry.Name())
		if !ok || version >= upToVersion {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, entry.Name())); err != nil {
			return fmt.Errorf("removing log segment %q: %w", entry.Name(), err)
		}
		pruned++
	}

	if pruned != 0 {
		p.logger.WithFields(log.Fields{
			"segments":    pruned,
			"upToVersion": upToVersion,
		}).Info("pruned transaction log segments")
	}
	return nil
}

func segmentVersion(name string) (uint64, bool) {
	if !strings.HasPrefix(name, SegmentPrefix) {
		return 0, false
	}
	var version, err = strconv.ParseUint(name[len(SegmentPrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return version, true
}
