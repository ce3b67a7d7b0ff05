// Package wal is the write-ahead transaction log of the storage engine: an
// append-only sequence of versioned segment files, plus the checkpoint log
// which marks durable recovery points within it.
package wal

import "fmt"

// Position identifies a byte position in the append-only log, totally
// ordered lexicographically by (LogVersion, ByteOffset).
type Position struct {
	LogVersion uint64
	ByteOffset uint64
}

// Compare returns -1, 0, or 1 as p orders before, equal to, or after other.
func (p Position) Compare(other Position) int {
	if p.LogVersion != other.LogVersion {
		if p.LogVersion < other.LogVersion {
			return -1
		}
		return 1
	}
	if p.ByteOffset != other.ByteOffset {
		if p.ByteOffset < other.ByteOffset {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether p orders strictly before other.
func (p Position) Less(other Position) bool { return p.Compare(other) < 0 }

// DistanceFrom returns the number of log bytes between prev and p, assuming
// segments roll at segmentSize bytes. It answers "how much has the log grown
// since prev" for volume-based checkpoint policies; positions that order
// before prev yield zero.
func (p Position) DistanceFrom(prev Position, segmentSize uint64) uint64 {
	if !prev.Less(p) {
		return 0
	}
	if p.LogVersion == prev.LogVersion {
		return p.ByteOffset - prev.ByteOffset
	}
	var grown = (p.LogVersion-prev.LogVersion)*segmentSize + p.ByteOffset
	if prev.ByteOffset > grown {
		return 0
	}
	return grown - prev.ByteOffset
}

func (p Position) String() string {
	return fmt.Sprintf("LogPosition[%d, %d]", p.LogVersion, p.ByteOffset)
}
