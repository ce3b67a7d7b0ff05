package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/quarrydb/quarry/go/kernel"
	"github.com/quarrydb/quarry/go/tracing"
)

// CheckpointFileName is the checkpoint log within a database directory.
const CheckpointFileName = "checkpoint.log"

const checkpointMagic uint32 = 0x71636b70 // "qckp"

// recordHeaderSize is the fixed prefix of a checkpoint record: magic,
// kernel version, transaction fields, log position, wall-clock millis, and
// the length of the trailing reason string.
const recordHeaderSize = 4 + 2 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 2

// Record is one decoded checkpoint record.
type Record struct {
	Kernel   kernel.Version
	Tx       kernel.TransactionID
	Position Position
	Time     time.Time
	Reason   string
}

// Appender appends checkpoint records to the checkpoint log and fsyncs them.
// Appending a record is the commit point of a checkpoint: a record present in
// the log is a recovery point, whether or not anything else observed it.
type Appender struct {
	file *os.File
}

// OpenAppender opens (creating if absent) the checkpoint log in dir.
func OpenAppender(dir string) (*Appender, error) {
	var path = filepath.Join(dir, CheckpointFileName)
	var file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log %q: %w", path, err)
	}
	return &Appender{file: file}, nil
}

// CheckPoint appends one record for the given transaction and fsyncs the log
// tail. The record carries everything recovery needs to locate its replay
// start: the transaction identity, the log position of its commit record, and
// the kernel version which wrote it.
func (a *Appender) CheckPoint(event tracing.CheckpointEvent, tx kernel.TransactionID,
	version kernel.Version, pos Position, now time.Time, reason string) error {

	var buf = encodeRecord(version, tx, pos, now, reason)
	if _, err := a.file.Write(buf); err != nil {
		return fmt.Errorf("appending checkpoint record: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("syncing checkpoint log: %w", err)
	}
	event.RecordAppend(int64(len(buf)))
	return nil
}

// Close closes the underlying file.
func (a *Appender) Close() error { return a.file.Close() }

func encodeRecord(version kernel.Version, tx kernel.TransactionID,
	pos Position, now time.Time, reason string) []byte {

	if len(reason) > int(^uint16(0)) {
		reason = reason[:^uint16(0)]
	}
	var buf = make([]byte, recordHeaderSize+len(reason)+8)
	var b = buf
	binary.BigEndian.PutUint32(b, checkpointMagic)
	binary.BigEndian.PutUint16(b[4:], uint16(version))
	binary.BigEndian.PutUint64(b[6:], tx.ID)
	binary.BigEndian.PutUint64(b[14:], tx.Checksum)
	binary.BigEndian.PutUint64(b[22:], uint64(tx.CommitTimestamp))
	binary.BigEndian.PutUint64(b[30:], uint64(tx.ConsensusIndex))
	binary.BigEndian.PutUint64(b[38:], pos.LogVersion)
	binary.BigEndian.PutUint64(b[46:], pos.ByteOffset)
	binary.BigEndian.PutUint64(b[54:], uint64(now.UnixMilli()))
	binary.BigEndian.PutUint16(b[62:], uint16(len(reason)))
	copy(b[recordHeaderSize:], reason)

	var sum = xxhash.Sum64(buf[:recordHeaderSize+len(reason)])
	binary.BigEndian.PutUint64(buf[recordHeaderSize+len(reason):], sum)
	return buf
}

// LastRecord scans the checkpoint log in dir and returns its final valid
// record. Recovery uses it to find the replay start; a truncated or corrupt
// tail is tolerated by returning the last record which checksums.
func LastRecord(dir string) (Record, bool, error) {
	var path = filepath.Join(dir, CheckpointFileName)
	var file, err = os.Open(path)
	if os.IsNotExist(err) {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, fmt.Errorf("opening checkpoint log %q: %w", path, err)
	}
	defer file.Close()

	var last Record
	var found bool
	for {
		var rec, ok, err = readRecord(file)
		if err != nil {
			return Record{}, false, err
		} else if !ok {
			return last, found, nil
		}
		last, found = rec, true
	}
}

func readRecord(r io.Reader) (Record, bool, error) {
	var header = make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err == io.EOF {
		return Record{}, false, nil
	} else if err != nil {
		// Truncated tail: stop at the last complete record.
		return Record{}, false, nil
	}
	if binary.BigEndian.Uint32(header) != checkpointMagic {
		return Record{}, false, nil
	}

	var reasonLen = int(binary.BigEndian.Uint16(header[62:]))
	var rest = make([]byte, reasonLen+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Record{}, false, nil
	}

	var digest = xxhash.New()
	digest.Write(header)
	digest.Write(rest[:reasonLen])
	if digest.Sum64() != binary.BigEndian.Uint64(rest[reasonLen:]) {
		return Record{}, false, nil
	}

	var rec = Record{
		Kernel: kernel.Version(binary.BigEndian.Uint16(header[4:])),
		Tx: kernel.TransactionID{
			ID:              binary.BigEndian.Uint64(header[6:]),
			Checksum:        binary.BigEndian.Uint64(header[14:]),
			CommitTimestamp: int64(binary.BigEndian.Uint64(header[22:])),
			ConsensusIndex:  int64(binary.BigEndian.Uint64(header[30:])),
		},
		Position: Position{
			LogVersion: binary.BigEndian.Uint64(header[38:]),
			ByteOffset: binary.BigEndian.Uint64(header[46:]),
		},
		Time:   time.UnixMilli(int64(binary.BigEndian.Uint64(header[54:]))),
		Reason: string(rest[:reasonLen]),
	}
	return rec, true, nil
}
