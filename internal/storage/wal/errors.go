package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL: a record is not valid JSON or its payload cannot be decoded
	ErrCorruptedWAL = errors.New("wal: file is corrupted")
	// ErrChecksumMismatch: a record decoded but its CRC32 does not match
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrEmptyWAL         = errors.New("wal: file is empty")
	ErrWALClosed        = errors.New("wal: already closed")
	// ErrSyncFailed: fsync failed. The WAL rejects every later append because
	// the on-disk tail is unknown; FileStore surfaces it as store unavailable.
	ErrSyncFailed = errors.New("wal: sync to disk failed")
	// ErrSeqGap: sequence numbers are not strictly increasing by one
	ErrSeqGap = errors.New("wal: sequence gap")
)

// ChecksumError names the checkpoint record whose checksum failed.
type ChecksumError struct {
	Seq      uint64
	Type     EventType
	JobID    string
	BatchID  string
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	target := e.JobID
	if e.BatchID != "" {
		target += "/" + e.BatchID
	}
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (%s %s): expected 0x%08x, got 0x%08x",
		e.Seq, e.Type, target, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError is an unreadable record. Offset is the byte offset of the
// line; Seq is set when the envelope decoded but the payload did not.
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("wal: undecodable payload at seq=%d: %v", e.Seq, e.Cause)
	}
	return fmt.Sprintf("wal: corrupted record at offset %d: %v", e.Offset, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
