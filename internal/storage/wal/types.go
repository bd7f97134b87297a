package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the checkpoint events written to the log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventDispatch EventType = "DISPATCH" // Batch claimed (pending -> in_progress)
	EventSuccess  EventType = "SUCCESS"  // Batch succeeded
	EventFailure  EventType = "FAILURE"  // Batch failed once
	EventReset    EventType = "RESET"    // Batch returned to pending
	EventRun      EventType = "RUN"      // Run metadata upsert
)

// Event represents a WAL event record.
//
// Payload holds the absolute state after the transition (a BatchState, or a
// JobRun for EventRun), so replaying an event twice yields the same result.
type Event struct {
	Seq       uint64          `json:"seq"`                // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`               // Event type
	JobID     string          `json:"job_id"`             // Backfill job ID
	BatchID   string          `json:"batch_id,omitempty"` // Empty for EventRun
	Payload   json.RawMessage `json:"payload"`            // Encoded state after the transition
	Timestamp int64           `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to checkpoint state
type EventHandler func(event Event) error

// BatchEvent builds an event carrying a batch state.
func BatchEvent(eventType EventType, jobID string, state types.BatchState) (Event, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode batch state: %w", err)
	}
	return Event{Type: eventType, JobID: jobID, BatchID: state.BatchID, Payload: payload}, nil
}

// RunEvent builds an event carrying run metadata.
func RunEvent(run types.JobRun) (Event, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode run: %w", err)
	}
	return Event{Type: EventRun, JobID: run.JobID, Payload: payload}, nil
}

// BatchState decodes the payload of a batch event.
func (e Event) BatchState() (types.BatchState, error) {
	var st types.BatchState
	if err := json.Unmarshal(e.Payload, &st); err != nil {
		return st, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return st, nil
}

// Run decodes the payload of an EventRun.
func (e Event) Run() (types.JobRun, error) {
	var run types.JobRun
	if err := json.Unmarshal(e.Payload, &run); err != nil {
		return run, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return run, nil
}
