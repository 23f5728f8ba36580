// rolling.go implements the rolling state: the live buffer of events
// accepted since the last checkpoint, uploaded eagerly so a fresh client can
// resync in two object-store reads (checkpoint + rolling state) instead of
// one read per event message.
package syftmsg

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// RollingStateVersion is the serialization version stamped into every
// rolling state object.
const RollingStateVersion = 1

// RollingState accumulates events since the last checkpoint. Events are
// deduplicated by path on insert: a new event for an already-present path
// replaces the earlier one in place, so EventCount is the number of
// distinct touched paths.
type RollingState struct {
	Version                 int                `json:"version"`
	Timestamp               float64            `json:"timestamp"`
	Email                   string             `json:"email"`
	BaseCheckpointTimestamp float64            `json:"base_checkpoint_timestamp"`
	LastEventTimestamp      *float64           `json:"last_event_timestamp"`
	Events                  []*FileChangeEvent `json:"events"`
}

// NewRollingState builds an empty rolling state on top of the checkpoint
// with the given timestamp.
func NewRollingState(email string, baseCheckpointTimestamp float64) *RollingState {
	return &RollingState{
		Version:                 RollingStateVersion,
		Timestamp:               hashutil.Now(),
		Email:                   email,
		BaseCheckpointTimestamp: baseCheckpointTimestamp,
	}
}

// FileName renders the canonical object name for this rolling state.
func (r *RollingState) FileName() string {
	return RollingStateFileName(r.Timestamp)
}

// EventCount returns the number of distinct paths currently buffered.
func (r *RollingState) EventCount() int {
	return len(r.Events)
}

// AddEvent inserts an event, replacing any earlier event for the same path.
func (r *RollingState) AddEvent(event *FileChangeEvent) {
	replaced := false
	for i, existing := range r.Events {
		if existing.PathInDatasite == event.PathInDatasite {
			r.Events[i] = event
			replaced = true
			break
		}
	}
	if !replaced {
		r.Events = append(r.Events, event)
	}
	if r.LastEventTimestamp == nil || event.Timestamp > *r.LastEventTimestamp {
		ts := event.Timestamp
		r.LastEventTimestamp = &ts
	}
	r.Timestamp = hashutil.Now()
}

// AddEventsMessage inserts every event of a message, in order. The
// watermark advances to the message timestamp, which is the clock a fresh
// client resumes the event log from: everything at or before it is covered
// by this rolling state.
func (r *RollingState) AddEventsMessage(msg *AcceptedEventsMessage) {
	for _, event := range msg.Events {
		r.AddEvent(event)
	}
	if ts := msg.Timestamp(); r.LastEventTimestamp == nil || ts > *r.LastEventTimestamp {
		r.LastEventTimestamp = &ts
	}
}

// Clear drops all buffered events and rebases on a new checkpoint.
func (r *RollingState) Clear(newBaseCheckpointTimestamp float64) {
	r.Events = nil
	r.BaseCheckpointTimestamp = newBaseCheckpointTimestamp
	r.LastEventTimestamp = nil
	r.Timestamp = hashutil.Now()
}

// Compressed serializes the rolling state into its canonical envelope.
func (r *RollingState) Compressed() ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rolling state")
	}
	return Compress(payload)
}

// RollingStateFromCompressed decodes an envelope produced by Compressed.
func RollingStateFromCompressed(data []byte) (*RollingState, error) {
	payload, err := Uncompress(data)
	if err != nil {
		return nil, err
	}
	var r RollingState
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	return &r, nil
}
