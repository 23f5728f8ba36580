// filename.go implements the canonical filenames for every object the engine
// writes to the backend. Filenames carry the message timestamp so that a
// name-ordered descending listing is also a timestamp-ordered listing; the
// timestamp is always rendered through hashutil.FormatTimestamp to keep that
// property.
package syftmsg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// Filename prefixes for the five object kinds stored on the backend.
const (
	EventsMessagePrefix         = "syfteventsmessagev3"
	ProposedMessagePrefix       = "msgv2"
	CheckpointPrefix            = "checkpoint"
	IncrementalCheckpointPrefix = "incremental_checkpoint"
	RollingStatePrefix          = "rolling_state"

	// FilenameExtension is shared by every message object.
	FilenameExtension = ".tar.gz"
)

// ErrFileNameParse reports a filename that does not match any known layout.
var ErrFileNameParse = errors.New("syftmsg: cannot parse filename")

// EventsMessageFileName names an accepted-events message:
// syfteventsmessagev3_<timestamp>_<uuid>.tar.gz
type EventsMessageFileName struct {
	ID        uuid.UUID `json:"id"`
	Timestamp float64   `json:"timestamp"`
	Extension string    `json:"extension"`
}

// NewEventsMessageFileName stamps a fresh filename with the current time.
func NewEventsMessageFileName() EventsMessageFileName {
	return EventsMessageFileName{
		ID:        uuid.New(),
		Timestamp: hashutil.Now(),
		Extension: FilenameExtension,
	}
}

// String renders the canonical filename.
func (f EventsMessageFileName) String() string {
	return fmt.Sprintf("%s_%s_%s%s",
		EventsMessagePrefix, hashutil.FormatTimestamp(f.Timestamp), f.ID, FilenameExtension)
}

// ParseEventsMessageFileName parses a filename produced by String.
func ParseEventsMessageFileName(name string) (EventsMessageFileName, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[0] != EventsMessagePrefix {
		return EventsMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	ts, err := hashutil.ParseTimestamp(parts[1])
	if err != nil {
		return EventsMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	idPart := strings.TrimSuffix(parts[2], FilenameExtension)
	id, err := uuid.Parse(idPart)
	if err != nil {
		return EventsMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	return EventsMessageFileName{ID: id, Timestamp: ts, Extension: FilenameExtension}, nil
}

// ProposedMessageFileName names a proposed-changes message:
// msgv2_<timestamp>_<uid>.tar.gz
type ProposedMessageFileName struct {
	SubmittedTimestamp float64 `json:"submitted_timestamp"`
	UID                string  `json:"uid"`
}

// NewProposedMessageFileName stamps a fresh filename with the current time.
func NewProposedMessageFileName() ProposedMessageFileName {
	return ProposedMessageFileName{
		SubmittedTimestamp: hashutil.Now(),
		UID:                uuid.New().String(),
	}
}

// String renders the canonical filename.
func (f ProposedMessageFileName) String() string {
	return fmt.Sprintf("%s_%s_%s%s",
		ProposedMessagePrefix, hashutil.FormatTimestamp(f.SubmittedTimestamp), f.UID, FilenameExtension)
}

// ParseProposedMessageFileName parses a filename produced by String.
func ParseProposedMessageFileName(name string) (ProposedMessageFileName, error) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 || parts[0] != ProposedMessagePrefix {
		return ProposedMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	ts, err := hashutil.ParseTimestamp(parts[1])
	if err != nil {
		return ProposedMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	uid := strings.TrimSuffix(parts[2], FilenameExtension)
	if uid == "" {
		return ProposedMessageFileName{}, errors.Wrap(ErrFileNameParse, name)
	}
	return ProposedMessageFileName{SubmittedTimestamp: ts, UID: uid}, nil
}

// CheckpointFileName renders checkpoint_<timestamp>.tar.gz.
func CheckpointFileName(timestamp float64) string {
	return fmt.Sprintf("%s_%s%s", CheckpointPrefix, hashutil.FormatTimestamp(timestamp), FilenameExtension)
}

// ParseCheckpointTimestamp extracts the timestamp from a full-checkpoint
// filename. Incremental checkpoint names share the "checkpoint" substring
// but not the prefix, so they are rejected here.
func ParseCheckpointTimestamp(name string) (float64, bool) {
	if !strings.HasPrefix(name, CheckpointPrefix+"_") {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, CheckpointPrefix+"_"), FilenameExtension)
	ts, err := hashutil.ParseTimestamp(rest)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// IncrementalCheckpointFileName renders
// incremental_checkpoint_<seq>_<timestamp>.tar.gz.
func IncrementalCheckpointFileName(seq int, timestamp float64) string {
	return fmt.Sprintf("%s_%d_%s%s",
		IncrementalCheckpointPrefix, seq, hashutil.FormatTimestamp(timestamp), FilenameExtension)
}

// ParseIncrementalCheckpointSeq extracts the sequence number from an
// incremental checkpoint filename.
func ParseIncrementalCheckpointSeq(name string) (int, bool) {
	if !strings.HasPrefix(name, IncrementalCheckpointPrefix+"_") {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, IncrementalCheckpointPrefix+"_"), FilenameExtension)
	parts := strings.SplitN(rest, "_", 2)
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return seq, true
}

// RollingStateFileName renders rolling_state_<timestamp>.tar.gz.
func RollingStateFileName(timestamp float64) string {
	return fmt.Sprintf("%s_%s%s", RollingStatePrefix, hashutil.FormatTimestamp(timestamp), FilenameExtension)
}

// ParseRollingStateTimestamp extracts the timestamp from a rolling state
// filename.
func ParseRollingStateTimestamp(name string) (float64, bool) {
	if !strings.HasPrefix(name, RollingStatePrefix+"_") {
		return 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, RollingStatePrefix+"_"), FilenameExtension)
	ts, err := hashutil.ParseTimestamp(rest)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// TimestampFromMessageFileName extracts the timestamp from either message
// filename kind (accepted events or proposed changes). Used by listings to
// decide early termination without fully parsing the name.
func TimestampFromMessageFileName(name string) (float64, bool) {
	if !strings.HasPrefix(name, EventsMessagePrefix+"_") && !strings.HasPrefix(name, ProposedMessagePrefix+"_") {
		return 0, false
	}
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 3 {
		return 0, false
	}
	ts, err := hashutil.ParseTimestamp(parts[1])
	if err != nil {
		return 0, false
	}
	return ts, true
}
