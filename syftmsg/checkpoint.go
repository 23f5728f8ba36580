// checkpoint.go defines the two checkpoint forms produced by the compaction
// scheme. A full Checkpoint is a complete snapshot of the datasite's file
// state; an IncrementalCheckpoint stores the deduplicated events accumulated
// between full checkpoints. Compaction folds the latest full checkpoint and
// all incrementals into a new full checkpoint.
package syftmsg

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// CheckpointVersion is the serialization version stamped into every
// checkpoint object.
const CheckpointVersion = 1

// CheckpointFile is one file captured by a full checkpoint.
type CheckpointFile struct {
	Path        string `json:"path"`
	Hash        string `json:"hash"`
	Content     []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
}

type checkpointFileJSON struct {
	Path        string  `json:"path"`
	Hash        string  `json:"hash"`
	Content     *string `json:"content"`
	ContentType string  `json:"content_type,omitempty"`
}

// MarshalJSON implements json.Marshaler using the shared content encoding.
func (f CheckpointFile) MarshalJSON() ([]byte, error) {
	ct := f.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	out := checkpointFileJSON{Path: f.Path, Hash: f.Hash, Content: encodeContent(f.Content, ct)}
	if ct == ContentTypeBinary {
		out.ContentType = ct
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *CheckpointFile) UnmarshalJSON(data []byte) error {
	var w checkpointFileJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ct := w.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	content, err := decodeContent(w.Content, ct)
	if err != nil {
		return err
	}
	*f = CheckpointFile{Path: w.Path, Hash: w.Hash, Content: content, ContentType: ct}
	return nil
}

// Checkpoint is a complete snapshot of a datasite's file state. Deleted
// files and dataset-collection paths never appear in it.
type Checkpoint struct {
	Version            int              `json:"version"`
	Timestamp          float64          `json:"timestamp"`
	Email              string           `json:"email"`
	LastEventTimestamp *float64         `json:"last_event_timestamp"`
	Files              []CheckpointFile `json:"files"`
}

// NewCheckpoint builds a checkpoint stamped with the current time.
func NewCheckpoint(email string, files []CheckpointFile, lastEventTimestamp *float64) *Checkpoint {
	return &Checkpoint{
		Version:            CheckpointVersion,
		Timestamp:          hashutil.Now(),
		Email:              email,
		LastEventTimestamp: lastEventTimestamp,
		Files:              files,
	}
}

// FileName renders the canonical object name for this checkpoint.
func (c *Checkpoint) FileName() string {
	return CheckpointFileName(c.Timestamp)
}

// FileHashes returns path -> hash for every captured file.
func (c *Checkpoint) FileHashes() map[string]string {
	out := make(map[string]string, len(c.Files))
	for _, f := range c.Files {
		out[f.Path] = f.Hash
	}
	return out
}

// Compressed serializes the checkpoint into its canonical envelope.
func (c *Checkpoint) Compressed() ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint")
	}
	return Compress(payload)
}

// CheckpointFromCompressed decodes an envelope produced by Compressed.
func CheckpointFromCompressed(data []byte) (*Checkpoint, error) {
	payload, err := Uncompress(data)
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	return &c, nil
}

// IncrementalCheckpoint stores the deduplicated events for one compaction
// epoch slice. Sequence numbers are monotone and gap-free within an epoch.
type IncrementalCheckpoint struct {
	Version        int                `json:"version"`
	Timestamp      float64            `json:"timestamp"`
	Email          string             `json:"email"`
	SequenceNumber int                `json:"sequence_number"`
	Events         []*FileChangeEvent `json:"events"`
}

// NewIncrementalCheckpoint builds an incremental checkpoint stamped with the
// current time.
func NewIncrementalCheckpoint(email string, seq int, events []*FileChangeEvent) *IncrementalCheckpoint {
	return &IncrementalCheckpoint{
		Version:        CheckpointVersion,
		Timestamp:      hashutil.Now(),
		Email:          email,
		SequenceNumber: seq,
		Events:         events,
	}
}

// FileName renders the canonical object name for this checkpoint.
func (c *IncrementalCheckpoint) FileName() string {
	return IncrementalCheckpointFileName(c.SequenceNumber, c.Timestamp)
}

// EventCount returns the number of events captured.
func (c *IncrementalCheckpoint) EventCount() int {
	return len(c.Events)
}

// Compressed serializes the checkpoint into its canonical envelope.
func (c *IncrementalCheckpoint) Compressed() ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal incremental checkpoint")
	}
	return Compress(payload)
}

// IncrementalCheckpointFromCompressed decodes an envelope produced by
// Compressed.
func IncrementalCheckpointFromCompressed(data []byte) (*IncrementalCheckpoint, error) {
	payload, err := Uncompress(data)
	if err != nil {
		return nil, err
	}
	var c IncrementalCheckpoint
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	return &c, nil
}

// CompactCheckpoints folds an optional existing full checkpoint and a set of
// incremental checkpoints into a new full checkpoint. Incrementals are
// applied in sequence order with later events overwriting earlier ones for
// the same path; deletions are excluded from the result.
func CompactCheckpoints(email string, existing *Checkpoint, incrementals []*IncrementalCheckpoint) *Checkpoint {
	sorted := make([]*IncrementalCheckpoint, len(incrementals))
	copy(sorted, incrementals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	merged := make(map[string]*FileChangeEvent)
	order := make([]string, 0)
	var lastEventTimestamp *float64

	record := func(e *FileChangeEvent) {
		if _, seen := merged[e.PathInDatasite]; !seen {
			order = append(order, e.PathInDatasite)
		}
		merged[e.PathInDatasite] = e
		if e.Timestamp != 0 && (lastEventTimestamp == nil || e.Timestamp > *lastEventTimestamp) {
			ts := e.Timestamp
			lastEventTimestamp = &ts
		}
	}

	if existing != nil {
		lastEventTimestamp = existing.LastEventTimestamp
		for _, f := range existing.Files {
			hash := f.Hash
			record(&FileChangeEvent{
				ID:                 uuid.New(),
				PathInDatasite:     f.Path,
				DatasiteEmail:      email,
				Content:            f.Content,
				ContentType:        f.ContentType,
				NewHash:            &hash,
				SubmittedTimestamp: existing.Timestamp,
				Timestamp:          0,
			})
		}
	}
	for _, inc := range sorted {
		for _, e := range inc.Events {
			record(e)
		}
	}

	files := make([]CheckpointFile, 0, len(merged))
	for _, path := range order {
		e := merged[path]
		if e.IsDeleted || e.Content == nil {
			continue
		}
		var hash string
		if e.NewHash != nil {
			hash = *e.NewHash
		}
		files = append(files, CheckpointFile{
			Path:        e.PathInDatasite,
			Hash:        hash,
			Content:     e.Content,
			ContentType: e.ContentType,
		})
	}

	return NewCheckpoint(email, files, lastEventTimestamp)
}
