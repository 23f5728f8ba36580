// event.go defines the atomic unit of the protocol, FileChangeEvent, and the
// accepted-events message that bundles them. Events are immutable once
// accepted; the owner stamps the acceptance timestamp when converting a
// proposed change.
package syftmsg

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openmined/syftsync/hashutil"
)

// Content types carried by events and proposed changes.
const (
	ContentTypeText   = "text"
	ContentTypeBinary = "binary"
)

// ErrBadPath reports a datasite path that is absolute or escapes the
// datasite root.
var ErrBadPath = errors.New("syftmsg: invalid datasite path")

// ValidatePath checks that p is a relative slash path confined to the
// datasite (no leading slash, no ".." segments, not empty).
func ValidatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") {
		return errors.Wrap(ErrBadPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errors.Wrap(ErrBadPath, p)
		}
	}
	return nil
}

// FileChangeEvent is a single accepted change to one file in a datasite.
// Content is nil exactly when IsDeleted is set.
type FileChangeEvent struct {
	ID                 uuid.UUID
	PathInDatasite     string
	DatasiteEmail      string
	Content            []byte
	ContentType        string
	OldHash            *string
	NewHash            *string
	IsDeleted          bool
	SubmittedTimestamp float64
	Timestamp          float64
}

// PathInSyftbox returns the event path prefixed with the owning datasite.
func (e *FileChangeEvent) PathInSyftbox() string {
	return e.DatasiteEmail + "/" + e.PathInDatasite
}

// EventFromProposedChange converts an accepted proposed change into an
// event, stamping the owner's acceptance time.
func EventFromProposedChange(pc *ProposedChange) *FileChangeEvent {
	return &FileChangeEvent{
		ID:                 pc.ID,
		PathInDatasite:     pc.PathInDatasite,
		DatasiteEmail:      pc.DatasiteEmail,
		Content:            pc.Content,
		ContentType:        pc.ContentType,
		OldHash:            pc.OldHash,
		NewHash:            pc.NewHash,
		IsDeleted:          pc.IsDeleted,
		SubmittedTimestamp: pc.SubmittedTimestamp,
		Timestamp:          hashutil.Now(),
	}
}

// eventJSON is the wire form of FileChangeEvent. Binary content travels
// base64-encoded; text content travels as the raw string; deletions carry
// null.
type eventJSON struct {
	ID                 uuid.UUID `json:"id"`
	PathInDatasite     string    `json:"path_in_datasite"`
	DatasiteEmail      string    `json:"datasite_email"`
	Content            *string   `json:"content"`
	ContentType        string    `json:"content_type"`
	OldHash            *string   `json:"old_hash"`
	NewHash            *string   `json:"new_hash"`
	IsDeleted          bool      `json:"is_deleted"`
	SubmittedTimestamp float64   `json:"submitted_timestamp"`
	Timestamp          float64   `json:"timestamp"`
}

func encodeContent(content []byte, contentType string) *string {
	if content == nil {
		return nil
	}
	var s string
	if contentType == ContentTypeBinary {
		s = base64.StdEncoding.EncodeToString(content)
	} else {
		s = string(content)
	}
	return &s
}

func decodeContent(s *string, contentType string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	if contentType == ContentTypeBinary {
		raw, err := base64.StdEncoding.DecodeString(*s)
		if err != nil {
			return nil, errors.Wrap(err, "decode binary content")
		}
		return raw, nil
	}
	return []byte(*s), nil
}

// MarshalJSON implements json.Marshaler.
func (e *FileChangeEvent) MarshalJSON() ([]byte, error) {
	ct := e.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	return json.Marshal(eventJSON{
		ID:                 e.ID,
		PathInDatasite:     e.PathInDatasite,
		DatasiteEmail:      e.DatasiteEmail,
		Content:            encodeContent(e.Content, ct),
		ContentType:        ct,
		OldHash:            e.OldHash,
		NewHash:            e.NewHash,
		IsDeleted:          e.IsDeleted,
		SubmittedTimestamp: e.SubmittedTimestamp,
		Timestamp:          e.Timestamp,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *FileChangeEvent) UnmarshalJSON(data []byte) error {
	var w eventJSON
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
	*e = FileChangeEvent{
		ID:                 w.ID,
		PathInDatasite:     w.PathInDatasite,
		DatasiteEmail:      w.DatasiteEmail,
		Content:            content,
		ContentType:        ct,
		OldHash:            w.OldHash,
		NewHash:            w.NewHash,
		IsDeleted:          w.IsDeleted,
		SubmittedTimestamp: w.SubmittedTimestamp,
		Timestamp:          w.Timestamp,
	}
	return nil
}

// AcceptedEventsMessage bundles one or more accepted events. The filename
// timestamp is the monotone clock watchers use for sync ordering.
type AcceptedEventsMessage struct {
	Events   []*FileChangeEvent    `json:"events"`
	FileName EventsMessageFileName `json:"message_filepath"`

	// PlatformID is the backend object id once known. Transport-local,
	// never serialized.
	PlatformID string `json:"-"`
}

// NewAcceptedEventsMessage wraps events in a message with a fresh filename.
func NewAcceptedEventsMessage(events []*FileChangeEvent) *AcceptedEventsMessage {
	return &AcceptedEventsMessage{
		Events:   events,
		FileName: NewEventsMessageFileName(),
	}
}

// Timestamp returns the filename-carried message timestamp.
func (m *AcceptedEventsMessage) Timestamp() float64 {
	return m.FileName.Timestamp
}

// Compressed serializes the message into its canonical envelope.
func (m *AcceptedEventsMessage) Compressed() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal accepted events message")
	}
	return Compress(payload)
}

// AcceptedEventsMessageFromCompressed decodes an envelope produced by
// Compressed.
func AcceptedEventsMessageFromCompressed(data []byte) (*AcceptedEventsMessage, error) {
	payload, err := Uncompress(data)
	if err != nil {
		return nil, err
	}
	var m AcceptedEventsMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, errors.Wrap(ErrBadEnvelope, err.Error())
	}
	return &m, nil
}
